package profiling

import (
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Summary holds location and spread of a sample
type Summary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	Q25    float64 `json:"q25"`
	Q75    float64 `json:"q75"`
}

// Shape describes how far a sample departs from a normal distribution
type Shape struct {
	Skewness   float64 `json:"skewness"`
	Kurtosis   float64 `json:"excess_kurtosis"`
	NormalityP float64 `json:"normality_p"` // Jarque-Bera
	IsNormal   bool    `json:"is_normal"`
}

// DistributionAnalyzer handles distribution shape analysis
type DistributionAnalyzer struct {
	alpha float64
}

// NewDistributionAnalyzer creates a new distribution analyzer. alpha is the
// level below which the normality test rejects.
func NewDistributionAnalyzer(alpha float64) *DistributionAnalyzer {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.05
	}
	return &DistributionAnalyzer{alpha: alpha}
}

// AnalyzeDistribution computes summary statistics and shape markers of data
func (da *DistributionAnalyzer) AnalyzeDistribution(data []float64) (Summary, Shape, error) {
	var summary Summary
	var shape Shape

	mean, err := stats.Mean(data)
	if err != nil {
		return summary, shape, err
	}
	stdDev, err := stats.StandardDeviation(data)
	if err != nil {
		return summary, shape, err
	}
	lo, err := stats.Min(data)
	if err != nil {
		return summary, shape, err
	}
	hi, err := stats.Max(data)
	if err != nil {
		return summary, shape, err
	}
	median, err := stats.Median(data)
	if err != nil {
		return summary, shape, err
	}

	// Quartiles for IQR-based outlier detection
	q25, err := stats.Percentile(data, 25)
	if err != nil {
		return summary, shape, err
	}
	q75, err := stats.Percentile(data, 75)
	if err != nil {
		return summary, shape, err
	}

	summary = Summary{
		Mean:   mean,
		StdDev: stdDev,
		Min:    lo,
		Max:    hi,
		Median: median,
		Q25:    q25,
		Q75:    q75,
	}

	shape.Skewness = calculateSkewness(data, mean, stdDev)
	shape.Kurtosis = calculateKurtosis(data, mean, stdDev)
	shape.NormalityP = jarqueBeraP(len(data), shape.Skewness, shape.Kurtosis)
	shape.IsNormal = shape.NormalityP > da.alpha

	return summary, shape, nil
}

// calculateSkewness returns the population skewness, 0 for constant or tiny samples
func calculateSkewness(data []float64, mean, stdDev float64) float64 {
	if len(data) < 3 || stdDev == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range data {
		d := (x - mean) / stdDev
		sum += d * d * d
	}
	return sum / float64(len(data))
}

// calculateKurtosis returns the population excess kurtosis
func calculateKurtosis(data []float64, mean, stdDev float64) float64 {
	if len(data) < 4 || stdDev == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range data {
		d := (x - mean) / stdDev
		sum += d * d * d * d
	}
	return sum/float64(len(data)) - 3
}

// jarqueBeraP tests skewness and excess kurtosis jointly against a
// chi-square with two degrees of freedom
func jarqueBeraP(n int, skewness, kurtosis float64) float64 {
	if n < 3 {
		return 1
	}
	jb := float64(n) / 6 * (skewness*skewness + kurtosis*kurtosis/4)
	return distuv.ChiSquared{K: 2}.Survival(jb)
}

// detectOutliers counts values outside 1.5 IQR of the quartiles
func detectOutliers(data []float64, q25, q75 float64) int {
	iqr := q75 - q25
	lowerBound := q25 - 1.5*iqr
	upperBound := q75 + 1.5*iqr

	outlierCount := 0
	for _, x := range data {
		if x < lowerBound || x > upperBound {
			outlierCount++
		}
	}
	return outlierCount
}

func finiteValues(data []float64) ([]float64, int) {
	out := make([]float64, 0, len(data))
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out, len(data) - len(out)
}
