package excel

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"neurostat/domain/core"
	"neurostat/domain/sensor"
	"neurostat/domain/trials"
	"neurostat/internal"
)

// DataReader handles reading long-format trial data from Excel and CSV files.
// Each row holds one cell: condition, trial, time, channel, value.
type DataReader struct {
	filePath string
	fileType string // "xlsx" or "csv"
	logger   *internal.Logger
}

// NewDataReader creates a new data reader that handles both Excel and CSV files
func NewDataReader(filePath string, logger *internal.Logger) *DataReader {
	ext := strings.ToLower(filepath.Ext(filePath))
	fileType := "xlsx"
	if ext == ".csv" {
		fileType = "csv"
	}
	return &DataReader{filePath: filePath, fileType: fileType, logger: logger}
}

// ReadData reads the trial tensors and, for workbooks, the adjacency sheet
func (r *DataReader) ReadData() (*TrialData, error) {
	r.logger.Debug("[DataReader] reading %s file: %s", r.fileType, r.filePath)

	if _, err := os.Stat(r.filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s file not found: %s", strings.ToUpper(r.fileType), r.filePath)
	}

	switch r.fileType {
	case "csv":
		return r.readCSVData()
	case "xlsx":
		return r.readExcelData()
	default:
		return nil, fmt.Errorf("unsupported file type: %s", r.fileType)
	}
}

func (r *DataReader) readExcelData() (*TrialData, error) {
	start := time.Now()
	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheet := DataSheet
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx == -1 {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}

	data, err := ParseRows(rows)
	if err != nil {
		return nil, err
	}

	if idx, err := f.GetSheetIndex(AdjacencySheet); err == nil && idx != -1 {
		edgeRows, err := f.GetRows(AdjacencySheet)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %s: %w", AdjacencySheet, err)
		}
		adj, err := ParseEdges(edgeRows, data.Conditions[0].Channels())
		if err != nil {
			return nil, err
		}
		data.Adjacency = adj
	}

	r.logger.Debug("[DataReader] workbook read in %.2fms (%d conditions)",
		float64(time.Since(start).Nanoseconds())/1e6, len(data.Conditions))
	return data, nil
}

func (r *DataReader) readCSVData() (*TrialData, error) {
	file, err := os.Open(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV file: %w", err)
	}
	return ParseRows(rows)
}

type cellKey struct {
	trial, time, channel int
}

// ParseRows converts long-format rows (header first) into one tensor per
// condition. Every (trial, time, channel) of every condition must appear
// exactly once; conditions may differ in trial count only.
func ParseRows(rows [][]string) (*TrialData, error) {
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: need a header row and at least one data row", core.ErrInvalidTensor)
	}
	cols, err := locateColumns(rows[0], dataColumns)
	if err != nil {
		return nil, err
	}

	order := make(map[string]int)
	var names []string
	values := make([]map[cellKey]float64, 0)
	var nTimes, nChannels int
	nTrials := make([]int, 0)

	for i, row := range rows[1:] {
		line := i + 2
		if isBlank(row) {
			continue
		}
		name := field(row, cols[0])
		if name == "" {
			return nil, fmt.Errorf("%w: row %d has no condition", core.ErrInvalidTensor, line)
		}
		var ints [3]int
		for j := 0; j < 3; j++ {
			v, err := strconv.Atoi(field(row, cols[j+1]))
			if err != nil || v < 0 {
				return nil, fmt.Errorf("%w: row %d column %s must be a non-negative integer",
					core.ErrInvalidTensor, line, dataColumns[j+1])
			}
			ints[j] = v
		}
		value, err := strconv.ParseFloat(field(row, cols[4]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d value: %v", core.ErrInvalidTensor, line, err)
		}

		k, ok := order[name]
		if !ok {
			k = len(names)
			order[name] = k
			names = append(names, name)
			values = append(values, make(map[cellKey]float64))
			nTrials = append(nTrials, 0)
		}
		key := cellKey{trial: ints[0], time: ints[1], channel: ints[2]}
		if _, dup := values[k][key]; dup {
			return nil, fmt.Errorf("%w: row %d repeats %s trial %d time %d channel %d",
				core.ErrInvalidTensor, line, name, key.trial, key.time, key.channel)
		}
		values[k][key] = value
		nTrials[k] = max(nTrials[k], key.trial+1)
		nTimes = max(nTimes, key.time+1)
		nChannels = max(nChannels, key.channel+1)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no data rows", core.ErrInvalidTensor)
	}

	data := &TrialData{ConditionNames: names}
	for k, name := range names {
		want := nTrials[k] * nTimes * nChannels
		if len(values[k]) != want {
			return nil, fmt.Errorf("%w: condition %s has %d of %d cells (%d trials × %d times × %d channels)",
				core.ErrInvalidTensor, name, len(values[k]), want, nTrials[k], nTimes, nChannels)
		}
		flat := make([]float64, want)
		for key, v := range values[k] {
			flat[(key.trial*nTimes+key.time)*nChannels+key.channel] = v
		}
		tensor, err := trials.NewTrialTensor(flat, nTrials[k], nTimes, nChannels)
		if err != nil {
			return nil, fmt.Errorf("condition %s: %w", name, err)
		}
		data.Conditions = append(data.Conditions, tensor)
	}
	return data, nil
}

// ParseEdges converts (a, b) rows, header first, into an adjacency over
// nChannels channels
func ParseEdges(rows [][]string, nChannels int) (*sensor.Adjacency, error) {
	if len(rows) == 0 {
		return sensor.Isolated(nChannels), nil
	}
	cols, err := locateColumns(rows[0], []string{"a", "b"})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidAdjacency, err)
	}
	var edges []sensor.Edge
	for i, row := range rows[1:] {
		if isBlank(row) {
			continue
		}
		a, errA := strconv.Atoi(field(row, cols[0]))
		b, errB := strconv.Atoi(field(row, cols[1]))
		if errA != nil || errB != nil {
			return nil, fmt.Errorf("%w: row %d must hold two channel indices", core.ErrInvalidAdjacency, i+2)
		}
		edges = append(edges, sensor.Edge{A: a, B: b})
	}
	return sensor.NewAdjacency(nChannels, edges)
}

func locateColumns(header []string, names []string) ([]int, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	cols := make([]int, len(names))
	for i, name := range names {
		c, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing column %q", core.ErrInvalidTensor, name)
		}
		cols[i] = c
	}
	return cols, nil
}

func field(row []string, col int) string {
	if col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
