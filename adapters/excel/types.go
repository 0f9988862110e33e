package excel

import (
	"neurostat/domain/sensor"
	"neurostat/domain/trials"
)

// TrialData is the content of a long-format trial workbook
type TrialData struct {
	ConditionNames []string              // in order of first appearance
	Conditions     []*trials.TrialTensor // parallel to ConditionNames
	Adjacency      *sensor.Adjacency     // nil when the file has no adjacency sheet
}

// Long-format column names, matched case-insensitively
var dataColumns = []string{"condition", "trial", "time", "channel", "value"}

const (
	// DataSheet holds the trial values of an xlsx workbook
	DataSheet = "data"
	// AdjacencySheet optionally lists channel edges as (a, b) rows
	AdjacencySheet = "adjacency"
)
