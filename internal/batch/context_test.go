package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/explain-cli/internal/model"
)

func TestFirstSentence(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Your heart is healthy. Nothing to worry about.", "Your heart is healthy."},
		{"Great news! Your labs are normal.", "Great news!"},
		{"Is this normal? Yes.", "Is this normal?"},
		{"  Leading space trimmed. Rest.", "Leading space trimmed."},
		{"No terminator at all", "No terminator at all"},
		{"LVEF is 55.5% today. Normal.", "LVEF is 55.5% today."},
		{"Your A1C rose to 6.1 from 5.8.", "Your A1C rose to 6.1 from 5.8."},
		{"Version 2. Next part.", "Version 2."},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, FirstSentence(tt.in))
		})
	}
}

func TestMeasurementsSummary(t *testing.T) {
	ms := []model.ParsedMeasurement{
		{Abbreviation: "A", Value: 1, Unit: "mm"},
		{Abbreviation: "B", Value: 2.5, Unit: "%"},
		{Name: "Heart rate", Value: 72, Unit: "bpm"},
		{Abbreviation: "D", Value: 4},
		{Abbreviation: "E", Value: 5, Unit: "cm"},
		{Abbreviation: "F", Value: 6, Unit: "cm"},
	}
	assert.Equal(t, "A: 1 mm; B: 2.5 %; Heart rate: 72 bpm; D: 4; E: 5 cm", MeasurementsSummary(ms))
	assert.Equal(t, "", MeasurementsSummary(nil))
}

func TestAccumulator_AppendOnly(t *testing.T) {
	acc := NewAccumulator()
	base := model.AnalysisRequest{Extraction: &model.Extraction{FullText: "x"}}

	first := acc.Apply(base)
	assert.Empty(t, first.AvoidOpenings)
	assert.Empty(t, first.PriorSummaries)

	acc.Record("Echo", &model.ExplainResponse{
		Explanation:  model.ExplanationResult{OverallSummary: "Opening one. More."},
		ParsedReport: model.ParsedReport{TestTypeDisplay: "Echocardiogram"},
	})
	second := acc.Apply(base)

	acc.Record("Labs", &model.ExplainResponse{
		Explanation:  model.ExplanationResult{OverallSummary: "Opening two!"},
		ParsedReport: model.ParsedReport{TestTypeDisplay: "Lab Results"},
	})
	acc.Record("ignored", nil)

	// Requests built earlier do not see later appends.
	assert.Equal(t, []string{"Opening one."}, second.AvoidOpenings)
	require.Len(t, second.PriorSummaries, 1)
	assert.Equal(t, "Echo", second.PriorSummaries[0].Label)

	assert.Equal(t, []string{"Opening one.", "Opening two!"}, acc.UsedOpenings())
	assert.Equal(t, 2, acc.Len())
	assert.Equal(t, "Lab Results", acc.PriorSummaries()[1].TestTypeDisplay)

	// The base request is never mutated.
	assert.Empty(t, base.AvoidOpenings)

	// Returned slices are copies.
	openings := acc.UsedOpenings()
	openings[0] = "changed"
	assert.Equal(t, "Opening one.", acc.UsedOpenings()[0])
}

func TestAccumulator_EmptySummaryStillRecordsPrior(t *testing.T) {
	acc := NewAccumulator()
	acc.Record("Echo", &model.ExplainResponse{ParsedReport: model.ParsedReport{TestTypeDisplay: "Echo"}})
	assert.Empty(t, acc.UsedOpenings())
	assert.Equal(t, 1, acc.Len())
}
