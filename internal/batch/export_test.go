package batch

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/resilience"
)

func sheetRows(t *testing.T, f *xlsx.File, name string) [][]string {
	t.Helper()
	sheet, ok := f.Sheet[name]
	require.True(t, ok, "sheet %s", name)
	var rows [][]string
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.String()
		}
		rows = append(rows, cells)
	}
	return rows
}

func TestExportXLSX(t *testing.T) {
	echo := &model.ExplainResponse{
		Explanation: model.ExplanationResult{OverallSummary: "Normal heart. Good news."},
		ParsedReport: model.ParsedReport{
			TestTypeDisplay: "Echocardiogram",
			Measurements: []model.ParsedMeasurement{
				{Abbreviation: "LVEF", Value: 60, Unit: "%", Status: model.SeverityNormal, ReferenceRange: "52-72"},
			},
		},
	}
	stress := &model.ExplainResponse{
		Explanation:  model.ExplanationResult{OverallSummary: "Reassuring test!"},
		ParsedReport: model.ParsedReport{TestTypeDisplay: "Stress Test"},
	}
	res := &Result{
		Kind: KindComparison,
		Items: []model.BatchItemState{
			{Key: "1", Label: "Echo", Filename: "echo.pdf", Status: model.ItemDone, Result: echo},
			{Key: "2", Label: "Labs", Filename: "labs.pdf", Status: model.ItemError, Error: resilience.Classify("Failed to parse report.")},
			{Key: "3", Label: "Stress", Filename: "stress.pdf", Status: model.ItemDone, Result: stress},
		},
		Results: []*model.ExplainResponse{echo, stress},
		Labels:  []string{"Echo", "Stress"},
	}

	path := filepath.Join(t.TempDir(), "out.xlsx")
	require.NoError(t, ExportXLSX(res, path))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)

	items := sheetRows(t, f, "Items")
	require.Len(t, items, 4)
	assert.Equal(t, itemsHeader, items[0])
	assert.Equal(t, []string{"1", "Echo", "echo.pdf", "done", "Echocardiogram", "Normal heart. Good news."}, items[1][:6])
	assert.Equal(t, "error", items[2][3])
	assert.Equal(t, "parse", items[2][6])

	ms := sheetRows(t, f, "Measurements")
	require.Len(t, ms, 2)
	assert.Equal(t, []string{"Echo", "LVEF", "60", "%", "normal", "52-72"}, ms[1])

	cmp := sheetRows(t, f, "Comparison")
	require.Len(t, cmp, 3)
	assert.Equal(t, []string{"Echo", "Echocardiogram", "Normal heart.", "LVEF: 60 %"}, cmp[1])
	assert.Equal(t, []string{"Stress", "Stress Test", "Reassuring test!"}, cmp[2][:3])
}

func TestExportXLSX_SingleHasNoComparison(t *testing.T) {
	res := &Result{
		Kind:    KindSingle,
		Items:   []model.BatchItemState{{Key: "1", Label: "A", Status: model.ItemDone, Result: &model.ExplainResponse{}}},
		Results: []*model.ExplainResponse{{}},
		Labels:  []string{"A"},
	}
	path := filepath.Join(t.TempDir(), "single.xlsx")
	require.NoError(t, ExportXLSX(res, path))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	_, ok := f.Sheet["Comparison"]
	assert.False(t, ok)
}

func TestExportXLSX_Nil(t *testing.T) {
	assert.Error(t, ExportXLSX(nil, filepath.Join(t.TempDir(), "x.xlsx")))
}
