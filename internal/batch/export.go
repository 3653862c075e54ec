package batch

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

var (
	itemsHeader        = []string{"#", "Label", "File", "Status", "Test type", "Summary", "Error category", "Error"}
	measurementsHeader = []string{"Label", "Measurement", "Value", "Unit", "Status", "Reference range"}
)

// ExportXLSX writes the batch result as a workbook with an items sheet and a
// measurements sheet covering every successful item.
func ExportXLSX(res *Result, path string) error {
	if res == nil {
		return eris.New("batch: export nil result")
	}

	f := xlsx.NewFile()

	items, err := f.AddSheet("Items")
	if err != nil {
		return eris.Wrap(err, "batch: add items sheet")
	}
	addRow(items, itemsHeader)
	for i, st := range res.Items {
		row := []string{strconv.Itoa(i + 1), st.Label, st.Filename, string(st.Status), "", "", "", ""}
		if st.Result != nil {
			row[4] = st.Result.ParsedReport.TestTypeDisplay
			row[5] = st.Result.Explanation.OverallSummary
		}
		if st.Error != nil {
			row[6] = string(st.Error.Category)
			row[7] = st.Error.Message
		}
		addRow(items, row)
	}

	ms, err := f.AddSheet("Measurements")
	if err != nil {
		return eris.Wrap(err, "batch: add measurements sheet")
	}
	addRow(ms, measurementsHeader)
	for _, st := range res.Items {
		if st.Result == nil {
			continue
		}
		for _, m := range st.Result.ParsedReport.Measurements {
			name := m.Abbreviation
			if name == "" {
				name = m.Name
			}
			row := ms.AddRow()
			row.AddCell().SetString(st.Label)
			row.AddCell().SetString(name)
			row.AddCell().SetFloat(m.Value)
			row.AddCell().SetString(m.Unit)
			row.AddCell().SetString(string(m.Status))
			row.AddCell().SetString(m.ReferenceRange)
		}
	}

	if len(res.Results) > 1 {
		ctxSheet, err := f.AddSheet("Comparison")
		if err != nil {
			return eris.Wrap(err, "batch: add comparison sheet")
		}
		addRow(ctxSheet, []string{"Label", "Test type", "Opening", "Measurements"})
		for i, r := range res.Results {
			addRow(ctxSheet, []string{
				res.Labels[i],
				r.ParsedReport.TestTypeDisplay,
				FirstSentence(r.Explanation.OverallSummary),
				MeasurementsSummary(r.ParsedReport.Measurements),
			})
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "batch: save workbook %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, cells []string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(strings.TrimSpace(c))
	}
}
