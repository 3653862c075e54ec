package extract

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/sells-group/explain-cli/internal/model"
)

// extractPDF reads the text layer page by page. Scanned pages come back
// empty; OCR is left to the service.
func extractPDF(data []byte) (*model.Extraction, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrap(err, "extract: open pdf")
	}

	pages := make([]string, r.NumPage())
	var warnings []string
	for i := range pages {
		p := r.Page(i + 1)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, eris.Wrapf(err, "extract: read pdf page %d", i+1)
		}
		pages[i] = text
		if strings.TrimSpace(text) == "" {
			warnings = append(warnings, "Page "+strconv.Itoa(i+1)+": no text layer.")
		}
	}

	ext := model.NewExtraction(model.InputPDF, model.MethodTextLayer, pages)
	ext.Warnings = warnings
	if ext.Empty() {
		ext.Warnings = append(ext.Warnings, "No text could be extracted from this PDF.")
	}
	return ext, nil
}

// extractText decodes plain text, honoring a UTF-8 or UTF-16 byte order mark.
func extractText(data []byte) (*model.Extraction, error) {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(dec, data)
	if err != nil {
		return nil, eris.Wrap(err, "extract: decode text")
	}
	return model.NewExtraction(model.InputText, model.MethodDirectInput, []string{string(out)}), nil
}

// extractJSON accepts an already extracted payload. Fields the payload omits
// are filled in so it can be sent as is.
func extractJSON(data []byte) (*model.Extraction, error) {
	var ext model.Extraction
	if err := json.Unmarshal(data, &ext); err != nil {
		return nil, eris.Wrap(err, "extract: parse json")
	}
	ext = ext.Complete()
	return &ext, nil
}

// extractXLSX flattens each sheet into tab separated lines, one page per
// sheet. A sheet with a header and data rows is also kept as a table.
func extractXLSX(data []byte) (*model.Extraction, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "extract: open xlsx")
	}

	pages := make([]string, 0, len(f.Sheets))
	var tables []model.ExtractedTable
	for i, sheet := range f.Sheets {
		var b strings.Builder
		if len(f.Sheets) > 1 {
			b.WriteString("# " + sheet.Name + "\n")
		}
		var rows [][]string
		for _, row := range sheet.Rows {
			if cells := writeRow(&b, rowToStrings(row)); cells != nil {
				rows = append(rows, cells)
			}
		}
		pages = append(pages, b.String())
		if t, ok := newTable(i+1, rows); ok {
			tables = append(tables, t)
		}
	}

	ext := model.NewExtraction(model.InputText, model.MethodDirectInput, pages)
	if len(tables) > 0 {
		ext.Tables = tables
	}
	return ext, nil
}

func extractCSV(data []byte) (*model.Extraction, error) {
	text, err := extractText(data)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(strings.NewReader(text.FullText))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var (
		b    strings.Builder
		rows [][]string
	)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "extract: parse csv")
		}
		if cells := writeRow(&b, record); cells != nil {
			rows = append(rows, cells)
		}
	}

	ext := model.NewExtraction(model.InputText, model.MethodDirectInput, []string{b.String()})
	if t, ok := newTable(1, rows); ok {
		ext.Tables = []model.ExtractedTable{t}
	}
	return ext, nil
}

// writeRow writes the trimmed cells of a non-blank row and returns them.
func writeRow(b *strings.Builder, cells []string) []string {
	for i := len(cells) - 1; i >= 0 && strings.TrimSpace(cells[i]) == ""; i-- {
		cells = cells[:i]
	}
	if len(cells) == 0 {
		return nil
	}
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = strings.TrimSpace(c)
		if i > 0 {
			b.WriteByte('\t')
		}
		b.WriteString(out[i])
	}
	b.WriteByte('\n')
	return out
}

// newTable treats the first row as the header. A table needs at least one
// data row.
func newTable(page int, rows [][]string) (model.ExtractedTable, bool) {
	if len(rows) < 2 {
		return model.ExtractedTable{}, false
	}
	return model.ExtractedTable{
		PageNumber: page,
		TableIndex: 0,
		Headers:    rows[0],
		Rows:       rows[1:],
	}, true
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
