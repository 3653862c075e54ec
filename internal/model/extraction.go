package model

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// InputMode is how the report content was obtained.
type InputMode string

const (
	InputPDF   InputMode = "pdf"
	InputText  InputMode = "text"
	InputImage InputMode = "image"
)

// Page extraction methods set by the local loaders.
const (
	MethodDirectInput = "direct_input"
	MethodTextLayer   = "text_layer"
)

// PageExtraction is the text recovered from one page.
type PageExtraction struct {
	PageNumber       int     `json:"page_number"`
	Text             string  `json:"text"`
	ExtractionMethod string  `json:"extraction_method"`
	Confidence       float64 `json:"confidence"`
	CharCount        int     `json:"char_count"`
}

// ExtractedTable is a table found on a page.
type ExtractedTable struct {
	PageNumber int        `json:"page_number"`
	TableIndex int        `json:"table_index"`
	Headers    []string   `json:"headers"`
	Rows       [][]string `json:"rows"`
}

// Extraction is the extracted report content produced upstream of the
// orchestrator. It is sent to the analysis service as extraction_result.
type Extraction struct {
	InputMode           InputMode        `json:"input_mode"`
	FullText            string           `json:"full_text"`
	Pages               []PageExtraction `json:"pages"`
	Tables              []ExtractedTable `json:"tables"`
	Detection           json.RawMessage  `json:"detection,omitempty"`
	TotalPages          int              `json:"total_pages"`
	TotalChars          int              `json:"total_chars"`
	Filename            string           `json:"filename,omitempty"`
	Warnings            []string         `json:"warnings,omitempty"`
	EMRSource           string           `json:"emr_source,omitempty"`
	EMRSourceConfidence float64          `json:"emr_source_confidence,omitempty"`
}

// NewExtraction builds an extraction from per-page text. Pages are numbered
// from 1 and the full text joins the non-empty pages with a blank line.
func NewExtraction(mode InputMode, method string, pages []string) *Extraction {
	ext := &Extraction{
		InputMode:  mode,
		Pages:      make([]PageExtraction, 0, len(pages)),
		Tables:     []ExtractedTable{},
		TotalPages: len(pages),
	}
	var texts []string
	for i, text := range pages {
		text = strings.TrimSpace(text)
		ext.Pages = append(ext.Pages, PageExtraction{
			PageNumber:       i + 1,
			Text:             text,
			ExtractionMethod: method,
			Confidence:       1,
			CharCount:        utf8.RuneCountInString(text),
		})
		if text != "" {
			texts = append(texts, text)
		}
	}
	ext.FullText = strings.Join(texts, "\n\n")
	ext.TotalChars = utf8.RuneCountInString(ext.FullText)
	return ext
}

// Empty reports whether there is no usable content to analyze.
func (e *Extraction) Empty() bool {
	return e == nil || strings.TrimSpace(e.FullText) == ""
}

// Complete returns a copy with every field the service requires filled in.
// Content given only as full text becomes a single direct-input page.
func (e Extraction) Complete() Extraction {
	if e.InputMode == "" {
		e.InputMode = InputText
	}
	if len(e.Pages) == 0 {
		e.Pages = []PageExtraction{}
		if e.FullText != "" {
			e.Pages = append(e.Pages, PageExtraction{
				PageNumber:       1,
				Text:             e.FullText,
				ExtractionMethod: MethodDirectInput,
				Confidence:       1,
				CharCount:        utf8.RuneCountInString(e.FullText),
			})
		}
	}
	if e.Tables == nil {
		e.Tables = []ExtractedTable{}
	}
	if e.TotalPages == 0 {
		e.TotalPages = len(e.Pages)
	}
	if e.TotalChars == 0 {
		e.TotalChars = utf8.RuneCountInString(e.FullText)
	}
	return e
}

// MarshalJSON always emits a payload the service accepts.
func (e Extraction) MarshalJSON() ([]byte, error) {
	type wire Extraction
	return json.Marshal(wire(e.Complete()))
}
