package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"
)

// SeverityStatus grades a measurement against its reference range.
type SeverityStatus string

const (
	SeverityNormal       SeverityStatus = "normal"
	SeverityMild         SeverityStatus = "mildly_abnormal"
	SeverityModerate     SeverityStatus = "moderately_abnormal"
	SeveritySevere       SeverityStatus = "severely_abnormal"
	SeverityCritical     SeverityStatus = "critical"
	SeverityUndetermined SeverityStatus = "undetermined"
)

// MeasurementExplanation is a plain-language explanation of one measurement.
type MeasurementExplanation struct {
	Abbreviation  string         `json:"abbreviation"`
	Value         float64        `json:"value"`
	Unit          string         `json:"unit"`
	Status        SeverityStatus `json:"status"`
	PlainLanguage string         `json:"plain_language"`
}

// FindingExplanation explains one key finding.
type FindingExplanation struct {
	Finding     string `json:"finding"`
	Severity    string `json:"severity"`
	Explanation string `json:"explanation"`
}

// ExplanationResult is the language-model output.
type ExplanationResult struct {
	OverallSummary     string                   `json:"overall_summary"`
	Measurements       []MeasurementExplanation `json:"measurements"`
	KeyFindings        []FindingExplanation     `json:"key_findings"`
	QuestionsForDoctor []string                 `json:"questions_for_doctor"`
	Disclaimer         string                   `json:"disclaimer"`
}

// ParsedMeasurement is a measurement extracted from the report by the backend.
type ParsedMeasurement struct {
	Name           string         `json:"name"`
	Abbreviation   string         `json:"abbreviation"`
	Value          float64        `json:"value"`
	Unit           string         `json:"unit"`
	Status         SeverityStatus `json:"status"`
	ReferenceRange string         `json:"reference_range,omitempty"`
}

// ParsedReport is the structured view of the report the explanation was built from.
type ParsedReport struct {
	TestType            string              `json:"test_type"`
	TestTypeDisplay     string              `json:"test_type_display"`
	DetectionConfidence float64             `json:"detection_confidence"`
	Measurements        []ParsedMeasurement `json:"measurements"`
	Findings            []string            `json:"findings"`
	Warnings            []string            `json:"warnings"`
}

// ExplainResponse is the success payload of a done terminal event.
type ExplainResponse struct {
	Explanation        ExplanationResult `json:"explanation"`
	ParsedReport       ParsedReport      `json:"parsed_report"`
	ValidationWarnings []string          `json:"validation_warnings"`
	ModelUsed          string            `json:"model_used"`
	InputTokens        int               `json:"input_tokens"`
	OutputTokens       int               `json:"output_tokens"`
}

// HistorySummaryLimit bounds the summary stored with a history record.
const HistorySummaryLimit = 200

// HistoryRecord is the payload handed to persistence after a successful run.
type HistoryRecord struct {
	TestType        string          `json:"test_type"`
	TestTypeDisplay string          `json:"test_type_display"`
	Filename        string          `json:"filename,omitempty"`
	Summary         string          `json:"summary"`
	FullResponse    json.RawMessage `json:"full_response"`
}

// NewHistoryRecord builds the persistence record for a completed run.
func NewHistoryRecord(filename string, resp *ExplainResponse, raw json.RawMessage) HistoryRecord {
	rec := HistoryRecord{Filename: filename, FullResponse: raw}
	if resp == nil {
		return rec
	}
	rec.TestType = resp.ParsedReport.TestType
	rec.TestTypeDisplay = resp.ParsedReport.TestTypeDisplay
	rec.Summary = Truncate(resp.Explanation.OverallSummary, HistorySummaryLimit)
	if len(rec.FullResponse) == 0 {
		if b, err := json.Marshal(resp); err == nil {
			rec.FullResponse = b
		}
	}
	return rec
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// FormatMeasurement renders a measurement as "ABBR: value unit".
func FormatMeasurement(m ParsedMeasurement) string {
	name := m.Abbreviation
	if name == "" {
		name = m.Name
	}
	val := strconv.FormatFloat(m.Value, 'f', -1, 64)
	return strings.TrimSpace(name + ": " + strings.TrimSpace(val+" "+m.Unit))
}
