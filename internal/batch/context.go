package batch

import (
	"strings"

	"github.com/sells-group/explain-cli/internal/model"
)

// summaryMeasurementLimit caps the measurements carried in a prior summary.
const summaryMeasurementLimit = 5

// Accumulator is the batch context: signals collected from completed items
// and fed forward into later requests. It is append-only and owned by the
// Orchestrator running the batch.
type Accumulator struct {
	usedOpenings   []string
	priorSummaries []model.PriorSummary
}

// NewAccumulator returns an empty batch context.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Apply returns req carrying the current context. Later appends are not
// visible to the returned request.
func (a *Accumulator) Apply(req model.AnalysisRequest) model.AnalysisRequest {
	return req.WithBatchContext(a.usedOpenings, a.priorSummaries)
}

// Record appends the signals of a successful item.
func (a *Accumulator) Record(label string, resp *model.ExplainResponse) {
	if resp == nil {
		return
	}
	if opening := FirstSentence(resp.Explanation.OverallSummary); opening != "" {
		a.usedOpenings = append(a.usedOpenings, opening)
	}
	a.priorSummaries = append(a.priorSummaries, model.PriorSummary{
		Label:               label,
		TestTypeDisplay:     resp.ParsedReport.TestTypeDisplay,
		MeasurementsSummary: MeasurementsSummary(resp.ParsedReport.Measurements),
	})
}

// UsedOpenings returns a copy of the opening sentences recorded so far.
func (a *Accumulator) UsedOpenings() []string {
	return append([]string(nil), a.usedOpenings...)
}

// PriorSummaries returns a copy of the prior summaries recorded so far.
func (a *Accumulator) PriorSummaries() []model.PriorSummary {
	return append([]model.PriorSummary(nil), a.priorSummaries...)
}

// Len returns the number of items recorded.
func (a *Accumulator) Len() int {
	return len(a.priorSummaries)
}

// FirstSentence returns s up to and including its first sentence
// terminator, or all of s if it has none. A period between two digits is a
// decimal point, not a terminator.
func FirstSentence(s string) string {
	s = strings.TrimSpace(s)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '!', '?':
			return s[:i+1]
		case '.':
			if i > 0 && i+1 < len(s) && isDigit(s[i-1]) && isDigit(s[i+1]) {
				continue
			}
			return s[:i+1]
		}
	}
	return s
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// MeasurementsSummary condenses the first few measurements into
// "ABBR: value unit; ..." form.
func MeasurementsSummary(ms []model.ParsedMeasurement) string {
	if len(ms) > summaryMeasurementLimit {
		ms = ms[:summaryMeasurementLimit]
	}
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		parts = append(parts, model.FormatMeasurement(m))
	}
	return strings.Join(parts, "; ")
}
