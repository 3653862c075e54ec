package model

// LiteracyLevel selects the reading level of the generated explanation.
type LiteracyLevel string

const (
	LiteracyGrade4   LiteracyLevel = "grade_4"
	LiteracyGrade6   LiteracyLevel = "grade_6"
	LiteracyGrade8   LiteracyLevel = "grade_8"
	LiteracyClinical LiteracyLevel = "clinical"
)

// PriorSummary is a condensed view of an earlier item in the same batch.
type PriorSummary struct {
	Label               string `json:"label"`
	TestTypeDisplay     string `json:"test_type_display"`
	MeasurementsSummary string `json:"measurements_summary"`
}

// AnalysisRequest is the immutable input to one analysis job. It is also the
// JSON body of the streamed backend call.
type AnalysisRequest struct {
	Extraction      *Extraction   `json:"extraction_result"`
	TestType        string        `json:"test_type,omitempty"`
	TemplateID      *int          `json:"template_id,omitempty"`
	ClinicalContext string        `json:"clinical_context,omitempty"`
	LiteracyLevel   LiteracyLevel `json:"literacy_level,omitempty"`
	Tone            int           `json:"tone_preference,omitempty"`
	Detail          int           `json:"detail_preference,omitempty"`
	ShortComment    bool          `json:"short_comment"`

	// Batch-only context.
	AvoidOpenings  []string       `json:"avoid_openings,omitempty"`
	PriorSummaries []PriorSummary `json:"batch_prior_summaries,omitempty"`
}

// WithBatchContext returns a copy of r carrying the given batch context. The
// slices are copied so later growth of the accumulator is not visible to the
// returned request.
func (r AnalysisRequest) WithBatchContext(openings []string, priors []PriorSummary) AnalysisRequest {
	out := r
	out.AvoidOpenings = nil
	out.PriorSummaries = nil
	if len(openings) > 0 {
		out.AvoidOpenings = append([]string(nil), openings...)
	}
	if len(priors) > 0 {
		out.PriorSummaries = append([]PriorSummary(nil), priors...)
	}
	return out
}

// Filename returns the source filename of the extracted content, if known.
func (r AnalysisRequest) Filename() string {
	if r.Extraction == nil {
		return ""
	}
	return r.Extraction.Filename
}
