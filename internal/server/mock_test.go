package server

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/sells-group/explain-cli/internal/model"
)

// --- Scripted backends ---

// sequenceStreamer returns its bodies in order, repeating the last one.
type sequenceStreamer struct {
	mu     sync.Mutex
	bodies []string
	calls  int
}

func (s *sequenceStreamer) StreamExplain(_ context.Context, _ model.AnalysisRequest) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.bodies)-1)
	s.calls++
	return io.NopCloser(strings.NewReader(s.bodies[i])), nil
}

// pipeStreamer hands the write side of every stream to the test, so it can
// hold a job open at a chosen point. The stream fails once ctx is done.
type pipeStreamer struct {
	writers chan *io.PipeWriter
}

func newPipeStreamer() *pipeStreamer {
	return &pipeStreamer{writers: make(chan *io.PipeWriter, 4)}
}

func (p *pipeStreamer) StreamExplain(ctx context.Context, _ model.AnalysisRequest) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	p.writers <- pw
	return pr, nil
}

func successStream(summary, display string) string {
	resp := model.ExplainResponse{
		Explanation:  model.ExplanationResult{OverallSummary: summary},
		ParsedReport: model.ParsedReport{TestType: strings.ToLower(display), TestTypeDisplay: display},
	}
	b, err := json.Marshal(map[string]any{"stage": "done", "data": resp})
	if err != nil {
		panic(err)
	}
	return "data: {\"stage\": \"detecting\", \"message\": \"Identifying report type...\"}\n\n" +
		"data: {\"stage\": \"explaining\", \"message\": \"Explaining...\"}\n\n" +
		"data: " + string(b) + "\n\n"
}

func failureStream(message string) string {
	b, _ := json.Marshal(map[string]string{"stage": "error", "message": message})
	return "data: {\"stage\": \"detecting\"}\n\ndata: " + string(b) + "\n\n"
}

func analysisRequest(filename string) model.AnalysisRequest {
	return model.AnalysisRequest{
		Extraction: &model.Extraction{FullText: "report text for " + filename, Filename: filename},
	}
}
