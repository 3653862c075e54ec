package batch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/resilience"
)

// --- Recorder Mock ---

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) CreateBatchRun(ctx context.Context, run model.BatchRun) error {
	return m.Called(ctx, run).Error(0)
}

func (m *mockRecorder) UpdateBatchRun(ctx context.Context, run model.BatchRun) error {
	return m.Called(ctx, run).Error(0)
}

func (m *mockRecorder) SaveBatchItem(ctx context.Context, batchID string, item model.BatchItemState) error {
	return m.Called(ctx, batchID, item).Error(0)
}

func (m *mockRecorder) EnqueueFailed(ctx context.Context, item resilience.FailedItem) error {
	return m.Called(ctx, item).Error(0)
}

// --- Scripted backend ---

// scriptedStreamer serves a canned event stream per filename and records
// every request it receives.
type scriptedStreamer struct {
	mu       sync.Mutex
	streams  map[string]string
	requests []model.AnalysisRequest
}

func (s *scriptedStreamer) StreamExplain(_ context.Context, req model.AnalysisRequest) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	body, ok := s.streams[req.Filename()]
	if !ok {
		return nil, errors.New("dial tcp: connection refused")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (s *scriptedStreamer) received() []model.AnalysisRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AnalysisRequest(nil), s.requests...)
}

func successStream(summary, display string, ms ...model.ParsedMeasurement) string {
	resp := model.ExplainResponse{
		Explanation:  model.ExplanationResult{OverallSummary: summary},
		ParsedReport: model.ParsedReport{TestType: strings.ToLower(display), TestTypeDisplay: display, Measurements: ms},
	}
	b, err := json.Marshal(map[string]any{"stage": "done", "data": resp})
	if err != nil {
		panic(err)
	}
	return "data: {\"stage\": \"detecting\", \"message\": \"Identifying report type...\"}\n\n" +
		"data: {\"stage\": \"parsing\", \"message\": \"Parsing...\"}\n\n" +
		"data: {\"stage\": \"explaining\", \"message\": \"Explaining...\"}\n\n" +
		"data: " + string(b) + "\n\n"
}

func failureStream(message string) string {
	b, _ := json.Marshal(map[string]string{"stage": "error", "message": message})
	return "data: {\"stage\": \"detecting\"}\n\ndata: " + string(b) + "\n\n"
}

func item(key, filename, label string) model.BatchItem {
	return model.BatchItem{
		Key:      key,
		Filename: filename,
		Label:    label,
		Request: model.AnalysisRequest{
			Extraction:   &model.Extraction{FullText: "report text for " + filename, Filename: filename},
			ShortComment: true,
		},
	}
}
