package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/explain-cli/internal/model"
)

// --- Streamer Mock ---

type mockStreamer struct {
	mock.Mock
}

func (m *mockStreamer) StreamExplain(ctx context.Context, req model.AnalysisRequest) (io.ReadCloser, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

// --- Persister Mock ---

type mockPersister struct {
	mock.Mock
}

func (m *mockPersister) SaveHistory(ctx context.Context, rec model.HistoryRecord) (string, error) {
	args := m.Called(ctx, rec)
	return args.String(0), args.Error(1)
}

// --- Helpers ---

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *snapshotRecorder) observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *snapshotRecorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func (r *snapshotRecorder) states() []model.State {
	var out []model.State
	for _, s := range r.all() {
		out = append(out, s.State)
	}
	return out
}

func stream(events ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(events, "")))
}

func progressEvent(stage model.Stage, message string) string {
	return fmt.Sprintf("data: {\"stage\": %q, \"message\": %q}\n\n", stage, message)
}

func errorEvent(message string) string {
	return fmt.Sprintf("data: {\"stage\": \"error\", \"message\": %q}\n\n", message)
}

func doneEvent(resp model.ExplainResponse) string {
	b, err := json.Marshal(map[string]any{"stage": "done", "data": resp})
	if err != nil {
		panic(err)
	}
	return "data: " + string(b) + "\n\n"
}

func testResponse(summary string) model.ExplainResponse {
	return model.ExplainResponse{
		Explanation: model.ExplanationResult{OverallSummary: summary},
		ParsedReport: model.ParsedReport{
			TestType:        "echo",
			TestTypeDisplay: "Echocardiogram",
			Measurements: []model.ParsedMeasurement{
				{Abbreviation: "LVEF", Value: 60, Unit: "%"},
			},
		},
		ModelUsed:    "claude-sonnet-4-5-20250929",
		InputTokens:  1200,
		OutputTokens: 400,
	}
}

func testRequest() model.AnalysisRequest {
	return model.AnalysisRequest{
		Extraction:   &model.Extraction{FullText: "LVEF 60%. Normal wall motion.", Filename: "echo.pdf", TotalPages: 1},
		ShortComment: true,
	}
}
