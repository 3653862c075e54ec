package pipeline

import (
	"context"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/explain-cli/internal/model"
)

// persist saves rec in the background. The run's outcome is already decided;
// a failure here only produces a notice.
func (m *Machine) persist(log *zap.Logger, jobID string, rec model.HistoryRecord) {
	if m.persister == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.persistTimeout)
		defer cancel()

		id, err := m.persister.SaveHistory(ctx, rec)
		if err != nil {
			log.Warn("pipeline: failed to save history", zap.Error(err))
			m.notify(Notice{
				JobID:   jobID,
				Message: "The analysis finished but could not be saved to history.",
				Err:     eris.Wrap(err, "pipeline: save history"),
			})
			return
		}
		log.Debug("pipeline: history saved", zap.String("history_id", id))
	}()
}

func (m *Machine) notify(n Notice) {
	if m.notifier != nil {
		m.notifier.Notify(n)
	}
}

// drainBody lets an abandoned response finish in the background without
// anything observing its content.
func (m *Machine) drainBody(rc io.ReadCloser) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _ = io.Copy(io.Discard, rc)
		_ = rc.Close()
	}()
}
