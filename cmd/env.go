package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/explain-cli/internal/backend"
	"github.com/sells-group/explain-cli/internal/batch"
	"github.com/sells-group/explain-cli/internal/config"
	"github.com/sells-group/explain-cli/internal/cost"
	"github.com/sells-group/explain-cli/internal/extract"
	"github.com/sells-group/explain-cli/internal/model"
	"github.com/sells-group/explain-cli/internal/pipeline"
	"github.com/sells-group/explain-cli/internal/resilience"
	"github.com/sells-group/explain-cli/internal/store"
)

// appEnv holds the clients and runners shared by the analyze, batch, retry
// and serve commands.
type appEnv struct {
	Store   store.Store // nil unless a command or the history sink needs it
	Backend backend.Client
	Machine *pipeline.Machine
	Jobs    *boundedMachine
	Batches *batch.Orchestrator
	Loader  *extract.Loader
}

// Close waits briefly for background history writes, then releases the store.
func (e *appEnv) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.History.PersistTimeout())
	defer cancel()
	if err := e.Machine.Drain(ctx); err != nil {
		zap.L().Warn("pending history writes abandoned", zap.Error(err))
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the config for mode and wires every component. The store
// is opened when needStore is set or history goes to the store.
func initEnv(ctx context.Context, mode string, needStore bool) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{
		Backend: initBackend(),
		Loader:  extract.New(extract.WithMaxBytes(int64(cfg.Extract.MaxFileMB) << 20)),
	}

	if needStore || cfg.History.Sink == config.SinkStore {
		st, err := openStore(ctx)
		if err != nil {
			return nil, err
		}
		env.Store = st
	}

	opts := []pipeline.Option{
		pipeline.WithCostCalculator(cost.NewCalculator(cfg.Pricing)),
		pipeline.WithPersistTimeout(cfg.History.PersistTimeout()),
		pipeline.WithNotifier(pipeline.NotifierFunc(printNotice)),
	}
	switch cfg.History.Sink {
	case config.SinkBackend:
		opts = append(opts, pipeline.WithPersister(env.Backend))
	case config.SinkStore:
		opts = append(opts, pipeline.WithPersister(env.Store))
	}
	env.Machine = pipeline.New(env.Backend, opts...)
	env.Jobs = &boundedMachine{Machine: env.Machine, timeout: cfg.Backend.Timeout()}

	var batchOpts []batch.Option
	if env.Store != nil {
		batchOpts = append(batchOpts, batch.WithRecorder(env.Store))
	}
	env.Batches = batch.New(env.Jobs, batchOpts...)

	zap.L().Debug("environment ready",
		zap.String("backend", cfg.Backend.URL),
		zap.String("history_sink", cfg.History.Sink),
		zap.Bool("store", env.Store != nil),
	)
	return env, nil
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initBackend() backend.Client {
	opts := []backend.Option{
		backend.WithToken(cfg.Backend.Token),
		backend.WithHeaderTimeout(cfg.Backend.HeaderTimeout()),
		backend.WithRateLimit(cfg.Backend.RateLimit, cfg.Backend.RateBurst),
		backend.WithCircuitBreaker(resilience.NewCircuitBreaker(
			resilience.BackendBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeoutSecs),
		)),
	}
	if cfg.Backend.ConnectRetries > 1 {
		opts = append(opts, backend.WithConnectRetry(
			resilience.ConnectRetry(cfg.Backend.ConnectRetries, cfg.Backend.RetryBackoffMs),
		))
	}
	return backend.NewClient(cfg.Backend.URL, opts...)
}

func printNotice(n pipeline.Notice) {
	fmt.Fprintf(os.Stderr, "warning: %s\n", n.Message)
}

// boundedMachine applies the per-job timeout to every run. A run that hits
// it fails with the timeout category instead of being abandoned.
type boundedMachine struct {
	*pipeline.Machine
	timeout time.Duration
}

func (b *boundedMachine) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b *boundedMachine) Run(ctx context.Context, req model.AnalysisRequest, opts ...pipeline.RunOption) pipeline.Outcome {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.Machine.Run(ctx, req, opts...)
}

func (b *boundedMachine) Retry(ctx context.Context, prev pipeline.Outcome, opts ...pipeline.RunOption) (pipeline.Outcome, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()
	return b.Machine.Retry(ctx, prev, opts...)
}
