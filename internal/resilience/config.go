package resilience

import (
	"time"

	"go.uber.org/zap"
)

// ConnectRetry builds the retry policy for establishing the analysis stream.
// attempts <= 1 disables retries.
func ConnectRetry(attempts, initialBackoffMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	cfg.OnRetry = RetryLogger("explain-stream")
	return cfg
}

// BackendBreaker builds the circuit breaker config for the analysis service and
// logs every state change.
func BackendBreaker(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	cfg.OnStateChange = func(from, to CircuitState) {
		zap.L().Warn("resilience: backend circuit changed state",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	return cfg
}
