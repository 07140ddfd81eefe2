package broker

import (
	"context"
	"time"

	"github.com/pilab-dev/shadow-vault/domain"
)

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// rotationFailureLimit is how many consecutive failing rotation passes
// make the broker report unhealthy.
const rotationFailureLimit = 3

// HealthStatus is returned by HealthCheck.
type HealthStatus struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details"`
}

// HealthCheck aggregates the state of the connection pool, the rotation
// loop and the token store. It round-trips to the backend once through
// the service connection.
func (b *Broker) HealthCheck(ctx context.Context) HealthStatus {
	ctx, span := b.startSpan(ctx, "HealthCheck")
	defer span.End()

	healthy := true
	details := map[string]any{}

	serviceErr := ""
	if _, err := b.pool.Get(ctx, domain.ServiceScope); err != nil {
		healthy = false
		serviceErr = err.Error()
	}
	poolStats := b.pool.Stats()
	details["pool"] = map[string]any{
		"size":            poolStats.Size,
		"service_healthy": serviceErr == "",
		"service_error":   serviceErr,
		"last_sweep":      formatTime(poolStats.LastSweep),
	}

	rot := b.accessTokens.Stats()
	if rot.ConsecutiveFailures >= rotationFailureLimit {
		healthy = false
	}
	details["rotation"] = map[string]any{
		"tokens":               rot.Tokens,
		"last_run":             formatTime(rot.LastRun),
		"last_rotated":         rot.LastRotated,
		"last_failed":          rot.LastFailed,
		"total_failures":       rot.TotalFailures,
		"consecutive_failures": rot.ConsecutiveFailures,
	}

	tok := b.codec.Stats(ctx)
	sweepErr := ""
	if tok.SweepErr != nil {
		healthy = false
		sweepErr = tok.SweepErr.Error()
	}
	details["token_store"] = map[string]any{
		"records":     tok.Records,
		"last_sweep":  formatTime(tok.LastSweep),
		"sweep_error": sweepErr,
	}

	details["background_loops"] = b.Running()

	status := StatusHealthy
	if !healthy {
		status = StatusUnhealthy
		b.logger.Warn(ctx, "health check failed", map[string]interface{}{"details": details})
	}
	return HealthStatus{Status: status, Details: details}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
