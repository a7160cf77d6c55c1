package providerrouter

import (
	"time"

	"github.com/sony/gobreaker"

	"ai-privacy-router/internal/logger"
	"ai-privacy-router/internal/metrics"
)

// newBreaker returns a circuit breaker for one provider: it opens after 5
// consecutive failures and stays open for 30s before allowing a single
// half-open probe request through.
func newBreaker(providerID string, log *logger.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        providerID,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit_state", "provider %s: %s -> %s", name, from, to)
			metrics.SetCircuitState(name, stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 0.5
	case gobreaker.StateOpen:
		return 1
	default:
		return -1
	}
}
