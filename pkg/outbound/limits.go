package outbound

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// bridgeLimits lazily builds the per-bridge circuit breakers and rate
// limiters the gateway consults before each adapter call. Both are
// disabled unless configured.
type bridgeLimits struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
}

func newBridgeLimits(cfg Config) *bridgeLimits {
	return &bridgeLimits{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *bridgeLimits) breaker(bridgeID string) *gobreaker.CircuitBreaker {
	if !l.cfg.BreakerEnabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if breaker, ok := l.breakers[bridgeID]; ok {
		return breaker
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bridge:" + bridgeID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	l.breakers[bridgeID] = breaker
	return breaker
}

func (l *bridgeLimits) limiter(bridgeID string) *rate.Limiter {
	if l.cfg.RateLimitPerSecond <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[bridgeID]; ok {
		return limiter
	}
	burst := l.cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(l.cfg.RateLimitPerSecond), burst)
	l.limiters[bridgeID] = limiter
	return limiter
}
