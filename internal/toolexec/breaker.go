package toolexec

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/resolvd-ai/resolvd/internal/telemetry"
)

// BreakerConfig tunes the per-(tenant, tool) circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed attempt sets
	// after which the breaker opens.
	FailureThreshold uint32

	// CoolDown is how long the breaker stays open before allowing a
	// single half-open probe.
	CoolDown time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	return c
}

// breakerRegistry lazily creates one circuit breaker per (tenant, tool)
// pair. Breaker state is in-process; workers degrade to independent
// breakers rather than coordinating through shared storage.
type breakerRegistry struct {
	mu          sync.Mutex
	breakers    map[string]*gobreaker.CircuitBreaker
	cfg         BreakerConfig
	logger      *slog.Logger
	transitions metric.Int64Counter
}

func newBreakerRegistry(cfg BreakerConfig, logger *slog.Logger) *breakerRegistry {
	transitions, err := telemetry.Meter("resolvd/toolexec").Int64Counter(
		"resolvd.breaker_transitions",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		logger.Warn("toolexec: create breaker counter failed", "error", err)
	}
	return &breakerRegistry{
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		cfg:         cfg.withDefaults(),
		logger:      logger,
		transitions: transitions,
	}
}

func (r *breakerRegistry) get(tenantID, toolID string) *gobreaker.CircuitBreaker {
	key := tenantID + "/" + toolID
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	threshold := r.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: key,
		// One request through in half-open: a single probe decides
		// whether the breaker closes again.
		MaxRequests: 1,
		Timeout:     r.cfg.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("toolexec: breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if r.transitions != nil {
				r.transitions.Add(context.Background(), 1, metric.WithAttributes(
					attribute.String("breaker", name),
					attribute.String("to", to.String()),
				))
			}
		},
	})
	r.breakers[key] = cb
	return cb
}

// limiterRegistry holds one outbound rate limiter per tenant so a noisy
// tenant's playbooks cannot starve the others' tool calls.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLimiterRegistry(perSecond float64, burst int) *limiterRegistry {
	if perSecond <= 0 {
		perSecond = 50
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterRegistry{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (r *limiterRegistry) get(tenantID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[tenantID]; ok {
		return l
	}
	l := rate.NewLimiter(r.limit, r.burst)
	r.limiters[tenantID] = l
	return l
}
