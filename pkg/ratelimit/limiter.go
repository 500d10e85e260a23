package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request pacing.
var (
	paceWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "apiclient_ratelimit_wait_seconds",
		Help:    "Time requests spent waiting for the client-side pacer",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apiclient_ratelimit_quota_remaining",
		Help: "Requests remaining in the quota window advertised by the remote service",
	})

	quotaBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apiclient_ratelimit_blocks_total",
		Help: "Total number of requests held until the advertised quota window reset",
	})
)

// Config holds the pacer configuration.
type Config struct {
	// RequestsPerSecond is the sustained dispatch rate. Zero disables pacing.
	RequestsPerSecond float64

	// Burst is the number of requests allowed at once. Defaults to 1.
	Burst int

	// RespectQuota holds requests while the advertised quota is exhausted.
	RespectQuota bool

	// MaxQuotaWait caps how long a request is held for a quota reset.
	MaxQuotaWait time.Duration
}

// DefaultConfig returns pacing disabled with quota tracking enabled.
func DefaultConfig() Config {
	return Config{
		RespectQuota: true,
		MaxQuotaWait: time.Minute,
	}
}

// Limiter gates dispatches by a token bucket and by the quota advertised
// by the remote service. A nil *Limiter never waits.
type Limiter struct {
	pacer        *rate.Limiter
	respectQuota bool
	maxQuotaWait time.Duration
	now          func() time.Time
	logger       zerolog.Logger

	mu    sync.RWMutex
	state State
}

// New creates a limiter.
func New(cfg Config, logger *zerolog.Logger) (*Limiter, error) {
	if cfg.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("requests per second must be >= 0 (got %v)", cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	l := &Limiter{
		respectQuota: cfg.RespectQuota,
		maxQuotaWait: cfg.MaxQuotaWait,
		now:          time.Now,
		state:        UnknownState(),
	}
	if cfg.RequestsPerSecond > 0 {
		l.pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if logger != nil {
		l.logger = logger.With().Str("component", "rate-limiter").Logger()
	} else {
		l.logger = log.With().Str("component", "rate-limiter").Logger()
	}
	return l, nil
}

// Wait blocks until the next request may be dispatched or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	start := time.Now()
	defer func() {
		if waited := time.Since(start); waited > time.Millisecond {
			paceWaitSeconds.Observe(waited.Seconds())
		}
	}()

	if l.respectQuota {
		if err := l.waitForQuota(ctx); err != nil {
			return err
		}
	}
	if l.pacer != nil {
		if err := l.pacer.Wait(ctx); err != nil {
			return fmt.Errorf("pace request: %w", err)
		}
	}
	return nil
}

func (l *Limiter) waitForQuota(ctx context.Context) error {
	state := l.State()
	now := l.now()
	if !state.NeedsCriticalBlock(now) {
		return nil
	}

	wait := state.TimeUntilReset(now)
	if l.maxQuotaWait > 0 && wait > l.maxQuotaWait {
		wait = l.maxQuotaWait
	}
	quotaBlocksTotal.Inc()
	l.logger.Warn().
		Int("remaining", state.Remaining).
		Dur("wait_duration", wait).
		Msg("Quota exhausted - holding request until reset")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// UpdateFromHeaders records the quota advertised by a response.
func (l *Limiter) UpdateFromHeaders(h http.Header) error {
	if l == nil {
		return nil
	}
	state, ok, err := ParseHeaders(h, l.now())
	if err != nil || !ok {
		return err
	}

	l.mu.Lock()
	l.state = state
	l.mu.Unlock()

	quotaRemaining.Set(float64(state.Remaining))
	if state.IsLow() {
		l.logger.Warn().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Quota running low")
	} else {
		l.logger.Debug().Int("remaining", state.Remaining).Msg("Quota state updated")
	}
	return nil
}

// State returns the last advertised quota.
func (l *Limiter) State() State {
	if l == nil {
		return UnknownState()
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}
