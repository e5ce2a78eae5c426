// Package ratelimit implements a blocking sliding-window rate limiter for
// outbound App Store Connect requests. Admission blocks, never drops: a caller
// suspends until the oldest dispatch timestamp leaves the trailing window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for rate limiting.
var (
	ascRateLimitInWindow = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asc_rate_limit_in_window",
		Help: "Number of dispatch timestamps currently inside the rate window",
	})

	ascRateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asc_rate_limit_waits_total",
		Help: "Total number of acquisitions that had to wait for capacity",
	})

	ascRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asc_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a rate limit slot",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// Vendor defaults: App Store Connect allows 3500 requests per rolling hour.
const (
	DefaultLimit  = 3500
	DefaultWindow = time.Hour
)

// Limiter bounds outbound request rate against a sliding time window.
type Limiter struct {
	limit  int
	window time.Duration
	logger zerolog.Logger

	mu     sync.Mutex
	stamps []time.Time

	// admission serializes waiters in FIFO arrival order. A slot in the
	// window is consumed only when Acquire returns, so an abandoned wait
	// never corrupts the window.
	admission chan struct{}

	// Seams for tests: clock and cancellable sleep.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter allowing at most limit acquisitions per trailing window.
func New(limit int, window time.Duration) (*Limiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive (got %d)", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive (got %v)", window)
	}

	return &Limiter{
		limit:     limit,
		window:    window,
		logger:    log.With().Str("component", "rate-limiter").Logger(),
		stamps:    make([]time.Time, 0, limit),
		admission: make(chan struct{}, 1),
		now:       time.Now,
		sleep:     sleepCtx,
	}, nil
}

// Default returns a limiter configured with the vendor's documented limit.
func Default() *Limiter {
	l, _ := New(DefaultLimit, DefaultWindow)
	return l
}

// Acquire blocks until a slot is free or ctx is cancelled. At no point do more
// than limit acquisitions fall inside any trailing window.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Join the FIFO admission queue. Cancellation here consumes nothing.
	select {
	case l.admission <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.admission }()

	start := l.now()
	waited := false

	for {
		l.mu.Lock()
		now := l.now()
		l.trim(now)

		if len(l.stamps) < l.limit {
			l.stamps = append(l.stamps, now)
			ascRateLimitInWindow.Set(float64(len(l.stamps)))
			l.mu.Unlock()

			if waited {
				wait := now.Sub(start)
				ascRateLimitWaitSeconds.Observe(wait.Seconds())
				l.logger.Debug().
					Dur("waited", wait).
					Msg("Slot acquired after wait")
			}
			return nil
		}

		// Window full. Sleep until the oldest timestamp exits it.
		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if !waited {
			waited = true
			ascRateLimitWaitsTotal.Inc()
			l.logger.Debug().
				Dur("wait", wait).
				Int("limit", l.limit).
				Msg("Rate window full, waiting for capacity")
		}

		if wait < 0 {
			wait = 0
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// InWindow returns the number of dispatch timestamps currently in the window.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trim(l.now())
	return len(l.stamps)
}

// trim discards timestamps older than the window. Caller holds l.mu.
func (l *Limiter) trim(now time.Time) {
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(l.stamps) && !l.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[idx:]...)
		ascRateLimitInWindow.Set(float64(len(l.stamps)))
	}
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		// Yield to the scheduler but honor cancellation.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
