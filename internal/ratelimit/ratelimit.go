// Package ratelimit throttles per-client request bursts with a fixed
// window counter. State lives in process memory: running several server
// instances multiplies the effective threshold by the instance count,
// which is a documented property of the deployment, not something the
// limiter papers over.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

type entry struct {
	count   int
	resetAt time.Time
}

type Limiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	// test hook
	now func() time.Time
}

func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  window,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow records one request for the client key. When the request is over
// the window's budget it returns false along with the time left until the
// window resets.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !now.Before(e.resetAt) {
		l.entries[key] = &entry{count: 1, resetAt: now.Add(l.window)}
		return true, 0
	}

	e.count++
	if e.count > l.max {
		return false, e.resetAt.Sub(now)
	}
	return true, 0
}

// Middleware rejects over-threshold requests with 429 and a Retry-After
// header, keyed by the client's real IP.
func (l *Limiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ok, retryAfter := l.Allow(c.RealIP())
			if !ok {
				secs := int(retryAfter.Seconds())
				if retryAfter > time.Duration(secs)*time.Second {
					secs++
				}
				if secs < 1 {
					secs = 1
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return echo.NewHTTPError(http.StatusTooManyRequests,
					"too many requests, try again in "+strconv.Itoa(secs)+" seconds")
			}
			return next(c)
		}
	}
}

// StartSweeper evicts expired windows on a fixed interval so the entry map
// does not grow without bound. Eviction takes the same lock as Allow, so a
// sweep can never race a concurrent increment on the entry it removes.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.sweep(); n > 0 {
					log.Debug("rate limiter swept expired entries", "removed", n)
				}
			}
		}
	}()
}

func (l *Limiter) sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		if !now.Before(e.resetAt) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}
