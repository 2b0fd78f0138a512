package apps

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Waiter blocks until a release becomes active. It observes the cache, so
// the cache's rolling refresh runs for as long as somebody waits.
type Waiter struct {
	cache  *Cache
	logger zerolog.Logger
}

// NewWaiter returns a Waiter fed by cache.
func NewWaiter(cache *Cache, logger zerolog.Logger) *Waiter {
	return &Waiter{cache: cache, logger: logger.With().Str("component", "app_waiter").Logger()}
}

// WaitForActive returns true once name is ACTIVE in a release set fetched
// after the call. It returns false when timeout elapses or ctx ends.
func (w *Waiter) WaitForActive(ctx context.Context, name string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Only the latest release set matters.
	updates := make(chan []Release, 1)
	deliver := func(releases []Release) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- releases:
		default:
		}
	}
	token := w.cache.Subscribe(deliver)
	defer w.cache.Unsubscribe(token)

	if err := w.cache.QueueRefresh(ctx, token, deliver); err != nil {
		w.logger.Debug().Err(err).Str("app", name).Msg("Refresh failed while waiting; using cached state")
		if r, ok := w.cache.Get(name); ok && r.Active() {
			return true
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Warn().Str("app", name).Dur("timeout", timeout).Msg("Timed out waiting for application to become active")
			return false
		case releases := <-updates:
			for _, r := range releases {
				if r.Name == name && r.Active() {
					w.logger.Info().Str("app", name).Msg("Application is active")
					return true
				}
			}
		}
	}
}
