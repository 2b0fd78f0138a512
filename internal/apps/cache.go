package apps

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiendc/go-deepcopy"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshInterval is the rolling refresh period while observers exist.
	DefaultRefreshInterval = 10 * time.Second
	refreshKey             = "releases"
)

// ReleaseSource fetches the raw chart.release.query records.
type ReleaseSource interface {
	QueryReleases(ctx context.Context) ([]map[string]any, error)
}

// Token identifies an observer or a queued refresh requester.
type Token uint64

// Observer is called with a snapshot of all releases after a refresh.
type Observer func(releases []Release)

// Cache mirrors the control plane's release records. One Cache is created
// per process and handed to every component that needs release state.
type Cache struct {
	source   ReleaseSource
	logger   zerolog.Logger
	interval time.Duration

	mu        sync.RWMutex
	releases  map[string]Release
	fetchedAt time.Time

	// refreshMu serializes fetches so they never overlap.
	refreshMu sync.Mutex
	flight    singleflight.Group

	subMu     sync.Mutex
	nextToken Token
	observers map[Token]Observer
	inflight  map[Token]struct{}
	stopLoop  context.CancelFunc
	loops     sync.WaitGroup
}

// NewCache performs the initial fetch and returns the populated cache.
func NewCache(ctx context.Context, source ReleaseSource, interval time.Duration, logger zerolog.Logger) (*Cache, error) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	c := &Cache{
		source:    source,
		logger:    logger.With().Str("component", "app_cache").Logger(),
		interval:  interval,
		releases:  map[string]Release{},
		observers: map[Token]Observer{},
		inflight:  map[Token]struct{}{},
	}
	if err := c.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial release fetch: %w", err)
	}
	return c, nil
}

// Get returns a copy of the named release.
func (c *Cache) Get(name string) (Release, bool) {
	c.mu.RLock()
	r, ok := c.releases[name]
	c.mu.RUnlock()
	if !ok {
		return Release{}, false
	}
	return cloneRelease(r), true
}

// All returns copies of every cached release sorted by name.
func (c *Cache) All() []Release {
	c.mu.RLock()
	out := make([]Release, 0, len(c.releases))
	for _, r := range c.releases {
		out = append(out, r)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for i := range out {
		out[i] = cloneRelease(out[i])
	}
	return out
}

// Names returns the sorted release names.
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.releases))
	for name := range c.releases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FetchedAt returns when the cached set was fetched.
func (c *Cache) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}

// Refresh re-fetches all releases and notifies observers. A caller arriving
// while a refresh runs waits for that refresh instead of starting another.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.flight.Do(refreshKey, func() (any, error) {
		c.refreshMu.Lock()
		defer c.refreshMu.Unlock()
		return nil, c.fetchLocked(ctx)
	})
	if err != nil {
		return err
	}
	c.notify()
	return nil
}

// QueueRefresh performs a refresh that starts no earlier than the call and
// passes its result to then. Observers registered under token are skipped by
// any broadcast that happens while the request is queued.
func (c *Cache) QueueRefresh(ctx context.Context, token Token, then Observer) error {
	c.subMu.Lock()
	c.inflight[token] = struct{}{}
	c.subMu.Unlock()
	defer func() {
		c.subMu.Lock()
		delete(c.inflight, token)
		c.subMu.Unlock()
	}()

	c.refreshMu.Lock()
	err := c.fetchLocked(ctx)
	c.refreshMu.Unlock()
	if err != nil {
		return err
	}
	if then != nil {
		then(c.All())
	}
	c.notify()
	return nil
}

func (c *Cache) fetchLocked(ctx context.Context) error {
	started := time.Now()
	records, err := c.source.QueryReleases(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Release refresh failed; keeping previous state")
		return fmt.Errorf("query releases: %w", err)
	}

	next := make(map[string]Release, len(records))
	for _, record := range records {
		r, err := ReleaseFromRecord(record)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Skipping malformed release record")
			continue
		}
		next[r.Name] = r
	}

	c.mu.Lock()
	c.releases = next
	c.fetchedAt = started
	c.mu.Unlock()
	c.logger.Debug().Int("releases", len(next)).Dur("took", time.Since(started)).Msg("Release cache refreshed")
	return nil
}

func (c *Cache) notify() {
	c.subMu.Lock()
	targets := make([]Observer, 0, len(c.observers))
	for token, fn := range c.observers {
		if _, queued := c.inflight[token]; queued {
			continue
		}
		targets = append(targets, fn)
	}
	c.subMu.Unlock()

	if len(targets) == 0 {
		return
	}
	snapshot := c.All()
	for _, fn := range targets {
		fn(snapshot)
	}
}

// Subscribe registers fn. The first observer starts the rolling refresh.
func (c *Cache) Subscribe(fn Observer) Token {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.nextToken++
	token := c.nextToken
	c.observers[token] = fn
	if len(c.observers) == 1 && c.stopLoop == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.stopLoop = cancel
		c.loops.Add(1)
		go c.rollingRefresh(ctx)
	}
	return token
}

// Unsubscribe removes an observer. The last one stops the rolling refresh.
func (c *Cache) Unsubscribe(token Token) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if _, ok := c.observers[token]; !ok {
		return
	}
	delete(c.observers, token)
	if len(c.observers) == 0 && c.stopLoop != nil {
		c.stopLoop()
		c.stopLoop = nil
	}
}

// Rolling reports whether the background refresh loop is running.
func (c *Cache) Rolling() bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.stopLoop != nil
}

// Close drops all observers and waits for the rolling refresh to exit.
func (c *Cache) Close() {
	c.subMu.Lock()
	c.observers = map[Token]Observer{}
	if c.stopLoop != nil {
		c.stopLoop()
		c.stopLoop = nil
	}
	c.subMu.Unlock()
	c.loops.Wait()
}

func (c *Cache) rollingRefresh(ctx context.Context) {
	defer c.loops.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Debug().Dur("interval", c.interval).Msg("Rolling release refresh started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug().Msg("Rolling release refresh stopped")
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Rolling release refresh failed")
			}
		}
	}
}

func cloneRelease(r Release) Release {
	var out Release
	if err := deepcopy.Copy(&out, &r); err != nil {
		// Config only holds JSON values, which always copy.
		out = r
	}
	return out
}
