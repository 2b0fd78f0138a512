package apps

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSource reports the fetch generation as the chart version of each
// release so tests can tell how fresh a snapshot is.
type countingSource struct {
	mu      sync.Mutex
	fetches int64
	names   []string
	status  map[string]string
	delay   time.Duration
	fail    bool
}

func (s *countingSource) QueryReleases(ctx context.Context) ([]map[string]any, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("middleware unavailable")
	}
	s.fetches++
	records := make([]map[string]any, 0, len(s.names))
	for _, name := range s.names {
		status := s.status[name]
		if status == "" {
			status = StatusActive
		}
		records = append(records, map[string]any{
			"id":             name,
			"status":         status,
			"chart_metadata": map[string]any{"name": name, "version": strconv.FormatInt(s.fetches, 10)},
			"config":         map[string]any{"nested": map[string]any{"n": 1}},
		})
	}
	return records, nil
}

func (s *countingSource) generation() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *countingSource) setStatus(name, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[name] = status
}

func newSource(names ...string) *countingSource {
	return &countingSource{names: names, status: map[string]string{}}
}

func TestReleaseFromRecord(t *testing.T) {
	record := map[string]any{
		"id":             "immich",
		"catalog":        "TRUECHARTS",
		"catalog_train":  "premium",
		"status":         "ACTIVE",
		"chart_metadata": map[string]any{"name": "immich", "version": "1.2.3"},
		"config": map[string]any{
			"cnpg":        map[string]any{"main": map[string]any{"enabled": true}},
			"persistence": map[string]any{"data": map[string]any{"type": "pvc"}},
			"global":      map[string]any{"ixChartContext": map[string]any{"isStopped": true}},
		},
		"resources": map[string]any{"pods": []any{
			map[string]any{"metadata": map[string]any{"name": "immich-cnpg-main-2", "labels": map[string]any{"cnpg.io/instanceRole": "replica"}}},
			map[string]any{"metadata": map[string]any{"name": "immich-cnpg-main-1", "labels": map[string]any{"cnpg.io/instanceRole": "primary"}}},
		}},
	}

	r, err := ReleaseFromRecord(record)
	require.NoError(t, err)
	assert.Equal(t, "immich", r.Name)
	assert.Equal(t, "TRUECHARTS", r.Catalog)
	assert.Equal(t, "premium", r.Train)
	assert.Equal(t, "1.2.3", r.Version)
	assert.True(t, r.IsCNPG)
	assert.True(t, r.HasPVC)
	assert.True(t, r.Stopped)
	assert.Equal(t, "immich-cnpg-main-1", r.PrimaryCNPGPod)

	_, err = ReleaseFromRecord(map[string]any{"status": "ACTIVE"})
	assert.Error(t, err)
}

func TestCacheGetReturnsCopies(t *testing.T) {
	c, err := NewCache(context.Background(), newSource("grafana"), time.Hour, zerolog.Nop())
	require.NoError(t, err)

	r, ok := c.Get("grafana")
	require.True(t, ok)
	r.Config["nested"].(map[string]any)["n"] = 99

	again, _ := c.Get("grafana")
	assert.Equal(t, 1, again.Config["nested"].(map[string]any)["n"])
	assert.Equal(t, []string{"grafana"}, c.Names())
}

func TestCacheRefreshFailureKeepsState(t *testing.T) {
	src := newSource("a", "b")
	c, err := NewCache(context.Background(), src, time.Hour, zerolog.Nop())
	require.NoError(t, err)

	src.mu.Lock()
	src.fail = true
	src.mu.Unlock()

	assert.Error(t, c.Refresh(context.Background()))
	assert.Len(t, c.All(), 2)
}

func TestCacheConcurrentRefreshShareOneFetch(t *testing.T) {
	src := newSource("a")
	c, err := NewCache(context.Background(), src, time.Hour, zerolog.Nop())
	require.NoError(t, err)
	src.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Refresh(context.Background()))
		}()
	}
	wg.Wait()
	assert.Less(t, src.generation(), int64(1+5))
}

func TestQueueRefreshObservesFreshData(t *testing.T) {
	src := newSource("a")
	src.delay = 5 * time.Millisecond
	c, err := NewCache(context.Background(), src, time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	// Keep the rolling refresh busy while requests are queued.
	c.Subscribe(func([]Release) {})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queuedAt := src.generation()
			err := c.QueueRefresh(context.Background(), Token(1000), func(releases []Release) {
				if assert.Len(t, releases, 1) {
					v, _ := strconv.ParseInt(releases[0].Version, 10, 64)
					assert.Greater(t, v, queuedAt)
				}
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestQueueRefreshSkipsQueuedObserver(t *testing.T) {
	c, err := NewCache(context.Background(), newSource("a"), time.Hour, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	var observed, other atomic.Int32
	token := c.Subscribe(func([]Release) { observed.Add(1) })
	c.Subscribe(func([]Release) { other.Add(1) })

	var callbacks int
	require.NoError(t, c.QueueRefresh(context.Background(), token, func([]Release) { callbacks++ }))
	assert.Equal(t, 1, callbacks)
	assert.Equal(t, int32(0), observed.Load())
	assert.Equal(t, int32(1), other.Load())

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, int32(1), observed.Load())
}

func TestRollingRefreshFollowsObserverCount(t *testing.T) {
	src := newSource("a")
	c, err := NewCache(context.Background(), src, 5*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()
	assert.False(t, c.Rolling())

	got := make(chan struct{}, 1)
	t1 := c.Subscribe(func([]Release) {
		select {
		case got <- struct{}{}:
		default:
		}
	})
	t2 := c.Subscribe(func([]Release) {})
	assert.True(t, c.Rolling())

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("rolling refresh never notified")
	}

	c.Unsubscribe(t1)
	assert.True(t, c.Rolling())
	c.Unsubscribe(t2)
	assert.False(t, c.Rolling())
	c.Unsubscribe(t2)
}

func TestWaitForActive(t *testing.T) {
	src := newSource("cloudnative-pg")
	src.status["cloudnative-pg"] = StatusDeploying
	c, err := NewCache(context.Background(), src, time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()
	w := NewWaiter(c, zerolog.Nop())

	go func() {
		time.Sleep(20 * time.Millisecond)
		src.setStatus("cloudnative-pg", StatusActive)
	}()
	assert.True(t, w.WaitForActive(context.Background(), "cloudnative-pg", 5*time.Second))
	assert.False(t, c.Rolling(), "waiter must unsubscribe when done")
}

func TestWaitForActiveReadsFreshState(t *testing.T) {
	src := newSource("plex")
	src.status["plex"] = StatusDeploying
	c, err := NewCache(context.Background(), src, time.Hour, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()
	w := NewWaiter(c, zerolog.Nop())

	// Only the queued refresh can see the change; the rolling one is an hour away.
	src.setStatus("plex", StatusActive)
	before := src.generation()
	assert.True(t, w.WaitForActive(context.Background(), "plex", 5*time.Second))
	assert.Greater(t, src.generation(), before)
	assert.False(t, c.Rolling())
}

func TestWaitForActiveTimesOut(t *testing.T) {
	src := newSource("app")
	src.status["app"] = StatusStopped
	c, err := NewCache(context.Background(), src, time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()
	w := NewWaiter(c, zerolog.Nop())

	start := time.Now()
	assert.False(t, w.WaitForActive(context.Background(), "app", 30*time.Millisecond))
	assert.False(t, w.WaitForActive(context.Background(), "missing", 10*time.Millisecond))
	assert.Less(t, time.Since(start), 2*time.Second, fmt.Sprintf("took %s", time.Since(start)))
	assert.False(t, c.Rolling())
}
