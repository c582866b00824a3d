package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenenazirov/grc/pkg/backend"
)

func newTestProvider(t *testing.T, opts ...Option) *Provider {
	t.Helper()
	p := NewProvider(opts...)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	assert.Equal(t, backend.Memory, p.Type())

	require.NoError(t, p.Set(ctx, "/a/1", "one", 0))
	require.NoError(t, p.Set(ctx, "/a/2", "two", 0))
	require.NoError(t, p.Set(ctx, "/b/1", "other", 0))

	kvs, err := p.Get(ctx, "/a/1", false)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	assert.Equal(t, "one", kvs[0].Value)

	kvs, err = p.Get(ctx, "/a/", true)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, "/a/1", kvs[0].Key)
	assert.Equal(t, "/a/2", kvs[1].Key)

	kvs, err = p.Get(ctx, "/missing", false)
	require.NoError(t, err)
	assert.Empty(t, kvs)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	require.NoError(t, p.Set(ctx, "/a/1", "one", 0))
	require.NoError(t, p.Set(ctx, "/a/2", "two", 0))
	require.NoError(t, p.Set(ctx, "/b", "b", 0))

	require.NoError(t, p.Delete(ctx, "/b", false))
	kvs, _ := p.Get(ctx, "/b", false)
	assert.Empty(t, kvs)

	require.NoError(t, p.Delete(ctx, "/a/", true))
	kvs, _ = p.Get(ctx, "/a/", true)
	assert.Empty(t, kvs)
}

func TestIncrIsAtomic(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Incr(ctx, "/counter")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := p.Incr(ctx, "/counter")
	require.NoError(t, err)
	assert.EqualValues(t, 51, v)
}

func TestIncrRejectsNonInteger(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	require.NoError(t, p.Set(ctx, "/counter", "abc", 0))
	_, err := p.Incr(ctx, "/counter")
	assert.Error(t, err)
}

func TestTTLExpiryEmitsDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	now := time.Unix(1000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	p := newTestProvider(t, WithClock(clock), WithSweepInterval(5*time.Millisecond))

	ch, err := p.Watch(ctx, "/ttl/", true)
	require.NoError(t, err)

	require.NoError(t, p.Set(ctx, "/ttl/key", "v", time.Second))
	evt := <-ch
	assert.Equal(t, backend.Put, evt.Type)

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	select {
	case evt = <-ch:
		assert.Equal(t, backend.Delete, evt.Type)
		assert.Equal(t, "/ttl/key", evt.Key)
	case <-time.After(time.Second):
		t.Fatal("expected delete event after expiry")
	}

	kvs, _ := p.Get(ctx, "/ttl/key", false)
	assert.Empty(t, kvs)
}

func TestWatchFiltersByKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newTestProvider(t)

	exact, err := p.Watch(ctx, "/w/key", false)
	require.NoError(t, err)
	prefix, err := p.Watch(ctx, "/w/", true)
	require.NoError(t, err)

	require.NoError(t, p.Set(ctx, "/w/other", "1", 0))
	require.NoError(t, p.Set(ctx, "/w/key", "2", 0))

	evt := <-exact
	assert.Equal(t, "/w/key", evt.Key)

	assert.Equal(t, "/w/other", (<-prefix).Key)
	assert.Equal(t, "/w/key", (<-prefix).Key)
}

func TestKeepAliveRemovesKeyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newTestProvider(t)

	require.NoError(t, p.KeepAlive(ctx, "/node", "addr", time.Second))
	kvs, _ := p.Get(context.Background(), "/node", false)
	require.Len(t, kvs, 1)

	cancel()
	assert.Eventually(t, func() bool {
		kvs, _ := p.Get(context.Background(), "/node", false)
		return len(kvs) == 0
	}, time.Second, 10*time.Millisecond)
}
