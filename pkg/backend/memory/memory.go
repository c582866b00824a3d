// Package memory implements an in-process backend.Provider for tests and
// local debugging.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eugenenazirov/grc/pkg/backend"
)

const defaultSweepInterval = 100 * time.Millisecond

type entry struct {
	value  string
	expire time.Time // zero means never
}

type watcher struct {
	ctx    context.Context
	ch     backend.EventChan
	key    string
	prefix bool
}

func (w *watcher) matches(key string) bool {
	return key == w.key || (w.prefix && strings.HasPrefix(key, w.key))
}

// Provider keeps keys in a map guarded by a RWMutex.
type Provider struct {
	mu  sync.RWMutex
	kvs map[string]*entry

	wmu      sync.RWMutex
	watchers map[*watcher]struct{}

	clock         func() time.Time
	sweepInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures Provider behaviour.
type Option func(*Provider)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) {
		p.clock = clock
	}
}

// WithSweepInterval sets how often expired keys are removed.
func WithSweepInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.sweepInterval = d
		}
	}
}

// NewProvider starts an empty in-memory provider.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		kvs:           make(map[string]*entry),
		watchers:      make(map[*watcher]struct{}),
		clock:         time.Now,
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.sweep()
	return p
}

// Type returns the provider type.
func (p *Provider) Type() string {
	return backend.Memory
}

// Set value for the specified key with a specified ttl.
func (p *Provider) Set(_ context.Context, key, value string, ttl time.Duration) error {
	p.mu.Lock()
	p.kvs[key] = &entry{value: value, expire: p.expiry(ttl)}
	p.mu.Unlock()

	p.notify(&backend.WatchEvent{
		Type:   backend.Put,
		KVPair: backend.KVPair{Key: key, Value: value},
	})
	return nil
}

// Get the value of the specified key or directory.
func (p *Provider) Get(_ context.Context, key string, dir bool) (backend.KVPairs, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.clock()
	if !dir {
		e, ok := p.kvs[key]
		if !ok || e.expired(now) {
			return backend.KVPairs{}, nil
		}
		return backend.KVPairs{{Key: key, Value: e.value}}, nil
	}

	kvs := backend.KVPairs{}
	for k, e := range p.kvs {
		if strings.HasPrefix(k, key) && !e.expired(now) {
			kvs = append(kvs, &backend.KVPair{Key: k, Value: e.value})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, nil
}

// Incr invokes an atomic value increase for the specified key.
func (p *Provider) Incr(_ context.Context, key string) (int64, error) {
	p.mu.Lock()
	e, ok := p.kvs[key]
	if !ok || e.expired(p.clock()) {
		e = &entry{value: "0"}
		p.kvs[key] = e
	}
	v, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		p.mu.Unlock()
		return 0, fmt.Errorf("memory: key %s is not an integer: %w", key, err)
	}
	v++
	value := strconv.FormatInt(v, 10)
	e.value = value
	p.mu.Unlock()

	p.notify(&backend.WatchEvent{
		Type:   backend.Put,
		KVPair: backend.KVPair{Key: key, Value: value},
	})
	return v, nil
}

// Delete the specified key or directory.
func (p *Provider) Delete(_ context.Context, key string, dir bool) error {
	var removed backend.KVPairs

	p.mu.Lock()
	if !dir {
		if e, ok := p.kvs[key]; ok {
			delete(p.kvs, key)
			removed = append(removed, &backend.KVPair{Key: key, Value: e.value})
		}
	} else {
		for k, e := range p.kvs {
			if strings.HasPrefix(k, key) {
				delete(p.kvs, k)
				removed = append(removed, &backend.KVPair{Key: k, Value: e.value})
			}
		}
	}
	p.mu.Unlock()

	for _, kv := range removed {
		p.notify(&backend.WatchEvent{Type: backend.Delete, KVPair: *kv})
	}
	return nil
}

// Watch for changes of the specified key or directory.
func (p *Provider) Watch(ctx context.Context, key string, dir bool) (backend.EventChan, error) {
	w := &watcher{
		ctx:    ctx,
		ch:     make(backend.EventChan, backend.DefaultChanLen),
		key:    key,
		prefix: dir,
	}

	p.wmu.Lock()
	p.watchers[w] = struct{}{}
	p.wmu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-p.ctx.Done():
		}
		p.wmu.Lock()
		delete(p.watchers, w)
		p.wmu.Unlock()
	}()
	return w.ch, nil
}

// KeepAlive sets value and refreshes the ttl for the specified key until ctx is done.
func (p *Provider) KeepAlive(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := p.Set(ctx, key, value, ttl); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = p.Delete(context.Background(), key, false)
				return
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				if !p.touch(key, ttl) {
					_ = p.Set(ctx, key, value, ttl)
				}
			}
		}
	}()
	return nil
}

// Close stops background goroutines. Stored keys stay readable.
func (p *Provider) Close() error {
	p.cancel()
	return nil
}

func (p *Provider) touch(key string, ttl time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.kvs[key]
	if !ok || e.expired(p.clock()) {
		return false
	}
	e.expire = p.expiry(ttl)
	return true
}

func (p *Provider) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return p.clock().Add(ttl)
}

func (e *entry) expired(now time.Time) bool {
	return !e.expire.IsZero() && !now.Before(e.expire)
}

func (p *Provider) sweep() {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.expire()
		}
	}
}

func (p *Provider) expire() {
	var removed backend.KVPairs

	now := p.clock()
	p.mu.Lock()
	for k, e := range p.kvs {
		if e.expired(now) {
			delete(p.kvs, k)
			removed = append(removed, &backend.KVPair{Key: k, Value: e.value})
		}
	}
	p.mu.Unlock()

	for _, kv := range removed {
		p.notify(&backend.WatchEvent{Type: backend.Delete, KVPair: *kv})
	}
}

func (p *Provider) notify(evt *backend.WatchEvent) {
	p.wmu.RLock()
	targets := make([]*watcher, 0, len(p.watchers))
	for w := range p.watchers {
		if w.matches(evt.Key) {
			targets = append(targets, w)
		}
	}
	p.wmu.RUnlock()

	for _, w := range targets {
		select {
		case w.ch <- evt:
		case <-w.ctx.Done():
		case <-p.ctx.Done():
		}
	}
}
