package storage

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/grc/pkg/backend"
	"github.com/eugenenazirov/grc/pkg/backend/memory"
)

const basePath = "/test"

type recordingObserver struct {
	mu    sync.Mutex
	calls []int
	errs  int
}

func (o *recordingObserver) ObserveSync(services int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.errs++
		return
	}
	o.calls = append(o.calls, services)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func seed(t *testing.T, p backend.Provider, service, key, value string) {
	t.Helper()
	item := backend.ConfigItem{Type: "string", HintType: "string", Value: value}
	if err := p.Set(context.Background(), backend.ServiceConfigKey(basePath, service)+key, item.String(), 0); err != nil {
		t.Fatalf("seed %s/%s: %v", service, key, err)
	}
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *memory.Provider) {
	t.Helper()
	provider := memory.NewProvider()
	t.Cleanup(func() { _ = provider.Close() })

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return NewRegistry(provider, basePath, opts...), provider
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"COMPONENT_ORDER": "Order",
		"payment":         "Payment",
		"USER":            "User",
		"COMPONENT_":      "",
	}
	for in, want := range cases {
		if got := DisplayName(in); got != want {
			t.Fatalf("DisplayName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSyncBuildsRegistry(t *testing.T) {
	t.Parallel()

	observer := &recordingObserver{}
	reg, provider := newTestRegistry(t, WithSyncObserver(observer))
	seed(t, provider, "COMPONENT_ORDER", "Limit", "10")
	seed(t, provider, "COMPONENT_ORDER", "Group/Name", "x")
	seed(t, provider, "payment", "Currency", "EUR")

	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, want := reg.Names(), []string{"Order", "Payment"}; !slices.Equal(got, want) {
		t.Fatalf("expected names %v, got %v", want, got)
	}
	if observer.count() != 1 || observer.calls[0] != 2 {
		t.Fatalf("expected one observed sync of 2 services, got %v", observer.calls)
	}

	// Services removed from the backend disappear on the next sync.
	if err := provider.Delete(context.Background(), backend.ServiceConfigKey(basePath, "payment"), true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := reg.Names(); !slices.Equal(got, []string{"Order"}) {
		t.Fatalf("expected only Order, got %v", got)
	}
}

func TestKeysUseDottedPaths(t *testing.T) {
	t.Parallel()

	reg, provider := newTestRegistry(t)
	seed(t, provider, "COMPONENT_ORDER", "Limit", "10")
	seed(t, provider, "COMPONENT_ORDER", "Group/Name", "x")
	if err := reg.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	items, err := reg.Keys(context.Background(), "Order")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Key != "Group.Name" || items[0].Value != "x" {
		t.Fatalf("unexpected first item: %+v", items[0])
	}
	if items[1].Key != "Limit" || items[1].Value != "10" {
		t.Fatalf("unexpected second item: %+v", items[1])
	}
}

func TestUnknownServiceIsRejected(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Keys(ctx, "Missing"); !errors.Is(err, ErrServiceNotExist) {
		t.Fatalf("expected ErrServiceNotExist, got %v", err)
	}
	if err := reg.UpdateKey(ctx, "Missing", "A", backend.ConfigItem{}); !errors.Is(err, ErrServiceNotExist) {
		t.Fatalf("expected ErrServiceNotExist, got %v", err)
	}
	if err := reg.DeleteKey(ctx, "Missing", "A"); !errors.Is(err, ErrServiceNotExist) {
		t.Fatalf("expected ErrServiceNotExist, got %v", err)
	}
	if err := reg.DeleteService(ctx, "Missing"); !errors.Is(err, ErrServiceNotExist) {
		t.Fatalf("expected ErrServiceNotExist, got %v", err)
	}
	if _, err := reg.Nodes(ctx, "Missing"); !errors.Is(err, ErrServiceNotExist) {
		t.Fatalf("expected ErrServiceNotExist, got %v", err)
	}
}

func TestUpdateAndDeleteKey(t *testing.T) {
	t.Parallel()

	reg, provider := newTestRegistry(t)
	seed(t, provider, "COMPONENT_ORDER", "Limit", "10")
	ctx := context.Background()
	if err := reg.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	item := backend.ConfigItem{Type: "grc.Int", HintType: "int", Value: "20"}
	if err := reg.UpdateKey(ctx, "Order", "Limit", item); err != nil {
		t.Fatalf("update: %v", err)
	}
	kvs, err := provider.Get(ctx, backend.ServiceConfigKey(basePath, "COMPONENT_ORDER")+"Limit", false)
	if err != nil || len(kvs) != 1 {
		t.Fatalf("expected stored key, got %v %v", kvs, err)
	}
	stored, err := backend.ParseConfigItem(kvs[0].Value)
	if err != nil || stored.Value != "20" || stored.HintType != "int" {
		t.Fatalf("unexpected stored item %+v %v", stored, err)
	}

	for _, bad := range []string{"", "A//B", "/A"} {
		if err := reg.UpdateKey(ctx, "Order", bad, item); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey for %q, got %v", bad, err)
		}
	}

	if err := reg.DeleteKey(ctx, "Order", "Limit"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	items, err := reg.Keys(ctx, "Order")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items, got %v", items)
	}
}

func TestDeleteServiceRemovesConfigAndNodeID(t *testing.T) {
	t.Parallel()

	reg, provider := newTestRegistry(t)
	ctx := context.Background()
	seed(t, provider, "COMPONENT_ORDER", "Limit", "10")
	seed(t, provider, "payment", "Currency", "EUR")
	if _, err := provider.Incr(ctx, backend.NodeIDKey(basePath, "COMPONENT_ORDER")); err != nil {
		t.Fatalf("incr: %v", err)
	}
	if err := reg.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if err := reg.DeleteService(ctx, "Order"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := reg.Names(); !slices.Equal(got, []string{"Payment"}) {
		t.Fatalf("expected only Payment, got %v", got)
	}
	kvs, _ := provider.Get(ctx, backend.ServiceConfigKey(basePath, "COMPONENT_ORDER"), true)
	if len(kvs) != 0 {
		t.Fatalf("expected config to be removed, got %v", kvs)
	}
	kvs, _ = provider.Get(ctx, backend.NodeIDKey(basePath, "COMPONENT_ORDER"), false)
	if len(kvs) != 0 {
		t.Fatalf("expected node id to be removed, got %v", kvs)
	}
	kvs, _ = provider.Get(ctx, backend.ServiceConfigKey(basePath, "payment"), true)
	if len(kvs) != 1 {
		t.Fatalf("expected other services to be kept, got %v", kvs)
	}
}

func TestNodes(t *testing.T) {
	t.Parallel()

	reg, provider := newTestRegistry(t)
	ctx := context.Background()
	seed(t, provider, "COMPONENT_ORDER", "Limit", "10")
	for _, node := range []backend.ServiceNode{
		{Service: "COMPONENT_ORDER", NodeAddr: "10.0.0.2:80", Weight: 2},
		{Service: "COMPONENT_ORDER", NodeAddr: "10.0.0.1:80"},
	} {
		key := backend.ServiceDiscoveryKey(basePath, node.Service, node.NodeAddr)
		if err := provider.Set(ctx, key, node.String(), 0); err != nil {
			t.Fatalf("set node: %v", err)
		}
	}
	if err := provider.Set(ctx, backend.ServiceDiscoveryKey(basePath, "COMPONENT_ORDER", "broken"), "{", 0); err != nil {
		t.Fatalf("set node: %v", err)
	}
	if err := reg.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	nodes, err := reg.Nodes(ctx, "Order")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %v", nodes)
	}
	if nodes[0].NodeAddr != "10.0.0.1:80" || nodes[0].Weight != backend.DefaultTrafficWeight {
		t.Fatalf("unexpected first node: %+v", nodes[0])
	}
	if nodes[1].Weight != 2 {
		t.Fatalf("unexpected second node: %+v", nodes[1])
	}
}

func TestPeriodicSync(t *testing.T) {
	observer := &recordingObserver{}
	reg, provider := newTestRegistry(t, WithSyncObserver(observer))
	seed(t, provider, "COMPONENT_ORDER", "Limit", "10")

	if err := reg.StartSync(20 * time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reg.StartSync(time.Second); !errors.Is(err, ErrSyncRunning) {
		t.Fatalf("expected ErrSyncRunning, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for observer.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated syncs, got %d", observer.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := reg.Names(); !slices.Equal(got, []string{"Order"}) {
		t.Fatalf("expected Order, got %v", got)
	}

	if err := reg.StopSync(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := reg.StopSync(); err != nil {
		t.Fatalf("second stop must be a no-op: %v", err)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg, provider := newTestRegistry(t)
	seed(t, provider, "COMPONENT_ORDER", "Limit", "10")
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(2)

		go func() {
			defer wg.Done()
			if err := reg.Sync(context.Background()); err != nil {
				t.Errorf("Sync failed: %v", err)
			}
		}()

		go func() {
			defer wg.Done()
			_ = reg.Names()
		}()
	}

	wg.Wait()

	if got := reg.Names(); !slices.Equal(got, []string{"Order"}) {
		t.Fatalf("expected Order, got %v", got)
	}
}
