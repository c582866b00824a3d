package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/eugenenazirov/grc/pkg/backend"
)

const componentPrefix = "COMPONENT_"

var (
	// ErrServiceNotExist indicates the display name is not in the registry.
	ErrServiceNotExist = errors.New("service not exist")
	// ErrInvalidKey indicates an empty or malformed config key.
	ErrInvalidKey = errors.New("config key must be a non-empty path without empty segments")
)

// Config is a config item of a service together with its dotted key.
type Config struct {
	backend.ConfigItem

	Key string `json:"key,omitempty"`
}

// SyncObserver is notified after every registry synchronisation.
type SyncObserver interface {
	ObserveSync(services int, err error)
}

// Storage is the view of the backend the dashboard API works with. Services
// are addressed by their display name.
type Storage interface {
	Sync(ctx context.Context) error
	Names() []string
	Keys(ctx context.Context, name string) ([]*Config, error)
	UpdateKey(ctx context.Context, name, key string, item backend.ConfigItem) error
	DeleteKey(ctx context.Context, name, key string) error
	DeleteService(ctx context.Context, name string) error
	Nodes(ctx context.Context, name string) ([]backend.ServiceNode, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSyncObserver reports every synchronisation to o.
func WithSyncObserver(o SyncObserver) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// Registry maps display names to backend service names and guards access
// with a RWMutex.
type Registry struct {
	provider backend.Provider
	basePath string
	logger   *zap.Logger
	observer SyncObserver

	mu       sync.RWMutex
	services map[string]string // display name -> backend service name

	jobMu sync.Mutex
	job   *syncJob
}

// NewRegistry creates an empty registry over provider rooted at basePath.
func NewRegistry(provider backend.Provider, basePath string, opts ...Option) *Registry {
	r := &Registry{
		provider: provider,
		basePath: basePath,
		logger:   zap.NewNop(),
		services: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DisplayName converts a backend service name into the name shown by the dashboard.
func DisplayName(service string) string {
	name := strings.ToLower(strings.TrimPrefix(service, componentPrefix))
	return cases.Title(language.Und).String(name)
}

// Sync rebuilds the registry from the services having config in the backend.
func (r *Registry) Sync(ctx context.Context) error {
	prefix := backend.ConfigPrefixKey(r.basePath)
	kvs, err := r.provider.Get(ctx, prefix, true)
	if err != nil {
		r.notify(0, err)
		return fmt.Errorf("list services: %w", err)
	}

	services := make(map[string]string)
	for _, kv := range kvs {
		service, _, _ := strings.Cut(strings.TrimPrefix(kv.Key, prefix), "/")
		if service == "" {
			continue
		}
		name := DisplayName(service)
		if name == "" {
			continue
		}
		if prev, ok := services[name]; ok && prev != service {
			r.logger.Warn("display name collision",
				zap.String("name", name),
				zap.String("kept", prev),
				zap.String("ignored", service),
			)
			continue
		}
		services[name] = service
	}

	r.mu.Lock()
	r.services = services
	r.mu.Unlock()

	r.notify(len(services), nil)
	return nil
}

// Names returns the sorted display names of the known services.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Keys returns the config items of a service sorted by key. Keys use "."
// between nesting levels.
func (r *Registry) Keys(ctx context.Context, name string) ([]*Config, error) {
	service, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	prefix := backend.ServiceConfigKey(r.basePath, service)
	kvs, err := r.provider.Get(ctx, prefix, true)
	if err != nil {
		return nil, fmt.Errorf("get config of %s: %w", service, err)
	}

	items := make([]*Config, 0, len(kvs))
	for _, kv := range kvs {
		item, err := backend.ParseConfigItem(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", kv.Key, err)
		}
		items = append(items, &Config{
			ConfigItem: *item,
			Key:        strings.ReplaceAll(strings.TrimPrefix(kv.Key, prefix), "/", "."),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})
	return items, nil
}

// UpdateKey stores item under key, a "/" separated field path.
func (r *Registry) UpdateKey(ctx context.Context, name, key string, item backend.ConfigItem) error {
	service, err := r.lookup(name)
	if err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	return r.provider.Set(ctx, backend.ServiceConfigKey(r.basePath, service)+key, item.String(), 0)
}

// DeleteKey removes a single config key of a service.
func (r *Registry) DeleteKey(ctx context.Context, name, key string) error {
	service, err := r.lookup(name)
	if err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	return r.provider.Delete(ctx, backend.ServiceConfigKey(r.basePath, service)+key, false)
}

// DeleteService removes every config key and the node ID counter of a service.
func (r *Registry) DeleteService(ctx context.Context, name string) error {
	service, err := r.lookup(name)
	if err != nil {
		return err
	}

	if err := r.provider.Delete(ctx, backend.ServiceConfigKey(r.basePath, service), true); err != nil {
		return fmt.Errorf("delete config of %s: %w", service, err)
	}
	if err := r.provider.Delete(ctx, backend.NodeIDKey(r.basePath, service), false); err != nil {
		return fmt.Errorf("delete node id of %s: %w", service, err)
	}

	r.mu.Lock()
	delete(r.services, name)
	r.mu.Unlock()
	return nil
}

// Nodes returns the live nodes of a service sorted by address.
func (r *Registry) Nodes(ctx context.Context, name string) ([]backend.ServiceNode, error) {
	service, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	kvs, err := r.provider.Get(ctx, backend.ServiceDiscoveryKey(r.basePath, service, ""), true)
	if err != nil {
		return nil, fmt.Errorf("get nodes of %s: %w", service, err)
	}

	nodes := make([]backend.ServiceNode, 0, len(kvs))
	for _, kv := range kvs {
		node, err := backend.ParseServiceNode(kv.Value)
		if err != nil {
			r.logger.Warn("invalid service node", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, *node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].NodeAddr < nodes[j].NodeAddr
	})
	return nodes, nil
}

func (r *Registry) lookup(name string) (string, error) {
	r.mu.RLock()
	service, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrServiceNotExist, name)
	}
	return service, nil
}

func (r *Registry) notify(services int, err error) {
	if r.observer != nil {
		r.observer.ObserveSync(services, err)
	}
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
