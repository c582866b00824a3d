// Package grc binds Go structs to keys of a remote key/value backend and keeps
// dynamic fields up to date as the backend changes. It also provides a small
// service discovery facility on the same backend.
package grc

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/eugenenazirov/grc/pkg/backend"
)

// RemoteConfig is a client of the remote configuration center.
type RemoteConfig struct {
	path         string
	autoCreation bool
	provider     backend.Provider
	logger       *zap.Logger
	err          error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	svc sync.Map // service name -> backend.ServiceNodes
}

// New creates a client, loads the current service table and starts watching it.
func New(opts ...Option) (*RemoteConfig, error) {
	rc := &RemoteConfig{
		path:   DefaultBasePath,
		ctx:    context.Background(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(rc)
	}
	if rc.err != nil {
		return nil, rc.err
	}
	if rc.provider == nil {
		return nil, ErrNoProvider
	}
	rc.ctx, rc.cancel = context.WithCancel(rc.ctx)

	if err := rc.startServiceWatch(); err != nil {
		rc.cancel()
		return nil, err
	}
	return rc, nil
}

// Provider returns the backend provider used by the client.
func (rc *RemoteConfig) Provider() backend.Provider {
	return rc.provider
}

// BasePath returns the key prefix of the client.
func (rc *RemoteConfig) BasePath() string {
	return rc.path
}

// Close stops every watch and node registration and closes the provider.
func (rc *RemoteConfig) Close() error {
	rc.cancel()
	rc.wg.Wait()
	return rc.provider.Close()
}

// RegisterConfig binds v, a non-nil pointer to a struct, to the config keys of
// service. Defaults from the `default` tag are applied first, then backend
// values. Dynamic fields keep following the backend afterwards.
func (rc *RemoteConfig) RegisterConfig(service string, v any) error {
	if rc.ctx.Err() != nil {
		return ErrClosed
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return &InvalidConfigError{Type: reflect.TypeOf(v)}
	}
	cfg, ok := configElem(rv)
	if !ok {
		return &InvalidConfigError{Type: rv.Type()}
	}

	items, err := parseConfig(cfg.Type(), "")
	if err != nil {
		return err
	}

	for key, item := range items {
		if err := rc.setField(cfg, key, item.Value, modeInit); err != nil {
			return fmt.Errorf("grc: default of %s.%s: %w", service, key, err)
		}
	}

	basePath := backend.ServiceConfigKey(rc.path, service)
	ctx, cancel := context.WithCancel(rc.ctx)
	evtChan, err := rc.provider.Watch(ctx, basePath, true)
	if err != nil {
		cancel()
		return fmt.Errorf("grc: watch config of %s: %w", service, err)
	}

	kvs, err := rc.provider.Get(ctx, basePath, true)
	if err != nil {
		cancel()
		return fmt.Errorf("grc: get config of %s: %w", service, err)
	}
	present := make(map[string]struct{}, len(kvs))
	for _, pair := range kvs {
		key := strings.TrimPrefix(pair.Key, basePath)
		present[key] = struct{}{}
		rc.applyPair(basePath, pair, cfg, modeInit)
	}

	// The watch must be drained before writing, our own writes come back on it.
	rc.wg.Add(1)
	go rc.watchConfigEvent(ctx, cancel, basePath, evtChan, cfg)

	if rc.autoCreation {
		for key, item := range items {
			if _, ok := present[key]; ok {
				continue
			}
			if err := rc.provider.Set(ctx, basePath+key, item.String(), 0); err != nil {
				cancel()
				return fmt.Errorf("grc: create %s%s: %w", basePath, key, err)
			}
		}
	}
	return nil
}

func (rc *RemoteConfig) watchConfigEvent(ctx context.Context, cancel context.CancelFunc, basePath string, ch backend.EventChan, cfg reflect.Value) {
	defer rc.wg.Done()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return

		case evt := <-ch:
			if evt.Type == backend.Delete {
				// Keep the last known value.
				continue
			}
			rc.applyPair(basePath, &evt.KVPair, cfg, modeUpdate)
		}
	}
}

func (rc *RemoteConfig) applyPair(basePath string, pair *backend.KVPair, cfg reflect.Value, mode applyMode) {
	item, err := backend.ParseConfigItem(pair.Value)
	if err != nil {
		rc.logger.Warn("grc: invalid config item", zap.String("key", pair.Key), zap.Error(err))
		return
	}
	key := strings.TrimPrefix(pair.Key, basePath)
	if err := rc.setField(cfg, key, item.Value, mode); err != nil {
		rc.logger.Warn("grc: config not updated",
			zap.String("key", pair.Key),
			zap.String("value", item.Value),
			zap.Error(err),
		)
	}
}

func (rc *RemoteConfig) setField(cfg reflect.Value, key, value string, mode applyMode) error {
	field, ok := resolveField(cfg, key, mode)
	if !ok {
		rc.logger.Debug("grc: config field not found", zap.String("key", key))
		return nil
	}
	updated, err := assign(value, field, false, mode)
	if err != nil {
		return err
	}
	if !updated {
		rc.logger.Debug("grc: static field ignores update", zap.String("key", key))
	}
	return nil
}
