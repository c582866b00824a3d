package grc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/grc/pkg/backend"
	"github.com/eugenenazirov/grc/pkg/backend/etcd"
	"github.com/eugenenazirov/grc/pkg/backend/memory"
)

// DefaultBasePath is the key prefix used when WithBasePath is not given.
const DefaultBasePath = "/grc"

// Option configures a RemoteConfig.
type Option func(*RemoteConfig)

// WithContext sets the parent context. Watches and node registrations end with it.
func WithContext(ctx context.Context) Option {
	return func(rc *RemoteConfig) {
		rc.ctx = ctx
	}
}

// WithConfigAutoCreation writes default items for keys missing in the backend.
func WithConfigAutoCreation() Option {
	return func(rc *RemoteConfig) {
		rc.autoCreation = true
	}
}

// WithBasePath sets the key prefix shared with the dashboard.
func WithBasePath(path string) Option {
	return func(rc *RemoteConfig) {
		rc.path = path
	}
}

// WithLogger sets the logger for background errors.
func WithLogger(logger *zap.Logger) Option {
	return func(rc *RemoteConfig) {
		if logger != nil {
			rc.logger = logger
		}
	}
}

// WithProvider uses an existing backend provider.
func WithProvider(provider backend.Provider) Option {
	return func(rc *RemoteConfig) {
		rc.provider = provider
	}
}

// WithMemoryProvider uses a fresh in-memory provider, for tests and debugging.
func WithMemoryProvider() Option {
	return func(rc *RemoteConfig) {
		rc.provider = memory.NewProvider()
	}
}

// WithEtcdProvider connects to an etcd cluster.
func WithEtcdProvider(endpoints []string, username, password string) Option {
	return func(rc *RemoteConfig) {
		provider, err := etcd.NewProvider(endpoints, username, password, etcd.WithLogger(rc.logger))
		if err != nil {
			rc.err = err
			return
		}
		rc.provider = provider
	}
}

// NodeOption configures a node registration.
type NodeOption func(*nodeOptions)

type nodeOptions struct {
	ttl    time.Duration
	weight int
}

// WithNodeTTL sets the lease of the node key. The minimum is one second.
func WithNodeTTL(ttl time.Duration) NodeOption {
	return func(o *nodeOptions) {
		o.ttl = max(ttl, time.Second)
	}
}

// WithNodeWeight sets the traffic weight advertised for the node.
func WithNodeWeight(weight int) NodeOption {
	return func(o *nodeOptions) {
		if weight > 0 {
			o.weight = weight
		}
	}
}
