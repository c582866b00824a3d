package grc

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/grc/pkg/backend"
)

// DefaultNodeTTL is the lease of a registered node when WithNodeTTL is not given.
const DefaultNodeTTL = 10 * time.Second

// RegisterNode advertises addr as a node of service until the client is closed.
func (rc *RemoteConfig) RegisterNode(service, addr string, opts ...NodeOption) error {
	if rc.ctx.Err() != nil {
		return ErrClosed
	}
	o := nodeOptions{
		ttl:    DefaultNodeTTL,
		weight: backend.DefaultTrafficWeight,
	}
	for _, opt := range opts {
		opt(&o)
	}

	node := backend.ServiceNode{
		Service:  service,
		NodeAddr: addr,
		Weight:   o.weight,
	}
	key := backend.ServiceDiscoveryKey(rc.path, service, addr)
	if err := rc.provider.KeepAlive(rc.ctx, key, node.String(), o.ttl); err != nil {
		return fmt.Errorf("grc: register node %s of %s: %w", addr, service, err)
	}
	return nil
}

// GetService returns a copy of the live nodes of service, keyed by address.
func (rc *RemoteConfig) GetService(service string) backend.ServiceNodes {
	v, ok := rc.svc.Load(service)
	if !ok {
		return backend.ServiceNodes{}
	}
	nodes := v.(backend.ServiceNodes)
	out := make(backend.ServiceNodes, len(nodes))
	for addr, weight := range nodes {
		out[addr] = weight
	}
	return out
}

// Services returns the sorted names of services with at least one live node.
func (rc *RemoteConfig) Services() []string {
	var names []string
	rc.svc.Range(func(name, _ any) bool {
		names = append(names, name.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// AllocateNodeID returns a cluster-wide unique, increasing ID for a node of service.
func (rc *RemoteConfig) AllocateNodeID(service string) (int64, error) {
	id, err := rc.provider.Incr(rc.ctx, backend.NodeIDKey(rc.path, service))
	if err != nil {
		return 0, fmt.Errorf("grc: allocate node id of %s: %w", service, err)
	}
	return id, nil
}

func (rc *RemoteConfig) startServiceWatch() error {
	basePath := backend.ServiceDiscoveryPrefixKey(rc.path)
	evtChan, err := rc.provider.Watch(rc.ctx, basePath, true)
	if err != nil {
		return fmt.Errorf("grc: watch services: %w", err)
	}
	if err := rc.loadServices(basePath); err != nil {
		return err
	}

	rc.wg.Add(1)
	go rc.watchServiceEvent(evtChan)
	return nil
}

func (rc *RemoteConfig) loadServices(basePath string) error {
	kvs, err := rc.provider.Get(rc.ctx, basePath, true)
	if err != nil {
		return fmt.Errorf("grc: get services: %w", err)
	}

	services := make(map[string]backend.ServiceNodes)
	for _, kv := range kvs {
		node, err := backend.ParseServiceNode(kv.Value)
		if err != nil {
			rc.logger.Warn("grc: invalid service node", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		name := backend.ServiceFromDiscoveryKey(rc.path, kv.Key)
		if services[name] == nil {
			services[name] = backend.ServiceNodes{}
		}
		services[name][node.NodeAddr] = node.Weight
	}
	for name, nodes := range services {
		rc.svc.Store(name, nodes)
	}
	return nil
}

func (rc *RemoteConfig) updateService(service string) error {
	kvs, err := rc.provider.Get(rc.ctx, backend.ServiceDiscoveryKey(rc.path, service, ""), true)
	if err != nil {
		return err
	}
	nodes := make(backend.ServiceNodes, len(kvs))
	for _, kv := range kvs {
		node, err := backend.ParseServiceNode(kv.Value)
		if err != nil {
			rc.logger.Warn("grc: invalid service node", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		nodes[node.NodeAddr] = node.Weight
	}
	if len(nodes) == 0 {
		rc.svc.Delete(service)
		return nil
	}
	rc.svc.Store(service, nodes)
	return nil
}

func (rc *RemoteConfig) watchServiceEvent(ch backend.EventChan) {
	defer rc.wg.Done()

	for {
		select {
		case <-rc.ctx.Done():
			return

		case evt := <-ch:
			service := backend.ServiceFromDiscoveryKey(rc.path, evt.Key)
			if err := rc.updateService(service); err != nil {
				rc.logger.Warn("grc: update service failed", zap.String("service", service), zap.Error(err))
			}
		}
	}
}
