// Package etcd implements backend.Provider on top of an etcd v3 cluster.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/eugenenazirov/grc/pkg/backend"
)

// ErrNoEndpoints is returned when the provider is created without endpoints.
var ErrNoEndpoints = errors.New("etcd: at least one endpoint is required")

const maxIncrAttempts = 16

// Provider talks to etcd through clientv3.
type Provider struct {
	client *clientv3.Client
	logger *zap.Logger
}

// Option configures Provider behaviour.
type Option func(*Provider)

// WithLogger sets the logger used by background watch and keepalive loops.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProvider dials the etcd cluster.
func NewProvider(endpoints []string, username, password string, opts ...Option) (*Provider, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:            endpoints,
		DialTimeout:          backend.DialTimeout,
		DialKeepAliveTime:    backend.KeepAliveTime,
		DialKeepAliveTimeout: backend.DialTimeout,
		Username:             username,
		Password:             password,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd: connect: %w", err)
	}

	p := &Provider{
		client: cli,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Type returns the provider type.
func (p *Provider) Type() string {
	return backend.Etcd
}

// Set value for the specified key with a specified ttl.
func (p *Provider) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var options []clientv3.OpOption
	if ttl > 0 {
		leaseCtx, cancel := context.WithTimeout(ctx, backend.WriteTimeout)
		lease, err := p.client.Grant(leaseCtx, ttlSeconds(ttl))
		cancel()
		if err != nil {
			return fmt.Errorf("etcd: grant lease: %w", err)
		}
		options = append(options, clientv3.WithLease(lease.ID))
	}

	putCtx, cancel := context.WithTimeout(ctx, backend.WriteTimeout)
	defer cancel()
	if _, err := p.client.Put(putCtx, key, value, options...); err != nil {
		return fmt.Errorf("etcd: put %s: %w", key, err)
	}
	return nil
}

// Get the value of the specified key or directory.
func (p *Provider) Get(ctx context.Context, key string, dir bool) (backend.KVPairs, error) {
	resp, err := p.get(ctx, key, dir)
	if err != nil {
		return nil, err
	}
	kvs := make(backend.KVPairs, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, &backend.KVPair{
			Key:   string(kv.Key),
			Value: string(kv.Value),
		})
	}
	return kvs, nil
}

// Incr invokes an atomic value increase for the specified key. The update is
// a compare-and-swap on the key's mod revision, retried on conflict.
func (p *Provider) Incr(ctx context.Context, key string) (int64, error) {
	for attempt := 0; attempt < maxIncrAttempts; attempt++ {
		resp, err := p.get(ctx, key, false)
		if err != nil {
			return 0, err
		}

		var (
			current  int64
			revision int64
		)
		if len(resp.Kvs) > 0 {
			current, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("etcd: key %s is not an integer: %w", key, err)
			}
			revision = resp.Kvs[0].ModRevision
		}
		next := current + 1

		txnCtx, cancel := context.WithTimeout(ctx, backend.WriteTimeout)
		txn, err := p.client.Txn(txnCtx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", revision)).
			Then(clientv3.OpPut(key, strconv.FormatInt(next, 10))).
			Commit()
		cancel()
		if err != nil {
			return 0, fmt.Errorf("etcd: incr %s: %w", key, err)
		}
		if txn.Succeeded {
			return next, nil
		}
	}
	return 0, fmt.Errorf("etcd: incr %s: too many concurrent updates", key)
}

// Delete the specified key or directory.
func (p *Provider) Delete(ctx context.Context, key string, dir bool) error {
	var options []clientv3.OpOption
	if dir {
		options = append(options, clientv3.WithPrefix())
	}

	delCtx, cancel := context.WithTimeout(ctx, backend.WriteTimeout)
	defer cancel()
	if _, err := p.client.Delete(delCtx, key, options...); err != nil {
		return fmt.Errorf("etcd: delete %s: %w", key, err)
	}
	return nil
}

// Watch for changes of the specified key or directory.
func (p *Provider) Watch(ctx context.Context, key string, dir bool) (backend.EventChan, error) {
	revision, err := p.sync(ctx, key, dir, nil)
	if err != nil {
		return nil, err
	}

	ch := make(backend.EventChan, backend.DefaultChanLen)
	go p.watch(ctx, key, dir, revision+1, ch)
	return ch, nil
}

// KeepAlive sets value and keeps its lease alive until ctx is done.
func (p *Provider) KeepAlive(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	ch, err := p.keepAlive(ctx, key, value, ttl)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				delCtx, cancel := context.WithTimeout(context.Background(), backend.WriteTimeout)
				if _, err := p.client.Delete(delCtx, key); err != nil {
					p.logger.Warn("etcd keepalive stopping, delete failed", zap.String("key", key), zap.Error(err))
				}
				cancel()
				return

			case resp, ok := <-ch:
				if ok && resp != nil {
					continue
				}
				// Lease channel closed: re-grant until it works or ctx ends.
				for {
					ch, err = p.keepAlive(ctx, key, value, ttl)
					if err == nil {
						break
					}
					p.logger.Warn("etcd keepalive retry", zap.String("key", key), zap.Error(err))
					select {
					case <-ctx.Done():
					case <-time.After(backend.RetryTimeout):
						continue
					}
					break
				}
			}
		}
	}()
	return nil
}

// Close the provider connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) get(ctx context.Context, key string, dir bool) (*clientv3.GetResponse, error) {
	var options []clientv3.OpOption
	if dir {
		options = append(options, clientv3.WithPrefix())
	}

	getCtx, cancel := context.WithTimeout(ctx, backend.ReadTimeout)
	defer cancel()
	resp, err := p.client.Get(getCtx, key, options...)
	if err != nil {
		return nil, fmt.Errorf("etcd: get %s: %w", key, err)
	}
	return resp, nil
}

// sync reads the current state and, when ch is set, replays it as reset events.
func (p *Provider) sync(ctx context.Context, key string, dir bool, ch backend.EventChan) (int64, error) {
	resp, err := p.get(ctx, key, dir)
	if err != nil {
		return 0, err
	}
	if ch != nil {
		for _, kv := range resp.Kvs {
			evt := &backend.WatchEvent{
				Type: backend.Reset,
				KVPair: backend.KVPair{
					Key:   string(kv.Key),
					Value: string(kv.Value),
				},
			}
			select {
			case ch <- evt:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}
	return resp.Header.Revision, nil
}

func (p *Provider) watch(ctx context.Context, key string, dir bool, revision int64, ch backend.EventChan) {
	for {
		options := []clientv3.OpOption{
			clientv3.WithRev(revision),
			clientv3.WithProgressNotify(),
		}
		if dir {
			options = append(options, clientv3.WithPrefix())
		}

		watchCtx, cancel := context.WithCancel(ctx)
		next, err := p.consume(watchCtx, p.client.Watch(watchCtx, key, options...), ch, revision)
		cancel()
		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, errCompacted):
			p.logger.Warn("etcd revision compacted, resyncing", zap.String("key", key))
			rev, syncErr := p.sync(ctx, key, dir, ch)
			if syncErr != nil {
				p.logger.Warn("etcd resync failed", zap.String("key", key), zap.Error(syncErr))
				sleep(ctx, backend.RetryTimeout)
				continue
			}
			revision = rev + 1
		case err != nil:
			p.logger.Warn("etcd watch error", zap.String("key", key), zap.Error(err))
			revision = next
			sleep(ctx, 5*backend.RetryTimeout)
		default:
			revision = next
		}
	}
}

var errCompacted = errors.New("etcd: watch revision compacted")

func (p *Provider) consume(ctx context.Context, wch clientv3.WatchChan, ch backend.EventChan, revision int64) (int64, error) {
	for {
		select {
		case <-ctx.Done():
			return revision, ctx.Err()

		case resp, ok := <-wch:
			if !ok {
				return revision, nil
			}
			if resp.CompactRevision > 0 {
				return revision, errCompacted
			}
			if err := resp.Err(); err != nil {
				return revision, err
			}
			if resp.IsProgressNotify() {
				if resp.Header.Revision > 0 {
					revision = resp.Header.Revision + 1
				}
				continue
			}

			for _, evt := range resp.Events {
				wEvent := &backend.WatchEvent{
					Type: backend.Put,
					KVPair: backend.KVPair{
						Key:   string(evt.Kv.Key),
						Value: string(evt.Kv.Value),
					},
				}
				if evt.Type == mvccpb.DELETE {
					wEvent.Type = backend.Delete
				}
				select {
				case ch <- wEvent:
				case <-ctx.Done():
					return revision, ctx.Err()
				}
				revision = evt.Kv.ModRevision + 1
			}
		}
	}
}

func (p *Provider) keepAlive(ctx context.Context, key, value string, ttl time.Duration) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	grantCtx, cancel := context.WithTimeout(ctx, backend.WriteTimeout)
	lease, err := p.client.Grant(grantCtx, ttlSeconds(ttl))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("etcd: grant lease: %w", err)
	}

	putCtx, cancel := context.WithTimeout(ctx, backend.WriteTimeout)
	_, err = p.client.Put(putCtx, key, value, clientv3.WithLease(lease.ID))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("etcd: put %s: %w", key, err)
	}

	ch, err := p.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return nil, fmt.Errorf("etcd: keepalive %s: %w", key, err)
	}
	return ch, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
