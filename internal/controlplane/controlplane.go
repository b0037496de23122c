// Package controlplane subscribes the gateway to its dynamic
// configuration source. A control plane writes full versioned config
// documents to an etcd key per cluster; each instance watches that key,
// validates and applies documents whole, and acknowledges every delivery
// under its own ack key so the control plane can track rollout per
// instance. An invalid document is rejected without touching the active
// snapshot, and a broken watch reconnects with backoff while the gateway
// keeps serving.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/logging"
)

const defaultDialTimeout = 5 * time.Second

// Hooks connect the client to the gateway core without importing it.
type Hooks struct {
	// Apply validates and activates a decoded document. A returned error
	// means the document was rejected and the active snapshot is
	// unchanged; its message becomes the ack reason.
	Apply func(cfg *config.Config) error
	// ActiveVersion returns the version currently serving traffic.
	ActiveVersion func() string
}

// Ack is the acknowledgement record written after each delivery.
type Ack struct {
	Version  string    `json:"version"`
	Revision int64     `json:"revision"`
	Status   string    `json:"status"` // applied | rejected
	Reason   string    `json:"reason,omitempty"`
	Instance string    `json:"instance"`
	Time     time.Time `json:"time"`
}

// Client watches the config key and applies document updates.
type Client struct {
	client   *clientv3.Client
	loader   *config.Loader
	hooks    Hooks
	watchKey string
	ackKey   string
	instance string
	timeout  time.Duration

	// put writes one ack record; swapped out in tests.
	put func(ctx context.Context, key, val string) error

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a client from configuration. It does not touch the network;
// connectivity problems surface in the watch loop, which retries.
func New(cc config.ControlPlaneConfig, hooks Hooks) (*Client, error) {
	if hooks.Apply == nil || hooks.ActiveVersion == nil {
		return nil, fmt.Errorf("controlplane: hooks are required")
	}
	if len(cc.Endpoints) == 0 {
		return nil, fmt.Errorf("controlplane: at least one endpoint is required")
	}

	timeout := cc.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	ecfg := clientv3.Config{
		Endpoints:   cc.Endpoints,
		DialTimeout: timeout,
	}
	if cc.Username != "" {
		ecfg.Username = cc.Username
		ecfg.Password = cc.Password
	}
	if cc.TLS.Enabled {
		tlsCfg, err := clientTLS(cc.TLS)
		if err != nil {
			return nil, fmt.Errorf("controlplane: %w", err)
		}
		ecfg.TLS = tlsCfg
	}

	cli, err := clientv3.New(ecfg)
	if err != nil {
		return nil, fmt.Errorf("controlplane: create etcd client: %w", err)
	}

	cluster := cc.Cluster
	if cluster == "" {
		cluster = "default"
	}
	instance := cc.InstanceID
	if instance == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "agentwire"
		}
		instance = host
	}

	c := &Client{
		client:   cli,
		loader:   config.NewLoader(),
		hooks:    hooks,
		watchKey: strings.TrimSuffix(cc.KeyPrefix, "/") + "/" + cluster,
		ackKey:   strings.TrimSuffix(cc.AckPrefix, "/") + "/" + cluster + "/" + instance,
		instance: instance,
		timeout:  timeout,
	}
	c.put = func(ctx context.Context, key, val string) error {
		_, err := cli.Put(ctx, key, val)
		return err
	}
	return c, nil
}

// Start launches the watch loop. It returns immediately; an unreachable
// control plane is retried in the background while the active snapshot
// keeps serving.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
	logging.Info("control plane client started",
		zap.String("watch_key", c.watchKey),
		zap.String("instance", c.instance))
	return nil
}

// Stop ends the watch loop and closes the etcd client.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.client.Close()
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		rev, err := c.sync(ctx)
		if err == nil {
			bo.Reset()
			err = c.watch(ctx, rev+1)
		}
		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		logging.Warn("control plane connection lost, retrying",
			zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// sync fetches the current document, applies it, and returns the store
// revision to resume watching from. Several keys under the cluster prefix
// resolve to the newest write.
func (c *Client) sync(ctx context.Context) (int64, error) {
	gctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Get(gctx, c.watchKey, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	if len(resp.Kvs) > 0 {
		kv := resp.Kvs[0]
		for _, other := range resp.Kvs[1:] {
			if other.ModRevision > kv.ModRevision {
				kv = other
			}
		}
		c.handle(ctx, kv.Value, kv.ModRevision)
	}
	return resp.Header.Revision, nil
}

// watch consumes document updates from fromRev until the stream breaks.
func (c *Client) watch(ctx context.Context, fromRev int64) error {
	wch := c.client.Watch(ctx, c.watchKey,
		clientv3.WithPrefix(), clientv3.WithRev(fromRev))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return err
		}
		for _, ev := range resp.Events {
			// Deletions carry no document; the active snapshot stays.
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			c.handle(ctx, ev.Kv.Value, ev.Kv.ModRevision)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("watch channel closed")
}

// handle processes one delivered document and acknowledges it. Redelivery
// of the version already serving acks applied without another swap.
func (c *Client) handle(ctx context.Context, data []byte, rev int64) {
	cfg, err := c.loader.Parse(data)
	if err != nil {
		logging.Error("control plane document undecodable",
			zap.Int64("revision", rev), zap.Error(err))
		c.ack(ctx, Ack{
			Revision: rev,
			Status:   "rejected",
			Reason:   err.Error(),
		})
		return
	}
	if cfg.Version == "" {
		c.ack(ctx, Ack{
			Revision: rev,
			Status:   "rejected",
			Reason:   "document has no version",
		})
		return
	}

	if cfg.Version == c.hooks.ActiveVersion() {
		c.ack(ctx, Ack{Version: cfg.Version, Revision: rev, Status: "applied"})
		return
	}

	if err := c.hooks.Apply(cfg); err != nil {
		logging.Error("control plane document rejected",
			zap.String("version", cfg.Version),
			zap.Int64("revision", rev),
			zap.Error(err))
		c.ack(ctx, Ack{
			Version:  cfg.Version,
			Revision: rev,
			Status:   "rejected",
			Reason:   err.Error(),
		})
		return
	}

	logging.Info("control plane version applied",
		zap.String("version", cfg.Version), zap.Int64("revision", rev))
	c.ack(ctx, Ack{Version: cfg.Version, Revision: rev, Status: "applied"})
}

func (c *Client) ack(ctx context.Context, a Ack) {
	a.Instance = c.instance
	a.Time = time.Now().UTC()
	data, err := json.Marshal(a)
	if err != nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.put(pctx, c.ackKey, string(data)); err != nil {
		logging.Warn("control plane ack failed",
			zap.String("version", a.Version),
			zap.String("status", a.Status),
			zap.Error(err))
	}
}
