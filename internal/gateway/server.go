package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/controlplane"
	"github.com/agentwire/gateway/internal/listener"
	"github.com/agentwire/gateway/internal/logging"
	"github.com/agentwire/gateway/internal/observe"
	"github.com/agentwire/gateway/internal/policy"
	"github.com/agentwire/gateway/internal/snapshot"
)

const defaultMetricsAddr = ":9090"

// Server assembles the process: observability sinks, the gateway core,
// listeners, the static-file watcher and the control-plane client.
type Server struct {
	cfg        *config.Config
	configPath string

	gw      *Gateway
	manager *listener.Manager
	sink    observe.Sink
	tracer  *observe.Tracer
	redis   *redis.Client
	deps    snapshot.Deps

	metricsSrv *http.Server
	watcher    *config.Watcher
	cp         *controlplane.Client
}

// NewServer builds a server from configuration. configPath enables hot
// reload of the static file; empty disables it. The initial snapshot is
// built and applied here, so a server that constructs successfully is
// ready to serve.
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	tracer, err := observe.NewTracer(context.Background(), cfg.Observability.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	sink := observe.Multi{observe.LogSink{}}
	var prom *observe.PrometheusSink
	if cfg.Observability.Metrics.Enabled {
		prom = observe.NewPrometheusSink()
		sink = append(sink, prom)
	}

	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		manager:    listener.NewManager(),
		sink:       sink,
		tracer:     tracer,
		redis:      rdb,
		deps: snapshot.Deps{
			Policy: policy.Deps{Redis: rdb, Clock: clock.New(), Sink: sink},
		},
	}
	s.gw = New(Options{Sink: sink, Tracer: tracer})

	snap, err := snapshot.Build(cfg, s.deps)
	if err != nil {
		return nil, err
	}
	s.gw.Apply(snap)

	if err := s.initListeners(); err != nil {
		return nil, err
	}

	if prom != nil {
		addr := cfg.Observability.Metrics.Address
		if addr == "" {
			addr = defaultMetricsAddr
		}
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux := http.NewServeMux()
		mux.Handle(path, prom.Handler())
		s.metricsSrv = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	if configPath != "" {
		w, werr := config.NewWatcher(configPath)
		if werr != nil {
			logging.Warn("config watcher unavailable, static file reload disabled",
				zap.String("path", configPath), zap.Error(werr))
		} else {
			w.OnChange(func(c *config.Config) {
				if aerr := s.applyConfig(c); aerr != nil {
					logging.Error("config reload rejected", zap.Error(aerr))
				}
			})
			s.watcher = w
		}
	}

	if cfg.ControlPlane.Enabled {
		cp, cerr := controlplane.New(cfg.ControlPlane, controlplane.Hooks{
			Apply: s.applyConfig,
			ActiveVersion: func() string {
				if snap := s.gw.Current(); snap != nil {
					return snap.Version
				}
				return ""
			},
		})
		if cerr != nil {
			return nil, fmt.Errorf("control plane: %w", cerr)
		}
		s.cp = cp
	}

	return s, nil
}

// applyConfig validates cfg into a snapshot and makes it active. A
// document that fails validation is rejected whole and the active snapshot
// stays in place.
func (s *Server) applyConfig(cfg *config.Config) error {
	snap, err := snapshot.Build(cfg, s.deps)
	if err != nil {
		s.sink.Event(observe.Event{
			Type:    observe.EventSnapshotSwap,
			Version: cfg.Version,
			Detail:  "rejected",
		})
		return err
	}
	s.gw.Apply(snap)
	return nil
}

func (s *Server) initListeners() error {
	for _, lc := range s.cfg.Listeners {
		var l listener.Listener
		var err error
		switch lc.Protocol {
		case "http":
			l, err = listener.NewHTTPListener(lc, s.gw.Handler(lc))
		case "tcp":
			l, err = listener.NewTCPListener(lc, s.gw.Session(lc))
		default:
			err = fmt.Errorf("unknown protocol %q", lc.Protocol)
		}
		if err != nil {
			return fmt.Errorf("listener %s: %w", lc.ID, err)
		}
		if err := s.manager.Add(l); err != nil {
			return err
		}
	}
	return nil
}

// Start binds all listeners and starts the metrics server, file watcher
// and control-plane client.
func (s *Server) Start(ctx context.Context) error {
	if err := s.manager.StartAll(ctx); err != nil {
		return err
	}

	if s.metricsSrv != nil {
		go func() {
			logging.Info("metrics server listening", zap.String("address", s.metricsSrv.Addr))
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logging.Warn("config watcher failed to start", zap.Error(err))
		}
	}

	if s.cp != nil {
		if err := s.cp.Start(ctx); err != nil {
			return fmt.Errorf("control plane: %w", err)
		}
	}

	return nil
}

// Run starts the server and blocks until a termination signal. SIGHUP
// reloads listener TLS certificates from disk; config changes arrive via
// the file watcher and the control plane instead.
func (s *Server) Run() error {
	if err := s.Start(context.Background()); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			s.ReloadTLSCerts()
		default:
			logging.Info("shutting down", zap.String("signal", sig.String()))
			return s.Shutdown(s.cfg.Shutdown.DrainTimeout)
		}
	}
	return nil
}

// ReloadTLSCerts re-reads certificates on every TLS listener. Listeners
// without TLS are skipped; a listener whose files fail to load keeps its
// current certificate.
func (s *Server) ReloadTLSCerts() {
	for _, id := range s.manager.List() {
		l, ok := s.manager.Get(id)
		if !ok {
			continue
		}
		r, ok := l.(interface{ ReloadTLSCert() error })
		if !ok {
			continue
		}
		if err := r.ReloadTLSCert(); err != nil {
			logging.Warn("tls cert reload failed",
				zap.String("listener", id), zap.Error(err))
			continue
		}
		logging.Info("tls cert reloaded", zap.String("listener", id))
	}
}

// Shutdown drains the server: config sources stop first, listeners drain
// within the timeout, then pools and exporters tear down.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.cp != nil {
		s.cp.Stop()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}

	var g errgroup.Group
	g.Go(func() error { return s.manager.StopAll(ctx) })
	if s.metricsSrv != nil {
		srv := s.metricsSrv
		g.Go(func() error {
			if err := srv.Shutdown(ctx); err != nil {
				srv.Close()
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logging.Warn("listener shutdown", zap.Error(err))
	}

	s.gw.Close()

	if err := s.tracer.Close(ctx); err != nil {
		logging.Warn("tracer shutdown", zap.Error(err))
	}
	if s.redis != nil {
		s.redis.Close()
	}

	logging.Info("server shutdown complete")
	return nil
}

// Gateway returns the underlying gateway core.
func (s *Server) Gateway() *Gateway { return s.gw }

// Listeners returns the listener manager.
func (s *Server) Listeners() *listener.Manager { return s.manager }
