package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/pmkol/qcache/mlog"
	"github.com/pmkol/qcache/pkg/api"
	"github.com/pmkol/qcache/pkg/bus"
	"github.com/pmkol/qcache/pkg/cache"
	"github.com/pmkol/qcache/pkg/safe_close"
	"github.com/pmkol/qcache/pkg/utils"
)

const (
	defaultReadHeaderTimeout = 3 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultMaxHeaderBytes    = 8192
	shutdownTimeout          = 5 * time.Second
	loadTimeout              = 30 * time.Second
)

type Qcache struct {
	logger *zap.Logger

	store   *cache.Store
	handler *api.Handler
	bus     *bus.Bus

	httpAPIMux *http.ServeMux

	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// RunQcache runs the server of cfg until stop is closed, the process is
// interrupted or a component fails. cfgFile is watched for resource
// changes if not empty.
func RunQcache(cfg *Config, cfgFile string, stop <-chan struct{}) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	m, err := newQcache(cfg, lg)
	if err != nil {
		m.sc.CloseWait()
		return err
	}

	m.sc.Attach(func(ctx context.Context) error {
		sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer cancel()
		select {
		case <-sigCtx.Done():
			if ctx.Err() == nil {
				m.logger.Info("signal received, exiting")
				m.sc.SendCloseSignal(nil)
			}
		case <-stop:
			m.sc.SendCloseSignal(nil)
		}
		return nil
	})

	if len(cfgFile) > 0 {
		w, err := newConfigWatcher(cfgFile, m.reloadResources, m.logger)
		if err != nil {
			m.logger.Warn("config hot reload is disabled", zap.Error(err))
		} else {
			m.sc.Attach(w.run)
		}
	}

	if err := m.startAPIServer(&cfg.API); err != nil {
		m.sc.SendCloseSignal(err)
	}

	<-m.sc.ReceiveCloseSignal()
	return m.sc.CloseWait()
}

func newQcache(cfg *Config, lg *zap.Logger) (*Qcache, error) {
	m := &Qcache{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	m.sc.OnClose(func() { _ = lg.Sync() })

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	backend, err := newBackend(ctx, &cfg.Cache.Backend, lg)
	if err != nil {
		return m, fmt.Errorf("failed to init cache backend, %w", err)
	}
	store, err := cache.New(cache.Options{
		MaxEntries:      cfg.Cache.MaxEntries,
		StaleWindow:     cfg.Cache.staleWindow(),
		CleanerInterval: cfg.Cache.cleanerInterval(),
		Backend:         backend,
		KeyPrefix:       cfg.Cache.KeyPrefix,
		PersistQueue:    cfg.Cache.PersistQueue,
		PersistTimeout:  cfg.Cache.Backend.timeout(),
		Compress:        cfg.Cache.Compress,
		Logger:          lg.Named("cache"),
		MetricsReg:      m.GetMetricsReg(),
	})
	if err != nil {
		if backend != nil {
			backend.Close()
		}
		return m, fmt.Errorf("failed to init cache store, %w", err)
	}
	m.store = store
	m.sc.OnClose(func() {
		if err := store.Close(); err != nil {
			lg.Warn("failed to close cache store", zap.Error(err))
		}
	})

	if backend != nil {
		n, err := store.Load(ctx)
		if err != nil {
			lg.Warn("failed to load persisted entries", zap.Error(err))
		} else {
			lg.Info("persisted entries loaded", zap.Int("entries", n))
		}
	}

	var publisher api.Publisher
	if len(cfg.Bus.NATS) > 0 {
		b, err := bus.Connect(bus.Opts{
			URL:     cfg.Bus.NATS,
			Subject: cfg.Bus.Subject,
			Name:    cfg.Bus.Name,
			Target:  store,
			Logger:  lg.Named("bus"),
		})
		if err != nil {
			return m, fmt.Errorf("failed to init invalidation bus, %w", err)
		}
		m.bus = b
		publisher = b
		m.sc.OnClose(func() {
			if err := b.Close(); err != nil {
				lg.Warn("failed to close invalidation bus", zap.Error(err))
			}
		})
	}

	h, err := api.NewHandler(api.HandlerOpts{
		Store:      store,
		Resources:  cfg.Resources,
		Publisher:  publisher,
		Logger:     lg.Named("api"),
		MetricsReg: m.GetMetricsReg(),
	})
	if err != nil {
		return m, fmt.Errorf("failed to init api handler, %w", err)
	}
	m.handler = h
	m.sc.OnClose(func() { _ = h.Close() })
	m.httpAPIMux.Handle("/", h)
	return m, nil
}

func (m *Qcache) startAPIServer(cfg *APIConfig) error {
	l, err := net.Listen("tcp", cfg.HTTP)
	if err != nil {
		return fmt.Errorf("failed to listen on %s, %w", cfg.HTTP, err)
	}
	if cfg.ProxyProtocol {
		l = &proxyproto.Listener{Listener: l, ReadHeaderTimeout: defaultReadHeaderTimeout}
	}

	var handler http.Handler = m.httpAPIMux
	if cfg.H2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	hs := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       utils.SecondsOr(cfg.IdleTimeout, defaultIdleTimeout),
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}

	m.sc.Attach(func(ctx context.Context) error {
		errChan := make(chan error, 1)
		go func() {
			m.logger.Info("starting api http server", zap.Stringer("addr", l.Addr()))
			errChan <- hs.Serve(l)
		}()
		select {
		case err := <-errChan:
			return err
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := hs.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				m.logger.Warn("api http server shutdown", zap.Error(err))
			}
			return nil
		}
	})
	return nil
}

// reloadResources is called by the config watcher. Errors keep the
// resources that are being served.
func (m *Qcache) reloadResources(cfgFile string) error {
	cfg, _, err := loadFullConfig(cfgFile)
	if err != nil {
		return err
	}
	return m.handler.SetResources(cfg.Resources)
}

func (m *Qcache) GetSafeClose() *safe_close.SafeClose {
	return m.sc
}

func (m *Qcache) GetStore() *cache.Store {
	return m.store
}

func (m *Qcache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("qcache_", m.metricsReg)
}

func (m *Qcache) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
