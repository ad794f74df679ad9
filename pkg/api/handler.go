// Package api serves the query layer over http. Each configured resource
// is a namespace whose values are fetched from an upstream URL and served
// with stale-while-revalidate semantics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/qcache/mlog"
	"github.com/pmkol/qcache/pkg/bus"
	"github.com/pmkol/qcache/pkg/cache"
	"github.com/pmkol/qcache/pkg/query"
)

// Publisher spreads invalidations to other instances. *bus.Bus is a
// Publisher.
type Publisher interface {
	PublishKey(ns, key string) error
	PublishNamespace(ns string) error
}

type HandlerOpts struct {
	// Store cannot be nil.
	Store *cache.Store

	Resources []ResourceConfig

	// Publisher is optional.
	Publisher Publisher

	// Logger is the *zap.Logger for this Handler.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// MetricsReg registers query and http metrics if not nil.
	MetricsReg prometheus.Registerer
}

func (opts *HandlerOpts) Init() error {
	if opts.Store == nil {
		return errors.New("nil store")
	}
	opts.Logger = mlog.OrNop(opts.Logger)
	return nil
}

type Handler struct {
	opts     HandlerOpts
	logger   *zap.Logger
	router   chi.Router
	upstream *upstream
	upgrader websocket.Upgrader
	metrics  *httpMetrics

	resources atomic.Pointer[map[string]*resource]

	runnersMu sync.Mutex
	runners   map[string]*query.Runner
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	h := &Handler{
		opts:     opts,
		logger:   opts.Logger,
		upstream: newUpstream(),
		runners:  make(map[string]*query.Runner),
		metrics:  newHTTPMetrics(),
	}
	if opts.MetricsReg != nil {
		if err := h.metrics.register(opts.MetricsReg); err != nil {
			return nil, fmt.Errorf("failed to register metrics, %w", err)
		}
	}
	if err := h.SetResources(opts.Resources); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(h.requestID, h.accessLog, middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/q/{namespace}/*", h.serveQuery)
	r.Get("/ws/{namespace}/*", h.serveWS)
	r.Post("/refresh/{namespace}/*", h.serveRefresh)
	r.Delete("/cache/{namespace}", h.serveInvalidateNamespace)
	r.Delete("/cache/{namespace}/*", h.serveInvalidateKey)
	r.Get("/stats", h.serveStats)
	h.router = r
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// SetResources replaces the served resources. Runners of namespaces that
// are kept are reused, so in-flight fetches are still shared.
func (h *Handler) SetResources(cfgs []ResourceConfig) error {
	m := make(map[string]*resource, len(cfgs))
	for i, cfg := range cfgs {
		res, err := compileResource(cfg)
		if err != nil {
			return fmt.Errorf("resource #%d: %w", i, err)
		}
		if _, dup := m[cfg.Namespace]; dup {
			return fmt.Errorf("resource #%d: duplicated namespace %s", i, cfg.Namespace)
		}
		m[cfg.Namespace] = res
	}

	h.runnersMu.Lock()
	defer h.runnersMu.Unlock()
	for ns := range m {
		if _, ok := h.runners[ns]; ok {
			continue
		}
		r, err := query.NewRunner(h.opts.Store, ns, query.RunnerOpts{
			Logger:     h.logger,
			MetricsReg: h.opts.MetricsReg,
		})
		if err != nil {
			return fmt.Errorf("failed to init runner of %s, %w", ns, err)
		}
		h.runners[ns] = r
	}
	h.resources.Store(&m)
	h.logger.Info("resources loaded", zap.Int("resources", len(m)))
	return nil
}

// Close closes idle upstream connections.
func (h *Handler) Close() error {
	h.upstream.close()
	return nil
}

// lookup writes 404 if the namespace of r is not served.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*resource, *query.Runner, string, bool) {
	ns := chi.URLParam(r, "namespace")
	key := chi.URLParam(r, "*")
	if len(key) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty key"))
		return nil, nil, "", false
	}
	res := (*h.resources.Load())[ns]
	if res == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown namespace %s", ns))
		return nil, nil, "", false
	}
	h.runnersMu.Lock()
	runner := h.runners[ns]
	h.runnersMu.Unlock()
	return res, runner, key, true
}

// prepare builds the query options and fetcher of key. It writes 400 on
// errors.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request, res *resource, key string) (query.Options, query.Fetcher[json.RawMessage], bool) {
	q := r.URL.Query()
	opts := res.opts
	enabled, err := res.enabled(key, q)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("enabled_if: %w", err))
		return opts, nil, false
	}
	opts.Disabled = !enabled
	if opts.Disabled {
		return opts, nil, true
	}

	rawURL, err := res.url(key, q)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("url template: %w", err))
		return opts, nil, false
	}
	return opts, h.upstream.fetcher(res, rawURL), true
}

func (h *Handler) serveQuery(w http.ResponseWriter, r *http.Request) {
	res, runner, key, ok := h.lookup(w, r)
	if !ok {
		return
	}
	opts, fetcher, ok := h.prepare(w, r, res, key)
	if !ok {
		return
	}

	v, snap, err := query.Get(r.Context(), runner, cacheKey(key, r.URL.Query()), fetcher, opts)
	h.writeResult(w, r, v, snap, err)
}

func (h *Handler) serveRefresh(w http.ResponseWriter, r *http.Request) {
	res, runner, key, ok := h.lookup(w, r)
	if !ok {
		return
	}
	opts, fetcher, ok := h.prepare(w, r, res, key)
	if !ok {
		return
	}

	// A stale hit must not start a revalidation of its own, the result of
	// the refresh is what we wait for.
	opts.StaleWhileRevalidate = false
	hd := query.Query(r.Context(), runner, cacheKey(key, r.URL.Query()), fetcher, opts)
	defer hd.Close()
	hd.Refresh()
	v, err := hd.WaitSettled(r.Context())
	h.writeResult(w, r, v, hd.Snapshot(), err)
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, v json.RawMessage, snap query.Snapshot[json.RawMessage], err error) {
	w.Header().Set("X-Cache", cacheStatus(snap))
	switch {
	case errors.Is(err, query.ErrDisabled):
		w.WriteHeader(http.StatusNoContent)
		return
	case r.Context().Err() != nil:
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
		return
	case err != nil:
		h.warnErr(r, err)
		writeError(w, http.StatusBadGateway, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(v)
}

type invalidateResult struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key,omitempty"`
	Removed   int    `json:"removed"`
}

func (h *Handler) serveInvalidateNamespace(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	n := h.opts.Store.InvalidateNamespace(ns)
	if p := h.opts.Publisher; p != nil {
		if err := p.PublishNamespace(ns); err != nil {
			h.warnErr(r, fmt.Errorf("publish invalidation: %w", err))
		}
	}
	writeJSON(w, http.StatusOK, invalidateResult{Namespace: ns, Removed: n})
}

func (h *Handler) serveInvalidateKey(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	key := cacheKey(chi.URLParam(r, "*"), r.URL.Query())
	n := 0
	if h.opts.Store.Invalidate(ns, key) {
		n = 1
	}
	if p := h.opts.Publisher; p != nil {
		if err := p.PublishKey(ns, key); err != nil {
			h.warnErr(r, fmt.Errorf("publish invalidation: %w", err))
		}
	}
	writeJSON(w, http.StatusOK, invalidateResult{Namespace: ns, Key: key, Removed: n})
}

type statsResult struct {
	Store      cache.Stats            `json:"store"`
	Namespaces map[string]query.Stats `json:"namespaces"`
	Bus        *bus.Stats             `json:"bus,omitempty"`
}

// busStats is implemented by a Publisher that also receives invalidations.
type busStats interface {
	Stats() bus.Stats
}

func (h *Handler) serveStats(w http.ResponseWriter, _ *http.Request) {
	out := statsResult{
		Store:      h.opts.Store.Stats(),
		Namespaces: make(map[string]query.Stats),
	}
	h.runnersMu.Lock()
	for ns, r := range h.runners {
		out.Namespaces[ns] = r.Stats()
	}
	h.runnersMu.Unlock()
	if b, ok := h.opts.Publisher.(busStats); ok {
		st := b.Stats()
		out.Bus = &st
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) warnErr(r *http.Request, err error) {
	h.logger.Warn(err.Error(), zap.String("request_id", RequestID(r.Context())), zap.String("from", r.RemoteAddr), zap.String("method", r.Method), zap.String("url", r.RequestURI))
}

// cacheStatus is the X-Cache header value.
func cacheStatus[T any](s query.Snapshot[T]) string {
	switch {
	case s.Status == query.StatusIdle:
		return "idle"
	case s.Freshness == cache.Fresh:
		return "hit"
	case s.Freshness == cache.Stale:
		return "stale"
	default:
		return "miss"
	}
}

type errorResult struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResult{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
