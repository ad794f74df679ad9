package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/qcache/pkg/bus"
	"github.com/pmkol/qcache/pkg/cache"
	"github.com/pmkol/qcache/pkg/cache/cachetest"
)

// origin is an upstream server. Every response carries the number of
// requests it has served.
type origin struct {
	*httptest.Server
	hits   atomic.Int32
	status atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	o := &origin{}
	o.status.Store(http.StatusOK)
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := o.hits.Add(1)
		if code := int(o.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"n":%d,"path":%q,"ua":%q}`, n, r.URL.Path, r.Header.Get("User-Agent"))
	}))
	t.Cleanup(o.Close)
	return o
}

type publisher struct {
	mu   sync.Mutex
	keys []string
	nss  []string
}

func (p *publisher) PublishKey(ns, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, ns+"/"+key)
	return nil
}

func (p *publisher) Stats() bus.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bus.Stats{Received: uint64(len(p.keys) + len(p.nss))}
}

func (p *publisher) PublishNamespace(ns string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nss = append(p.nss, ns)
	return nil
}

type fixture struct {
	h      *Handler
	store  *cache.Store
	origin *origin
	clock  *cachetest.Clock
	pub    *publisher
}

func newFixture(t *testing.T, mod func(rc *ResourceConfig)) *fixture {
	t.Helper()
	f := &fixture{
		origin: newOrigin(t),
		clock:  cachetest.NewClock(time.Unix(1000, 0)),
		pub:    &publisher{},
	}
	s, err := cache.New(cache.Options{Now: f.clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	f.store = s

	rc := ResourceConfig{
		Namespace: "users",
		URL:       f.origin.URL + "/users/{{.Key}}",
		TTL:       10,
	}
	if mod != nil {
		mod(&rc)
	}
	h, err := NewHandler(HandlerOpts{
		Store:      s,
		Resources:  []ResourceConfig{rc},
		Publisher:  f.pub,
		MetricsReg: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	f.h = h
	return f
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

type body struct {
	N    int    `json:"n"`
	Path string `json:"path"`
	UA   string `json:"ua"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) body {
	t.Helper()
	var b body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b), w.Body.String())
	return b
}

func TestHandler_query(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/q/users/42")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "miss", w.Header().Get("X-Cache"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	b := decode(t, w)
	assert.Equal(t, body{N: 1, Path: "/users/42", UA: defaultUserAgent}, b)

	w = f.do(t, http.MethodGet, "/q/users/42")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hit", w.Header().Get("X-Cache"))
	assert.Equal(t, 1, decode(t, w).N)
	assert.EqualValues(t, 1, f.origin.hits.Load())
}

func TestHandler_queryErrors(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/q/orders/1").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/q/users/").Code)

	f.origin.status.Store(http.StatusInternalServerError)
	w := f.do(t, http.MethodGet, "/q/users/1")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	var e errorResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Contains(t, e.Error, "http 500")

	_, fr := f.store.Get("users", "1")
	assert.Equal(t, cache.Miss, fr)
}

func TestHandler_staleWhileRevalidate(t *testing.T) {
	f := newFixture(t, func(rc *ResourceConfig) {
		rc.TTL = 1
		rc.StaleWhileRevalidate = true
	})

	require.Equal(t, 1, decode(t, f.do(t, http.MethodGet, "/q/users/1")).N)
	f.clock.Advance(2 * time.Second)

	w := f.do(t, http.MethodGet, "/q/users/1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stale", w.Header().Get("X-Cache"))
	assert.Equal(t, 1, decode(t, w).N)

	assert.Eventually(t, func() bool {
		_, fr := f.store.Get("users", "1")
		return fr == cache.Fresh
	}, 2*time.Second, 5*time.Millisecond)
	w = f.do(t, http.MethodGet, "/q/users/1")
	assert.Equal(t, "hit", w.Header().Get("X-Cache"))
	assert.Equal(t, 2, decode(t, w).N)
}

func TestHandler_enabledIf(t *testing.T) {
	f := newFixture(t, func(rc *ResourceConfig) {
		rc.EnabledIf = "token != ''"
		rc.URL += `?token={{index .Query "token" 0}}`
	})

	w := f.do(t, http.MethodGet, "/q/users/1")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "idle", w.Header().Get("X-Cache"))
	assert.EqualValues(t, 0, f.origin.hits.Load())

	w = f.do(t, http.MethodGet, "/q/users/1?token=abc")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, f.origin.hits.Load())
}

func TestHandler_queryParamsAreCachedApart(t *testing.T) {
	f := newFixture(t, func(rc *ResourceConfig) {
		rc.URL += `/page{{.Query.Get "page"}}`
	})

	w := f.do(t, http.MethodGet, "/q/users/1?page=1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "miss", w.Header().Get("X-Cache"))
	assert.Equal(t, body{N: 1, Path: "/users/1/page1", UA: defaultUserAgent}, decode(t, w))

	w = f.do(t, http.MethodGet, "/q/users/1?page=2")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "miss", w.Header().Get("X-Cache"))
	assert.Equal(t, body{N: 2, Path: "/users/1/page2", UA: defaultUserAgent}, decode(t, w))

	w = f.do(t, http.MethodGet, "/q/users/1?page=1")
	assert.Equal(t, "hit", w.Header().Get("X-Cache"))
	assert.Equal(t, "/users/1/page1", decode(t, w).Path)
	assert.EqualValues(t, 2, f.origin.hits.Load())

	w = f.do(t, http.MethodDelete, "/cache/users/1?page=2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "miss", f.do(t, http.MethodGet, "/q/users/1?page=2").Header().Get("X-Cache"))
	assert.Equal(t, "hit", f.do(t, http.MethodGet, "/q/users/1?page=1").Header().Get("X-Cache"))
}

func TestCacheKey(t *testing.T) {
	tests := []struct {
		key  string
		q    url.Values
		want string
	}{
		{"1", nil, "1"},
		{"a/b", url.Values{}, "a/b"},
		{"1", url.Values{"page": {"2"}}, "1?page=2"},
		{"1", url.Values{"b": {"2"}, "a": {"1"}}, "1?a=1&b=2"},
		{"a?page=2", nil, "a%3Fpage=2?"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cacheKey(tt.key, tt.q), tt.key)
	}
	assert.NotEqual(t, cacheKey("a?page=2", nil), cacheKey("a", url.Values{"page": {"2"}}))
}

func TestHandler_retries(t *testing.T) {
	f := newFixture(t, func(rc *ResourceConfig) { rc.Retries = 1 })

	f.origin.status.Store(http.StatusNotFound)
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodGet, "/q/users/1").Code)
	assert.EqualValues(t, 1, f.origin.hits.Load())

	f.origin.status.Store(http.StatusServiceUnavailable)
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodGet, "/q/users/2").Code)
	assert.EqualValues(t, 3, f.origin.hits.Load())
}

func TestHandler_refresh(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, 1, decode(t, f.do(t, http.MethodGet, "/q/users/1")).N)

	w := f.do(t, http.MethodPost, "/refresh/users/1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decode(t, w).N)

	w = f.do(t, http.MethodGet, "/q/users/1")
	assert.Equal(t, "hit", w.Header().Get("X-Cache"))
	assert.Equal(t, 2, decode(t, w).N)
}

func TestHandler_invalidate(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/q/users/1")
	f.do(t, http.MethodGet, "/q/users/2")

	w := f.do(t, http.MethodDelete, "/cache/users/1")
	require.Equal(t, http.StatusOK, w.Code)
	var res invalidateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, invalidateResult{Namespace: "users", Key: "1", Removed: 1}, res)
	assert.Equal(t, "miss", f.do(t, http.MethodGet, "/q/users/1").Header().Get("X-Cache"))

	w = f.do(t, http.MethodDelete, "/cache/users")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Removed)
	assert.Equal(t, 0, f.store.Len())

	assert.Equal(t, []string{"users/1"}, f.pub.keys)
	assert.Equal(t, []string{"users"}, f.pub.nss)
}

func TestHandler_stats(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/q/users/1")
	f.do(t, http.MethodGet, "/q/users/1")

	w := f.do(t, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var st statsResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Store.Entries)
	assert.EqualValues(t, 2, st.Namespaces["users"].Queries)
	assert.EqualValues(t, 1, st.Namespaces["users"].Fetches)
	require.NotNil(t, st.Bus)
	assert.EqualValues(t, 0, st.Bus.Received)

	f.do(t, http.MethodDelete, "/cache/users")
	w = f.do(t, http.MethodGet, "/stats")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.NotNil(t, st.Bus)
	assert.EqualValues(t, 1, st.Bus.Received)
}

func TestHandler_requestID(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get(requestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc")
	w = httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get(requestIDHeader))
}

func TestHandler_setResources(t *testing.T) {
	f := newFixture(t, nil)

	err := f.h.SetResources([]ResourceConfig{
		{Namespace: "a", URL: "http://x/{{.Key}}"},
		{Namespace: "a", URL: "http://y/{{.Key}}"},
	})
	assert.ErrorContains(t, err, "duplicated namespace")
	assert.Error(t, f.h.SetResources([]ResourceConfig{{Namespace: "a", URL: "http://x/{{.Key"}}))
	assert.Error(t, f.h.SetResources([]ResourceConfig{{Namespace: "a", URL: "http://x", EnabledIf: "a +"}}))
	assert.Error(t, f.h.SetResources([]ResourceConfig{{URL: "http://x"}}))

	// Failed updates keep the old resources.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/q/users/1").Code)

	require.NoError(t, f.h.SetResources([]ResourceConfig{{Namespace: "orders", URL: f.origin.URL + "/orders/{{.Key}}"}}))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/q/users/1").Code)
	assert.Equal(t, "/orders/7", decode(t, f.do(t, http.MethodGet, "/q/orders/7")).Path)
}

func TestHandler_websocket(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/users/1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	read := func() wsMessage {
		t.Helper()
		var m wsMessage
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	m := read()
	assert.Equal(t, "loading", m.Status)
	assert.True(t, m.Loading)
	m = read()
	assert.Equal(t, "success", m.Status)
	var b body
	require.NoError(t, json.Unmarshal(m.Data, &b))
	assert.Equal(t, 1, b.N)

	require.NoError(t, conn.WriteJSON(wsCommand{Type: "refresh"}))
	m = read()
	assert.Equal(t, "revalidating", m.Status)
	assert.True(t, m.Refreshing)
	m = read()
	assert.Equal(t, "success", m.Status)
	require.NoError(t, json.Unmarshal(m.Data, &b))
	assert.Equal(t, 2, b.N)
}
