package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gitlab.com/go-extension/http"

	C "github.com/pmkol/qcache/constant"
	"github.com/pmkol/qcache/pkg/query"
)

const maxBodySize = 4 << 20

var defaultUserAgent = fmt.Sprintf("qcache/%s", C.Version)

// StatusError is returned by the upstream fetcher for non 2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned http %d", e.URL, e.Code)
}

// upstream fetches resource values over http.
type upstream struct {
	transport *http.Transport
}

func newUpstream() *upstream {
	return &upstream{
		transport: &http.Transport{
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// fetcher returns the query.Fetcher of key for res. The body must be JSON,
// it is kept as is.
func (u *upstream) fetcher(res *resource, rawURL string) query.Fetcher[json.RawMessage] {
	if res.cfg.Retries <= 0 {
		return func(ctx context.Context) (json.RawMessage, error) {
			return u.get(ctx, rawURL, res.cfg.Headers)
		}
	}

	// 4xx responses are not retried.
	f := func(ctx context.Context) (json.RawMessage, error) {
		b, err := u.get(ctx, rawURL, res.cfg.Headers)
		var se *StatusError
		if errors.As(err, &se) && se.Code < 500 {
			return nil, backoff.Permanent(err)
		}
		return b, err
	}
	return query.Retry(f,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(res.cfg.Retries)+1),
	)
}

func (u *upstream) get(ctx context.Context, rawURL string, headers map[string]string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := u.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{URL: rawURL, Code: res.StatusCode}
	}

	b, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxBodySize {
		return nil, fmt.Errorf("response exceeds maximum size of %d bytes", maxBodySize)
	}
	if !json.Valid(b) {
		return nil, errors.New("response is not valid json")
	}
	return json.RawMessage(b), nil
}

func (u *upstream) close() {
	u.transport.CloseIdleConnections()
}
