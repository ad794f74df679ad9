package api

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/template"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/pmkol/qcache/pkg/query"
	"github.com/pmkol/qcache/pkg/utils"
)

// ResourceConfig describes one namespace served by the Handler. Its values
// are fetched from an upstream URL.
type ResourceConfig struct {
	Namespace string `yaml:"namespace"`

	// URL is a text/template. {{.Key}} is the query key, {{.Query}} the
	// url.Values of the request.
	URL string `yaml:"url"`

	// TTL in seconds. Default is 60.
	TTL int `yaml:"ttl"`

	StaleWhileRevalidate bool `yaml:"stale_while_revalidate"`

	// EnabledIf is a govaluate expression. The query is disabled if it
	// evaluates to false. Variables are "key", "namespace" and the request
	// query parameters. Missing parameters are "".
	EnabledIf string `yaml:"enabled_if"`

	// Timeout of one upstream request in seconds. Default is 5.
	Timeout int `yaml:"timeout"`

	// Retries of a failed upstream request. 5xx and transport errors are
	// retried.
	Retries int `yaml:"retries"`

	Headers map[string]string `yaml:"headers"`
}

type resource struct {
	cfg       ResourceConfig
	urlTmpl   *template.Template
	enabledIf *govaluate.EvaluableExpression
	opts      query.Options
}

type urlArgs struct {
	Key   string
	Query url.Values
}

func compileResource(cfg ResourceConfig) (*resource, error) {
	if len(cfg.Namespace) == 0 {
		return nil, errors.New("empty namespace")
	}
	if len(cfg.URL) == 0 {
		return nil, errors.New("empty url")
	}
	tmpl, err := template.New(cfg.Namespace).Option("missingkey=error").Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url template, %w", err)
	}

	r := &resource{
		cfg:     cfg,
		urlTmpl: tmpl,
		opts: query.Options{
			TTL:                  utils.SecondsOr(cfg.TTL, time.Minute),
			StaleWhileRevalidate: cfg.StaleWhileRevalidate,
			Timeout:              utils.SecondsOr(cfg.Timeout, 5*time.Second),
		},
	}

	if len(cfg.EnabledIf) > 0 {
		expr, err := govaluate.NewEvaluableExpression(cfg.EnabledIf)
		if err != nil {
			return nil, fmt.Errorf("invalid enabled_if, %w", err)
		}
		expr.ChecksTypes = true
		r.enabledIf = expr
		if _, err := r.enabled("", nil); err != nil {
			return nil, fmt.Errorf("invalid enabled_if, %w", err)
		}
	}
	return r, nil
}

func (r *resource) url(key string, q url.Values) (string, error) {
	var b strings.Builder
	if err := r.urlTmpl.Execute(&b, urlArgs{Key: url.PathEscape(key), Query: q}); err != nil {
		return "", err
	}
	return b.String(), nil
}

// cacheKey is the key of a request in the namespace cache. Requests that
// differ in their query parameters are cached apart, since both the url
// template and enabled_if can read them. The result is key itself if there
// is no query, so plain keys can be invalidated by name.
func cacheKey(key string, q url.Values) string {
	if len(q) == 0 && !strings.Contains(key, "?") {
		return key
	}
	// PathEscape leaves no '?' in the key part, the first '?' splits it
	// from the canonical query.
	return url.PathEscape(key) + "?" + q.Encode()
}

func (r *resource) enabled(key string, q url.Values) (bool, error) {
	if r.enabledIf == nil {
		return true, nil
	}
	v, err := r.enabledIf.Eval(exprParams{namespace: r.cfg.Namespace, key: key, query: q})
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("enabled_if returned %T, want bool", v)
	}
	return b, nil
}

// exprParams implements govaluate.Parameters.
type exprParams struct {
	namespace string
	key       string
	query     url.Values
}

func (p exprParams) Get(name string) (interface{}, error) {
	switch name {
	case "key":
		return p.key, nil
	case "namespace":
		return p.namespace, nil
	default:
		return p.query.Get(name), nil
	}
}
