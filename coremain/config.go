package coremain

import (
	"errors"
	"fmt"
	"time"

	"github.com/pmkol/qcache/mlog"
	"github.com/pmkol/qcache/pkg/api"
	"github.com/pmkol/qcache/pkg/utils"
)

type Config struct {
	Log       mlog.LogConfig       `yaml:"log"`
	Include   []string             `yaml:"include"`
	Cache     CacheConfig          `yaml:"cache"`
	Resources []api.ResourceConfig `yaml:"resources"`
	API       APIConfig            `yaml:"api"`
	Bus       BusConfig            `yaml:"bus"`
}

type CacheConfig struct {
	// MaxEntries, default is 10240.
	MaxEntries int `yaml:"max_entries"`

	// StaleWindow in seconds. Entries older than ttl + stale_window are
	// dropped. 0 keeps stale entries until they are evicted.
	StaleWindow int `yaml:"stale_window"`

	// CleanerInterval in seconds. Default is 60.
	CleanerInterval int `yaml:"cleaner_interval"`

	PersistQueue int  `yaml:"persist_queue"`
	Compress     bool `yaml:"compress"`

	// KeyPrefix of backend keys. Default is "qcache:".
	KeyPrefix string `yaml:"key_prefix"`

	Backend BackendConfig `yaml:"backend"`
}

type BackendConfig struct {
	// Type is one of "", "redis", "sqlite", "postgres". Empty means no
	// persistence.
	Type string `yaml:"type"`

	// URL is a redis url, a sqlite file path or a postgres connection
	// string, depending on Type.
	URL string `yaml:"url"`

	// Timeout of backend operations in seconds. Default is 1.
	Timeout int `yaml:"timeout"`

	// Table of the postgres backend.
	Table string `yaml:"table"`
}

type APIConfig struct {
	// HTTP is the listen address of the api server.
	HTTP string `yaml:"http"`

	// ProxyProtocol accepts PROXY protocol v1/v2 headers.
	ProxyProtocol bool `yaml:"proxy_protocol"`

	// H2C enables HTTP/2 without TLS.
	H2C bool `yaml:"h2c"`

	// IdleTimeout in seconds. Default is 60.
	IdleTimeout int `yaml:"idle_timeout"`
}

type BusConfig struct {
	// NATS server url. Empty disables the invalidation bus.
	NATS    string `yaml:"nats"`
	Subject string `yaml:"subject"`
	Name    string `yaml:"name"`
}

const (
	backendNone     = ""
	backendRedis    = "redis"
	backendSqlite   = "sqlite"
	backendPostgres = "postgres"
)

func (c *Config) validate() error {
	if !utils.CheckNumRange(c.Cache.MaxEntries, 0, 1<<24) {
		return fmt.Errorf("invalid cache.max_entries %d", c.Cache.MaxEntries)
	}
	if !utils.CheckNumRange(c.Cache.StaleWindow, 0, 86400*30) {
		return fmt.Errorf("invalid cache.stale_window %d", c.Cache.StaleWindow)
	}
	if !utils.CheckNumRange(c.Cache.PersistQueue, 0, 1<<20) {
		return fmt.Errorf("invalid cache.persist_queue %d", c.Cache.PersistQueue)
	}
	if !utils.CheckNumRange(c.Cache.Backend.Timeout, 0, 60) {
		return fmt.Errorf("invalid cache.backend.timeout %d", c.Cache.Backend.Timeout)
	}
	switch c.Cache.Backend.Type {
	case backendNone:
	case backendRedis, backendSqlite, backendPostgres:
		if len(c.Cache.Backend.URL) == 0 {
			return fmt.Errorf("cache.backend.url is required by %s backend", c.Cache.Backend.Type)
		}
	default:
		return fmt.Errorf("unknown cache backend type %s", c.Cache.Backend.Type)
	}

	for i, r := range c.Resources {
		if !utils.CheckNumRange(r.TTL, 0, 86400*365) {
			return fmt.Errorf("resource #%d: invalid ttl %d", i, r.TTL)
		}
		if !utils.CheckNumRange(r.Timeout, 0, 600) {
			return fmt.Errorf("resource #%d: invalid timeout %d", i, r.Timeout)
		}
		if !utils.CheckNumRange(r.Retries, 0, 10) {
			return fmt.Errorf("resource #%d: invalid retries %d", i, r.Retries)
		}
	}

	if len(c.API.HTTP) == 0 {
		return errors.New("api.http is required")
	}
	return nil
}

func (c *CacheConfig) staleWindow() time.Duration {
	return utils.SecondsOr(c.StaleWindow, 0)
}

func (c *CacheConfig) cleanerInterval() time.Duration {
	return utils.SecondsOr(c.CleanerInterval, 0)
}

func (c *BackendConfig) timeout() time.Duration {
	return utils.SecondsOr(c.Timeout, time.Second)
}
