/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_backend

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/qcache/mlog"
	"github.com/pmkol/qcache/pkg/cache"
	"github.com/pmkol/qcache/pkg/utils"
)

const scanCount = 256

type RedisBackendOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisBackend.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisBackend.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisBackendOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	opts.Logger = mlog.OrNop(opts.Logger)
	return nil
}

// RedisBackend is a cache.Backend. After a failed command it stops sending
// commands and returns cache.ErrBackendUnavailable until a ping succeeds.
type RedisBackend struct {
	opts           RedisBackendOpts
	clientDisabled uint32

	closeOnce sync.Once
	closeChan chan struct{}
}

var (
	_ cache.Backend     = (*RedisBackend)(nil)
	_ cache.BatchSetter = (*RedisBackend)(nil)
)

func NewRedisBackend(opts RedisBackendOpts) (*RedisBackend, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisBackend{
		opts:      opts,
		closeChan: make(chan struct{}),
	}, nil
}

func (r *RedisBackend) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisBackend) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go r.pingUntilUp()
	}
}

func (r *RedisBackend) pingUntilUp() {
	const maxBackoff = time.Second * 30
	backoff := time.Millisecond * 100
	for {
		select {
		case <-time.After(backoff):
		case <-r.closeChan:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
		err := r.opts.Client.Ping(ctx).Err()
		cancel()
		if err != nil {
			if backoff >= maxBackoff {
				backoff = maxBackoff
			} else {
				backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
			}
			r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
			continue
		}
		atomic.StoreUint32(&r.clientDisabled, 0)
		r.opts.Logger.Info("redis is back online")
		return
	}
}

func (r *RedisBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opts.ClientTimeout)
}

// check disables the client on errors other than redis.Nil.
func (r *RedisBackend) check(err error) error {
	if err == nil || err == redis.Nil {
		return err
	}
	r.disableClient()
	return err
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if r.disabled() {
		return "", false, cache.ErrBackendUnavailable
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	v, err := r.opts.Client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, r.check(err)
	}
	return v, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key, value string, retention time.Duration) error {
	if r.disabled() {
		return cache.ErrBackendUnavailable
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.check(r.opts.Client.Set(ctx, key, value, retention).Err())
}

// BatchSet stores a batch of kv into redis via redis pipeline.
func (r *RedisBackend) BatchSet(ctx context.Context, b []cache.KV) error {
	if r.disabled() {
		return cache.ErrBackendUnavailable
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	pipeline := r.opts.Client.Pipeline()
	for _, kv := range b {
		pipeline.Set(ctx, kv.Key, kv.Value, kv.Retention)
	}
	_, err := pipeline.Exec(ctx)
	return r.check(err)
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if r.disabled() {
		return cache.ErrBackendUnavailable
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.check(r.opts.Client.Del(ctx, key).Err())
}

// Keys uses SCAN, it does not block the server like KEYS.
func (r *RedisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	if r.disabled() {
		return nil, cache.ErrBackendUnavailable
	}

	var (
		keys   []string
		cursor uint64
	)
	match := escapeGlob(prefix) + "*"
	for {
		cctx, cancel := r.withTimeout(ctx)
		batch, next, err := r.opts.Client.Scan(cctx, cursor, match, scanCount).Result()
		cancel()
		if err != nil {
			return nil, r.check(err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Close closes the redis client.
func (r *RedisBackend) Close() error {
	r.closeOnce.Do(func() { close(r.closeChan) })
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

var globReplacer = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

// escapeGlob escapes s for use in a redis MATCH pattern.
func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
