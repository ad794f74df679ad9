// Package bus spreads cache invalidations between qcache instances over
// NATS. Each instance publishes the invalidations it performs and applies
// the ones published by others.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pmkol/qcache/mlog"
)

const DefaultSubject = "qcache.invalidate"

// Invalidator is implemented by *cache.Store.
type Invalidator interface {
	Invalidate(ns, key string) bool
	InvalidateNamespace(ns string) int
}

// Invalidation is the message published on the bus. An empty Key
// invalidates the whole namespace.
type Invalidation struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key,omitempty"`
	Origin    string `json:"origin"`
}

type Opts struct {
	// URL of the NATS server. Default is nats.DefaultURL.
	URL string

	// Subject to publish and subscribe. Default is DefaultSubject.
	Subject string

	// Name of the connection, shown by the NATS server.
	Name string

	// Target receives the invalidations of other instances. Cannot be nil.
	Target Invalidator

	// Logger is the *zap.Logger for this Bus.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

type Bus struct {
	subject string
	origin  string
	target  Invalidator
	logger  *zap.Logger

	conn *nats.Conn
	sub  *nats.Subscription

	received, applied atomic.Uint64
}

// Connect connects to the NATS server and subscribes to the subject.
// The connection reconnects on its own after it was established once.
func Connect(opts Opts) (*Bus, error) {
	if opts.Target == nil {
		return nil, errors.New("nil invalidation target")
	}
	b := newBus(opts)

	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect nats server, %w", err)
	}
	sub, err := conn.Subscribe(b.subject, b.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe %s, %w", b.subject, err)
	}
	b.conn = conn
	b.sub = sub
	b.logger.Info("invalidation bus connected", zap.String("subject", b.subject), zap.String("origin", b.origin))
	return b, nil
}

func newBus(opts Opts) *Bus {
	if len(opts.URL) == 0 {
		opts.URL = nats.DefaultURL
	}
	if len(opts.Subject) == 0 {
		opts.Subject = DefaultSubject
	}
	return &Bus{
		subject: opts.Subject,
		origin:  uuid.NewString(),
		target:  opts.Target,
		logger:  mlog.OrNop(opts.Logger),
	}
}

// Origin is the id of this instance in published messages.
func (b *Bus) Origin() string {
	return b.origin
}

// PublishKey tells other instances to invalidate (ns, key).
func (b *Bus) PublishKey(ns, key string) error {
	return b.publish(Invalidation{Namespace: ns, Key: key, Origin: b.origin})
}

// PublishNamespace tells other instances to invalidate ns.
func (b *Bus) PublishNamespace(ns string) error {
	return b.publish(Invalidation{Namespace: ns, Origin: b.origin})
}

func (b *Bus) publish(m Invalidation) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subject, data)
}

func (b *Bus) handle(msg *nats.Msg) {
	b.received.Add(1)
	var m Invalidation
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		b.logger.Warn("invalid invalidation message", zap.Error(err))
		return
	}
	if m.Origin == b.origin || len(m.Namespace) == 0 {
		return
	}

	b.applied.Add(1)
	if len(m.Key) == 0 {
		n := b.target.InvalidateNamespace(m.Namespace)
		b.logger.Debug("remote namespace invalidation", zap.String("namespace", m.Namespace), zap.Int("removed", n), zap.String("origin", m.Origin))
		return
	}
	b.target.Invalidate(m.Namespace, m.Key)
	b.logger.Debug("remote key invalidation", zap.String("namespace", m.Namespace), zap.String("key", m.Key), zap.String("origin", m.Origin))
}

type Stats struct {
	Received uint64 `json:"received"`
	Applied  uint64 `json:"applied"`
}

func (b *Bus) Stats() Stats {
	return Stats{Received: b.received.Load(), Applied: b.applied.Load()}
}

// Close drains the subscription and closes the connection.
func (b *Bus) Close() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Drain()
	if err != nil {
		b.conn.Close()
	}
	return err
}
