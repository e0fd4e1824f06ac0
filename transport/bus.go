// Package transport connects watchers to NATS: registration requests go out as
// request-reply, and bound topics become core subscriptions whose messages are
// routed back by watcher id.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/liveq/cfg"
	"github.com/maxpert/liveq/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Router receives routed messages and disconnects; watcher.Registry implements it
type Router interface {
	OnMessage(id uint64, payload []byte)
	OnDisconnect(id uint64, err error)
}

// ErrConnectionClosed is reported to watchers when the connection closes for good
var ErrConnectionClosed = errors.New("nats connection closed")

// Connect dials NATS with the configured identity and reconnect policy
func Connect(config cfg.NATSConfiguration) (*nats.Conn, error) {
	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(time.Duration(config.ReconnectWaitMS)*time.Millisecond),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn().Err(err).Str("subject", subject).Msg("NATS async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", config.URL, err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Str("name", config.Name).Msg("Connected to NATS")
	return nc, nil
}

// Bus subscribes watcher topics on one connection
type Bus struct {
	nc           *nats.Conn
	router       Router
	flushTimeout time.Duration
	subs         *xsync.MapOf[uint64, []*nats.Subscription]
}

// NewBus wires connection events to the router. A dropped connection is only
// logged: nats.go resubscribes every bound topic once it reconnects. Bound
// watchers are terminated when the connection closes for good, which is when
// the reconnect attempts run out.
func NewBus(nc *nats.Conn, router Router, flushTimeout time.Duration) *Bus {
	b := &Bus{
		nc:           nc,
		router:       router,
		flushTimeout: flushTimeout,
		subs:         xsync.NewMapOf[uint64, []*nats.Subscription](),
	}

	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err == nil {
			err = nats.ErrDisconnected
		}
		log.Warn().Err(err).Int("watchers", b.subs.Size()).Msg("NATS disconnected, waiting to reconnect")
	})
	nc.SetReconnectHandler(func(c *nats.Conn) {
		log.Info().Str("url", c.ConnectedUrl()).Int("watchers", b.subs.Size()).Msg("NATS reconnected")
	})
	nc.SetClosedHandler(func(_ *nats.Conn) {
		log.Warn().Int("watchers", b.subs.Size()).Msg("NATS connection closed")
		b.disconnectAll(ErrConnectionClosed)
	})

	return b
}

// Bind subscribes every topic for the watcher and waits until the server has
// processed the subscriptions
func (b *Bus) Bind(ctx context.Context, id uint64, topics []string) error {
	subs := make([]*nats.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, err := b.nc.Subscribe(topic, b.handler(id))
		if err != nil {
			unsubscribeAll(subs)
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	b.subs.Compute(id, func(existing []*nats.Subscription, _ bool) ([]*nats.Subscription, bool) {
		return append(existing, subs...), false
	})

	flushCtx, cancel := context.WithTimeout(ctx, b.flushTimeout)
	defer cancel()
	if err := b.nc.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	log.Debug().Uint64("ticket", id).Strs("topics", topics).Msg("Topics bound")
	return nil
}

// Unbind removes every subscription of the watcher
func (b *Bus) Unbind(id uint64) error {
	subs, ok := b.subs.LoadAndDelete(id)
	if !ok {
		return nil
	}
	return unsubscribeAll(subs)
}

// Bound returns how many watchers currently hold subscriptions
func (b *Bus) Bound() int {
	return b.subs.Size()
}

func (b *Bus) handler(id uint64) nats.MsgHandler {
	return func(msg *nats.Msg) {
		payload, err := decodeFrame(msg)
		if err != nil {
			log.Warn().Err(err).Uint64("ticket", id).Str("subject", msg.Subject).Msg("Dropping undecodable frame")
			telemetry.MessagesTotal.With("decode_error").Inc()
			return
		}
		b.router.OnMessage(id, payload)
	}
}

func (b *Bus) disconnectAll(err error) {
	b.subs.Range(func(id uint64, _ []*nats.Subscription) bool {
		b.router.OnDisconnect(id, err)
		return true
	})
}

func unsubscribeAll(subs []*nats.Subscription) error {
	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Subject, err))
		}
	}
	return errors.Join(errs...)
}
