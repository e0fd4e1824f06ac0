// Package client ties the sequencer, watcher registry, NATS transport and the
// normalization pipeline into one handle that applications subscribe through.
//
//	store, _ := cache.Open(cache.DefaultOptions())
//	nc, _ := transport.Connect(cfg.Config.NATS)
//	c := client.New(nc, store, client.OptionsFromConfig(cfg.Config))
//	sub := c.Subscribe(watcher.Operation{Name: "feed", Query: q}, handler)
//	defer sub.Close()
package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/maxpert/liveq/cache"
	"github.com/maxpert/liveq/cfg"
	"github.com/maxpert/liveq/normalize"
	"github.com/maxpert/liveq/sequencer"
	"github.com/maxpert/liveq/transport"
	"github.com/maxpert/liveq/watcher"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// ErrClientClosed is returned by Subscribe after Close
var ErrClientClosed = errors.New("client closed")

// Options configures a Client
type Options struct {
	ClientID            uint64
	RegistrationSubject string
	FlushTimeout        time.Duration
	RegistrationTimeout time.Duration
	AdmissionTimeout    time.Duration

	// Sequencer defaults to sequencer.Default so every client in the process shares one ordering
	Sequencer *sequencer.Sequencer
	// Parser defaults to normalize.ResponseParser
	Parser normalize.Parser
}

// OptionsFromConfig builds client options from the loaded configuration
func OptionsFromConfig(c *cfg.Configuration) Options {
	return Options{
		ClientID:            c.ClientID,
		RegistrationSubject: c.Registration.Subject,
		FlushTimeout:        time.Duration(c.NATS.FlushTimeoutMS) * time.Millisecond,
		RegistrationTimeout: time.Duration(c.Registration.TimeoutMS) * time.Millisecond,
		AdmissionTimeout:    time.Duration(c.Registration.AdmissionTimeoutMS) * time.Millisecond,
	}
}

// Client owns the watchers created through it. The connection and store are
// borrowed and stay open after Close.
type Client struct {
	store    *cache.Store
	seq      *sequencer.Sequencer
	registry *watcher.Registry
	bus      *transport.Bus
	config   watcher.Config
	closed   atomic.Bool
}

// New wires a client on an established connection and an open store
func New(nc *nats.Conn, store *cache.Store, opts Options) *Client {
	if opts.Sequencer == nil {
		opts.Sequencer = sequencer.Default
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 2 * time.Second
	}

	registry := watcher.NewRegistry()
	bus := transport.NewBus(nc, registry, opts.FlushTimeout)

	c := &Client{
		store:    store,
		seq:      opts.Sequencer,
		registry: registry,
		bus:      bus,
	}
	c.config = watcher.Config{
		Sequencer:           opts.Sequencer,
		Registrar:           transport.NewRegistrar(nc, opts.RegistrationSubject, opts.ClientID),
		Transport:           bus,
		Pipeline:            normalize.New(store, opts.Parser),
		Registry:            registry,
		RegistrationTimeout: opts.RegistrationTimeout,
		AdmissionTimeout:    opts.AdmissionTimeout,
	}

	log.Info().
		Uint64("client_id", opts.ClientID).
		Str("subject", opts.RegistrationSubject).
		Msg("Client ready")
	return c
}

// Subscribe creates a watcher for the operation and returns immediately.
// Registration happens in ticket order in the background; Ready on the
// returned subscription reports its outcome.
func (c *Client) Subscribe(op watcher.Operation, handler watcher.Handler) (*Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return newSubscription(watcher.New(c.config, op, handler)), nil
}

// Store returns the cache results are normalized into
func (c *Client) Store() *cache.Store {
	return c.store
}

// Watcher looks up a live watcher by ticket
func (c *Client) Watcher(id uint64) (*watcher.Watcher, bool) {
	return c.registry.Get(id)
}

// Subscriptions returns a snapshot of every live watcher ordered by ticket
func (c *Client) Subscriptions() []watcher.Snapshot {
	return c.registry.Snapshots()
}

// CountByState counts live watchers per state
func (c *Client) CountByState() map[string]int {
	return c.registry.CountByState()
}

// PendingTickets returns issued tickets that have not completed
func (c *Client) PendingTickets() int {
	return c.seq.PendingTickets()
}

// SequencerStats returns the ticket sequencer's counters
func (c *Client) SequencerStats() sequencer.Stats {
	return c.seq.Stats()
}

// Cancel cancels the watcher with the given ticket
func (c *Client) Cancel(id uint64) bool {
	w, ok := c.registry.Get(id)
	if !ok {
		return false
	}
	w.Cancel()
	return true
}

// Close cancels every watcher and waits until their handlers have returned or
// ctx ends
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	watchers := c.registry.Watchers()
	for _, w := range watchers {
		w.Cancel()
	}

	for _, w := range watchers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Info().Int("watchers", len(watchers)).Msg("Client closed")
	return nil
}
