// Package watcher implements the subscription state machine.
//
// A watcher takes a ticket when it is created, waits until every earlier ticket
// has completed, registers its operation, binds the returned topics on the
// transport and then feeds every inbound message through the normalization
// pipeline to its handler. Leaving the waiting or registering phase for any
// reason completes the ticket, so one stuck or failed subscription never holds
// back the ones created after it.
//
// Messages that arrive while Bind is still in flight are queued and held until
// the watcher is Active. If it never gets there they are dropped unprocessed.
//
// Handler calls for one watcher come from a single delivery goroutine, so they
// are ordered and never overlap. The state is re-checked right before every
// call: once Cancel returns no new call starts.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/liveq/cache"
	"github.com/maxpert/liveq/normalize"
	"github.com/maxpert/liveq/sequencer"
	"github.com/maxpert/liveq/telemetry"
	"github.com/rs/zerolog/log"
)

// Operation is the logical subscription sent to the query service
type Operation struct {
	Name      string                 `json:"name"`
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// Registration is the query service's answer to a registration
type Registration struct {
	Topics  []string
	Routing map[string]interface{}
}

// Registrar registers operations with the query service
type Registrar interface {
	Register(ctx context.Context, op Operation) (Registration, error)
}

// Transport subscribes a watcher's topics; messages come back through Registry.OnMessage
type Transport interface {
	Bind(ctx context.Context, id uint64, topics []string) error
	Unbind(id uint64) error
}

// Processor runs one payload through decoding, normalization and the cache
type Processor interface {
	Process(ctx context.Context, payload []byte, handler normalize.Handler) normalize.Outcome
}

// Handler receives results or errors; never both
type Handler func(result *normalize.Result, txn cache.Txn, err error)

// Config wires a watcher to its collaborators. None of them is owned or closed by the watcher.
type Config struct {
	Sequencer *sequencer.Sequencer
	Registrar Registrar
	Transport Transport
	Pipeline  Processor
	Registry  *Registry

	RegistrationTimeout time.Duration // 0 = no bound
	AdmissionTimeout    time.Duration // 0 = wait forever
}

// Snapshot is a point-in-time view for diagnostics
type Snapshot struct {
	ID        uint64   `json:"id"`
	Operation string   `json:"operation"`
	State     string   `json:"state"`
	Topics    []string `json:"topics,omitempty"`
	Pending   int      `json:"pending"`
}

// Watcher is one subscription
type Watcher struct {
	id      uint64
	op      Operation
	handler Handler
	config  Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	topics  []string
	unbound bool

	queue     *deliveryQueue
	activated chan struct{} // closed on Bound -> Active
	done      chan struct{}

	ready     *future.Promise[[]string]
	readyOnce sync.Once
}

// New issues a ticket and starts the watcher in the background; it never blocks
func New(config Config, op Operation, handler Handler) *Watcher {
	if config.Sequencer == nil {
		config.Sequencer = sequencer.Default
	}
	if handler == nil {
		handler = func(*normalize.Result, cache.Txn, error) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		id:        config.Sequencer.IssueTicket(),
		op:        op,
		handler:   handler,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		state:     Created,
		queue:     newDeliveryQueue(),
		activated: make(chan struct{}),
		done:      make(chan struct{}),
		ready:     future.NewPromise[[]string](),
	}

	if config.Registry != nil {
		config.Registry.add(w)
	}

	log.Debug().Uint64("ticket", w.id).Str("operation", op.Name).Msg("Watcher created")

	go w.run()
	go w.deliverLoop()
	return w
}

// ID is the watcher's ticket, also used to route messages
func (w *Watcher) ID() uint64 {
	return w.id
}

// Operation returns the subscribed operation
func (w *Watcher) Operation() Operation {
	return w.op
}

// State returns the current state
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Topics returns the bound topics (empty before registration succeeds)
func (w *Watcher) Topics() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.topics...)
}

// Ready resolves with the topics once the watcher is active, or with the error
// that ended it first
func (w *Watcher) Ready() *future.Future[[]string] {
	return w.ready.Future()
}

// Done is closed once the watcher is terminal and its last callback has returned
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Snapshot returns a diagnostic view
func (w *Watcher) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		ID:        w.id,
		Operation: w.op.Name,
		State:     w.state.String(),
		Topics:    append([]string(nil), w.topics...),
		Pending:   w.queue.len(),
	}
}

// Cancel stops the watcher. It is idempotent: the transport is unbound at most
// once and no handler call starts after it returns.
func (w *Watcher) Cancel() {
	w.mu.Lock()
	if w.state.Terminal() {
		w.mu.Unlock()
		return
	}
	prev := w.state
	w.state = Cancelled
	needUnbind := w.claimUnbindLocked(prev)
	w.mu.Unlock()

	w.cancel()
	w.config.Sequencer.MarkComplete(w.id)
	w.queue.close()

	if needUnbind {
		w.unbind()
	}
	if prev < Bound {
		telemetry.RegistrationsTotal.With("cancelled").Inc()
	}
	w.resolveReady(nil, ErrCancelled)

	log.Debug().Uint64("ticket", w.id).Str("from", prev.String()).Msg("Watcher cancelled")
}

// OnDisconnect ends the watcher because the transport lost its connection.
// The handler receives ErrDisconnected once.
func (w *Watcher) OnDisconnect(cause error) {
	w.mu.Lock()
	if w.state.Terminal() {
		w.mu.Unlock()
		return
	}
	prev := w.state
	w.state = Terminated
	needUnbind := w.claimUnbindLocked(prev)
	w.mu.Unlock()

	w.cancel()
	w.config.Sequencer.MarkComplete(w.id)

	if needUnbind {
		w.unbind()
	}

	telemetry.DisconnectsTotal.Inc()
	e := newError(KindDisconnected, w.id, cause)
	w.queue.seal(item{err: e})
	w.resolveReady(nil, e)

	log.Warn().Err(cause).Uint64("ticket", w.id).Str("from", prev.String()).Msg("Watcher terminated by disconnect")
}

// enqueue queues an inbound payload; dropped unless the watcher is bound or active
func (w *Watcher) enqueue(payload []byte) bool {
	w.mu.Lock()
	live := w.state.live()
	w.mu.Unlock()

	if !live || !w.queue.push(item{payload: payload}) {
		telemetry.MessagesTotal.With("dropped").Inc()
		return false
	}
	return true
}

// claimUnbindLocked decides whether the caller leaving prev must unbind. While
// Bind is in flight (Bound) the registering goroutine unbinds once Bind returns.
func (w *Watcher) claimUnbindLocked(prev State) bool {
	if prev != Active || w.unbound {
		return false
	}
	w.unbound = true
	return true
}

func (w *Watcher) unbind() {
	if err := w.config.Transport.Unbind(w.id); err != nil {
		log.Warn().Err(err).Uint64("ticket", w.id).Msg("Failed to unbind watcher topics")
	}
}

// transition moves from one state to another if nothing else moved it first
func (w *Watcher) transition(from, to State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return false
	}
	w.state = to
	return true
}

func (w *Watcher) resolveReady(topics []string, err error) {
	w.readyOnce.Do(func() {
		w.ready.Set(topics, err)
	})
}

// fail ends the watcher with an error delivered once through the handler.
// Payloads queued while Bind was in flight are dropped.
func (w *Watcher) fail(e *Error, result string) {
	w.mu.Lock()
	if w.state.Terminal() {
		w.mu.Unlock()
		return
	}
	w.state = Failed
	w.mu.Unlock()

	w.cancel()
	w.config.Sequencer.MarkComplete(w.id)
	telemetry.RegistrationsTotal.With(result).Inc()

	if dropped := w.queue.discardAndSeal(item{err: e}); dropped > 0 {
		telemetry.MessagesTotal.With("dropped").Add(float64(dropped))
	}
	w.resolveReady(nil, e)

	log.Warn().Err(e.Err).Uint64("ticket", w.id).Str("operation", w.op.Name).Str("kind", e.Kind.String()).Msg("Watcher failed")
}

// cancelled reports whether the watcher context ended because of Cancel or a disconnect
func (w *Watcher) cancelled() bool {
	return w.ctx.Err() != nil
}

// run drives Created -> Waiting -> Registering -> Bound -> Active
func (w *Watcher) run() {
	if !w.transition(Created, Waiting) {
		return
	}

	if !w.admit() {
		return
	}

	if !w.transition(Waiting, Registering) {
		return
	}

	reg, err := w.register()
	if err != nil {
		if w.cancelled() {
			return
		}
		kind := classifyRegistration(err)
		result := "transport_error"
		if kind == KindRegistrationParse {
			result = "parse_error"
		}
		w.fail(newError(kind, w.id, err), result)
		return
	}

	w.mu.Lock()
	if w.state != Registering {
		w.mu.Unlock()
		return
	}
	w.state = Bound
	w.topics = append([]string(nil), reg.Topics...)
	w.mu.Unlock()

	err = w.config.Transport.Bind(w.ctx, w.id, reg.Topics)
	w.config.Sequencer.MarkComplete(w.id)

	w.mu.Lock()
	switch {
	case w.state == Bound && err == nil:
		w.state = Active
		w.mu.Unlock()
		close(w.activated)
		telemetry.RegistrationsTotal.With("success").Inc()
		w.resolveReady(reg.Topics, nil)
		log.Info().Uint64("ticket", w.id).Str("operation", w.op.Name).Strs("topics", reg.Topics).Msg("Watcher active")
		return
	case w.state == Bound:
		// Some topics may have been subscribed before Bind gave up
		w.unbound = true
		w.mu.Unlock()
		w.unbind()
		w.fail(newError(KindRegistrationTransport, w.id, fmt.Errorf("bind topics: %w", err)), "bind_error")
		return
	default:
		// Cancelled or disconnected while Bind was in flight
		needUnbind := !w.unbound
		w.unbound = true
		w.mu.Unlock()
		if needUnbind {
			w.unbind()
		}
	}
}

// admit waits for the ticket's predecessors; false if the watcher ended meanwhile
func (w *Watcher) admit() bool {
	ctx := w.ctx
	if w.config.AdmissionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.AdmissionTimeout)
		defer cancel()
	}

	start := time.Now()
	err := w.config.Sequencer.Wait(ctx, w.id)
	telemetry.AdmissionWaitSeconds.Observe(time.Since(start).Seconds())

	if err == nil {
		return true
	}
	if w.cancelled() {
		return false
	}

	w.fail(newError(KindAdmissionTimeout, w.id, fmt.Errorf("waited %s behind earlier tickets", time.Since(start).Round(time.Millisecond))), "admission_timeout")
	return false
}

func (w *Watcher) register() (Registration, error) {
	ctx := w.ctx
	if w.config.RegistrationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.RegistrationTimeout)
		defer cancel()
	}

	start := time.Now()
	reg, err := w.config.Registrar.Register(ctx, w.op)
	telemetry.RegistrationDurationSeconds.Observe(time.Since(start).Seconds())

	if err == nil && len(reg.Topics) == 0 {
		err = fmt.Errorf("%w: no topics returned", ErrRegistrationParse)
	}
	return reg, err
}

// deliverLoop is the only goroutine that calls the handler
func (w *Watcher) deliverLoop() {
	defer func() {
		if w.config.Registry != nil {
			w.config.Registry.remove(w.id)
		}
		close(w.done)
	}()

	activated := w.awaitActivation()

	for {
		it, ok := w.queue.pop()
		if !ok {
			return
		}

		if it.err != nil {
			if w.mayDeliverTerminal() {
				w.handler(nil, nil, it.err)
			}
			continue
		}

		if !activated {
			telemetry.MessagesTotal.With("dropped").Inc()
			continue
		}
		w.config.Pipeline.Process(w.ctx, it.payload, w.deliver)
	}
}

// awaitActivation blocks until the watcher is Active or has ended; true if it
// ever became Active
func (w *Watcher) awaitActivation() bool {
	select {
	case <-w.activated:
		return true
	case <-w.ctx.Done():
	}

	select {
	case <-w.activated:
		return true
	default:
		return false
	}
}

// deliver is the pipeline's handler: it re-checks the state and wraps errors
func (w *Watcher) deliver(result *normalize.Result, txn cache.Txn, err error) {
	w.mu.Lock()
	active := w.state == Active
	w.mu.Unlock()

	if !active {
		return
	}

	if err != nil {
		w.handler(nil, nil, newError(classifyMessage(err), w.id, err))
		return
	}
	w.handler(result, txn, nil)
}

func (w *Watcher) mayDeliverTerminal() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == Failed || w.state == Terminated
}
