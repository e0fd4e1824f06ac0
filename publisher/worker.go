package publisher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/liveq/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default number of record batches buffered per worker
	DefaultQueueSize = 1024
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of attempts before a message is dropped
	DefaultMaxRetries = 10
)

var (
	ErrQueueFull     = errors.New("mirror queue full")
	ErrWorkerStopped = errors.New("mirror worker not running")
)

// WorkerConfig configures a mirror worker
type WorkerConfig struct {
	Name            string        // Mirror name (for logs and metrics)
	Sink            Sink          // Destination sink
	QueueSize       int           // Buffered batches
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum attempts per message
}

// Worker drains queued batches and publishes them to a sink in order
type Worker struct {
	config      WorkerConfig
	queue       chan []Message
	stopCh      chan struct{} // Stop signal
	doneCh      chan struct{} // Done signal
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewWorker creates a new mirror worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}

	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		queue:  make(chan []Message, config.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Enqueue hands a batch to the worker without blocking
func (w *Worker) Enqueue(batch []Message) error {
	if !w.running.Load() {
		return ErrWorkerStopped
	}

	select {
	case w.queue <- batch:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running.Store(true)

	log.Info().Str("mirror", w.config.Name).Msg("Starting mirror worker")

	go w.loop()
}

// Stop stops the worker; batches still queued are dropped
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Swap(false) {
		return // Not running
	}

	close(w.stopCh)
	<-w.doneCh

	dropped := 0
drain:
	for {
		select {
		case batch := <-w.queue:
			dropped += len(batch)
		default:
			break drain
		}
	}

	log.Info().Str("mirror", w.config.Name).Int("dropped", dropped).Msg("Mirror worker stopped")
}

func (w *Worker) loop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case batch := <-w.queue:
			w.publishBatch(batch)
		}
	}
}

// publishBatch hands one record set to the sink, as a unit when it supports batches
func (w *Worker) publishBatch(batch []Message) {
	if len(batch) == 0 {
		return
	}
	if bs, ok := w.config.Sink.(BatchSink); ok {
		err := w.publishWithRetry(batch[0].Topic, func() error { return bs.PublishBatch(batch) })
		if err != nil {
			log.Error().
				Err(err).
				Str("mirror", w.config.Name).
				Int("records", len(batch)).
				Msg("Dropping mirrored record set")
			telemetry.MirrorPublishTotal.With(w.config.Name, "dropped").Add(float64(len(batch)))
			return
		}
		telemetry.MirrorPublishTotal.With(w.config.Name, "success").Add(float64(len(batch)))
		return
	}

	for _, msg := range batch {
		err := w.publishWithRetry(msg.Topic, func() error { return w.config.Sink.Publish(msg.Topic, msg.Key, msg.Value) })
		if err != nil {
			log.Error().
				Err(err).
				Str("mirror", w.config.Name).
				Str("topic", msg.Topic).
				Str("key", msg.Key).
				Msg("Dropping mirrored record")
			telemetry.MirrorPublishTotal.With(w.config.Name, "dropped").Inc()
			continue
		}
		telemetry.MirrorPublishTotal.With(w.config.Name, "success").Inc()
	}
}

// publishWithRetry runs publish with exponential backoff.
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic string, publish func() error) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := publish()
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("mirror", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish record, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
