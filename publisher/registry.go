package publisher

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/liveq/cache"
	"github.com/maxpert/liveq/cfg"
	"github.com/rs/zerolog/log"
)

// Mirror copies published cache records to one sink
type Mirror struct {
	name        string
	topicPrefix string
	filter      Filter
	sink        Sink
	worker      *Worker
}

// Name returns the configured mirror name
func (m *Mirror) Name() string {
	return m.name
}

// Forward filters the record set and queues the matching records for publishing
func (m *Mirror) Forward(records cache.RecordSet) error {
	batch := make([]Message, 0, len(records))
	for _, rec := range records.Records() {
		if !m.filter.Match(rec.Key) {
			continue
		}

		value, err := NewEnvelope(rec).Encode()
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", rec.Key, err)
		}

		batch = append(batch, Message{
			Topic: m.buildTopic(rec.Key),
			Key:   rec.Key,
			Value: value,
		})
	}

	if len(batch) == 0 {
		return nil
	}
	return m.worker.Enqueue(batch)
}

// buildTopic builds the topic name for a record
func (m *Mirror) buildTopic(key string) string {
	t := sanitizeTopic(typename(key))
	if m.topicPrefix == "" {
		return t
	}
	return fmt.Sprintf("%s.%s", m.topicPrefix, t)
}

// sanitizeTopic keeps typenames from introducing extra subject tokens or wildcards
func sanitizeTopic(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}

// Registry manages the lifecycle of all configured mirrors
type Registry struct {
	mirrors []*Mirror
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates mirrors for every configuration entry
func NewRegistry(configs []cfg.MirrorConfiguration) (*Registry, error) {
	registry := &Registry{
		mirrors: make([]*Mirror, 0, len(configs)),
	}

	for _, mirrorCfg := range configs {
		if err := registry.AddMirror(mirrorCfg); err != nil {
			registry.closeSinks()
			return nil, fmt.Errorf("failed to add mirror %q: %w", mirrorCfg.Name, err)
		}
	}

	log.Info().
		Int("mirrors", len(registry.mirrors)).
		Msg("Mirror registry initialized")

	return registry, nil
}

// AddMirror creates a sink and worker for the given configuration
func (r *Registry) AddMirror(config cfg.MirrorConfiguration) error {
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	return r.addMirror(config, snk)
}

func (r *Registry) addMirror(config cfg.MirrorConfiguration, snk Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	filter, err := NewGlobFilter(config.FilterKeys)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:         config.Name,
		Sink:         snk,
		QueueSize:    config.QueueSize,
		RetryInitial: time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:     time.Duration(config.RetryMaxMS) * time.Millisecond,
		MaxRetries:   config.MaxRetries,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	m := &Mirror{
		name:        config.Name,
		topicPrefix: config.TopicPrefix,
		filter:      filter,
		sink:        snk,
		worker:      worker,
	}
	r.mirrors = append(r.mirrors, m)

	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("mirror", config.Name).
		Str("type", config.Type).
		Str("topic_prefix", config.TopicPrefix).
		Msg("Added record mirror")

	return nil
}

// Mirrors returns the configured mirrors
func (r *Registry) Mirrors() []*Mirror {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Mirror(nil), r.mirrors...)
}

// Names returns mirror names in configuration order
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.mirrors))
	for i, m := range r.mirrors {
		names[i] = m.name
	}
	return names
}

// Start starts all workers
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Swap(true) {
		return
	}
	for _, m := range r.mirrors {
		m.worker.Start()
	}
}

// Stop stops all workers and closes their sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return // Already stopped
	}

	for _, m := range r.mirrors {
		m.worker.Stop()
	}
	r.closeSinks()

	log.Info().Msg("Mirror registry stopped")
}

func (r *Registry) closeSinks() {
	var errs []error
	for _, m := range r.mirrors {
		if err := m.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Failed to close mirror sinks")
	}
}

// createSink creates a sink based on the configuration
func createSink(config cfg.MirrorConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.MirrorConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}
