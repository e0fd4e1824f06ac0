// Package publisher mirrors published cache records to external streams.
//
// Every record set the cache publishes is handed to each configured Mirror.
// A mirror filters records by key, wraps each one in a JSON envelope and
// queues it for its Worker, which publishes to the Sink with exponential
// backoff. Forward never blocks the delivery pipeline: when a worker's queue
// is full the batch is rejected and the cache logs and counts the failure.
//
// Topics are "{topic_prefix}.{typename}", so a "User:42" record configured
// with prefix "liveq.records" lands on "liveq.records.User" keyed by "User:42".
//
// Sinks register themselves by type ("nats", "kafka") from the sink package:
//
//	import _ "github.com/maxpert/liveq/publisher/sink"
//
//	registry, err := publisher.NewRegistry(cfg.Config.Mirrors)
//	if err != nil {
//		return err
//	}
//	registry.Start()
//	defer registry.Stop()
//
//	for _, m := range registry.Mirrors() {
//		store.AddMirror(m)
//	}
package publisher
