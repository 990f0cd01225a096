package queue

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// metrics mirrors the otel-noop-meter-fallback counter shape of
// services/escrow-gateway/webhook_queue.go's queueMetrics: a package-level
// singleton built against whatever MeterProvider is registered, falling
// back to a no-op meter if counter construction fails.
type metrics struct {
	enqueued     metric.Int64Counter
	claimed      metric.Int64Counter
	completed    metric.Int64Counter
	retried      metric.Int64Counter
	deadLettered metric.Int64Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *metrics
)

func newMetrics() *metrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("x402-bundler/queue")
		build := func(name string) metric.Int64Counter {
			counter, err := meter.Int64Counter(name)
			if err != nil {
				fallback := noop.NewMeterProvider().Meter("x402-bundler/queue")
				counter, _ = fallback.Int64Counter(name)
			}
			return counter
		}
		sharedMetrics = &metrics{
			enqueued:     build("bundler.queue.enqueued"),
			claimed:      build("bundler.queue.claimed"),
			completed:    build("bundler.queue.completed"),
			retried:      build("bundler.queue.retried"),
			deadLettered: build("bundler.queue.dead_lettered"),
		}
	})
	return sharedMetrics
}

func (m *metrics) recordEnqueued(queueName string)     { m.add(m.enqueued, queueName) }
func (m *metrics) recordClaimed(queueName string)      { m.add(m.claimed, queueName) }
func (m *metrics) recordCompleted(queueName string)    { m.add(m.completed, queueName) }
func (m *metrics) recordRetried(queueName string)      { m.add(m.retried, queueName) }
func (m *metrics) recordDeadLettered(queueName string) { m.add(m.deadLettered, queueName) }

func (m *metrics) add(counter metric.Int64Counter, queueName string) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("queue", queueName)))
}
