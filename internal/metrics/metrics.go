// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// SubscriptionTransitions — переходы состояний подписок.
	SubscriptionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingestor", Subsystem: "subscription", Name: "transitions_total",
		Help: "Subscription state transitions by target state",
	}, []string{"source", "state"})

	// SubscriptionState — текущее состояние подписки (см. subscription.State).
	SubscriptionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ingestor", Subsystem: "subscription", Name: "state",
		Help: "Current subscription state as a number",
	}, []string{"source"})

	// RecordsReceived — записи, принятые из внешнего потока.
	RecordsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingestor", Subsystem: "subscription", Name: "records_total",
		Help: "Records received from upstream sources",
	}, []string{"source"})

	// BufferDepth — текущая длина очереди буфера.
	BufferDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ingestor", Subsystem: "buffer", Name: "depth",
		Help: "Records currently queued in a batch buffer",
	}, []string{"buffer"})

	// BufferDropped — записи, отброшенные политикой переполнения.
	BufferDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingestor", Subsystem: "buffer", Name: "dropped_total",
		Help: "Records dropped or rejected by the overflow policy",
	}, []string{"buffer", "policy"})

	// Flushes — сработавшие триггеры сброса.
	Flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingestor", Subsystem: "buffer", Name: "flushes_total",
		Help: "Buffer flushes by trigger (size, time, final)",
	}, []string{"buffer", "trigger"})

	// Deliveries — итоги доставки батчей.
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingestor", Subsystem: "sink", Name: "deliveries_total",
		Help: "Batch deliveries by sink and status",
	}, []string{"sink", "status"})

	// RecordsDelivered — записи, подтверждённые целевой системой.
	RecordsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingestor", Subsystem: "sink", Name: "records_committed_total",
		Help: "Records durably accepted by a sink",
	}, []string{"sink"})

	// RecordsSkipped — записи без маршрута или с битыми полями.
	RecordsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingestor", Subsystem: "sink", Name: "records_skipped_total",
		Help: "Records skipped because they were unroutable or malformed",
	}, []string{"sink"})

	// BatchesAbandoned — батчи, которые не удалось доставить до остановки.
	BatchesAbandoned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingestor", Subsystem: "sink", Name: "batches_abandoned_total",
		Help: "Batches given up after the retry policy was exhausted or the pipeline stopped",
	}, []string{"sink"})

	// DeliveryLatency — время от выгрузки батча до подтверждения.
	DeliveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ingestor", Subsystem: "sink", Name: "delivery_latency_seconds",
		Help:    "Latency of a single Deliver call (seconds)",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})

	// WorkerQueueDepth — задачи, ожидающие свободного воркера.
	WorkerQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ingestor", Subsystem: "worker", Name: "queue_depth",
		Help: "Jobs waiting for a free worker",
	}, []string{"pool"})
)

// Register регистрирует все метрики в заданном реестре.
// Без аргументов (или с nil) используется DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			SubscriptionTransitions,
			SubscriptionState,
			RecordsReceived,
			BufferDepth,
			BufferDropped,
			Flushes,
			Deliveries,
			RecordsDelivered,
			RecordsSkipped,
			BatchesAbandoned,
			DeliveryLatency,
			WorkerQueueDepth,
		)
	})
}
