// Package metrics exposes the broker's prometheus collectors and the
// periodic sampler that snapshots them into a MetricsStore.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the broker updates. Each broker
// instance owns its own prometheus registry so parallel instances in one
// process never collide.
type Registry struct {
	reg *prometheus.Registry

	MessagesIn      prometheus.Counter
	MessagesOut     prometheus.Counter
	MessagesDropped *prometheus.CounterVec

	RetainedAdds prometheus.Counter
	RetainedDels prometheus.Counter

	ArchiveWrites *prometheus.CounterVec
	ArchivePurged *prometheus.CounterVec

	BusMessages *prometheus.CounterVec

	SessionsTotal     prometheus.Gauge
	SessionsConnected prometheus.Gauge
	QueueDepth        *prometheus.GaugeVec
	StoreUp           *prometheus.GaugeVec

	StoreBatchSeconds *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		MessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcmq_messages_in_total",
			Help: "PUBLISH frames accepted from clients and the bus",
		}),
		MessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcmq_messages_out_total",
			Help: "PUBLISH frames handed to subscriber connections",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcmq_messages_dropped_total",
			Help: "Messages dropped, by reason",
		}, []string{"reason"}),

		RetainedAdds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcmq_retained_add_total",
			Help: "Retained messages written to the last-value store",
		}),
		RetainedDels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcmq_retained_del_total",
			Help: "Retained messages deleted by empty-payload publishes",
		}),

		ArchiveWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcmq_archive_writes_total",
			Help: "Messages written by archive groups",
		}, []string{"group"}),
		ArchivePurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcmq_archive_purged_total",
			Help: "Rows removed by retention purges",
		}, []string{"group", "role"}),

		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcmq_bus_messages_total",
			Help: "Cluster bus traffic, by direction",
		}, []string{"direction"}),

		SessionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arcmq_sessions_total",
			Help: "Sessions present in the session store",
		}),
		SessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arcmq_sessions_connected",
			Help: "Sessions currently connected to this node",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arcmq_queue_depth",
			Help: "Items waiting in internal batch queues",
		}, []string{"queue"}),
		StoreUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arcmq_store_up",
			Help: "Store connectivity, 1 when healthy",
		}, []string{"store"}),

		StoreBatchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arcmq_store_batch_seconds",
			Help:    "Latency of batched store writes",
			Buckets: prometheus.DefBuckets,
		}, []string{"store", "op"}),
	}

	r.reg.MustRegister(
		r.MessagesIn,
		r.MessagesOut,
		r.MessagesDropped,
		r.RetainedAdds,
		r.RetainedDels,
		r.ArchiveWrites,
		r.ArchivePurged,
		r.BusMessages,
		r.SessionsTotal,
		r.SessionsConnected,
		r.QueueDepth,
		r.StoreUp,
		r.StoreBatchSeconds,
	)
	return r
}

// Handler serves this registry's metrics in the prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for snapshotting.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
