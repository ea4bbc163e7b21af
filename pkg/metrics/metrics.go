// Package metrics exposes the ingestion pipeline's Prometheus gauges and
// counters through a dedicated registry and a /metrics promhttp.Handler.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds every gauge/counter the pipeline updates as it runs.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth           prometheus.Gauge
	LoaderHeight         prometheus.Gauge
	LoaderPreloadCount   prometheus.Gauge
	ProviderConnected    prometheus.Gauge
	OutboxAckTimeouts    prometheus.Counter
	OutboxBatchesSent    prometheus.Counter
	NormalizerRejections prometheus.Counter
	TransportOnline      prometheus.Gauge
}

// New builds and registers every metric against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_queue_depth",
			Help: "Number of blocks currently buffered in the block queue",
		}),
		LoaderHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_loader_height",
			Help: "Highest height the loader has successfully enqueued",
		}),
		LoaderPreloadCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_loader_preload_count",
			Help: "Current adaptive preload batch size",
		}),
		ProviderConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_provider_connected",
			Help: "1 if the active provider is connected, 0 otherwise",
		}),
		OutboxAckTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_outbox_ack_timeouts_total",
			Help: "Total number of outbox batches that timed out waiting for an ack",
		}),
		OutboxBatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_outbox_batches_sent_total",
			Help: "Total number of outbox batches successfully acknowledged",
		}),
		NormalizerRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_normalizer_rejections_total",
			Help: "Total number of blocks rejected by the normalizer",
		}),
		TransportOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_transport_online",
			Help: "1 if the transport heartbeat considers the peer online, 0 otherwise",
		}),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.LoaderHeight,
		m.LoaderPreloadCount,
		m.ProviderConnected,
		m.OutboxAckTimeouts,
		m.OutboxBatchesSent,
		m.NormalizerRejections,
		m.TransportOnline,
	)
	return m
}

// Handler returns the promhttp handler serving this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a promhttp-backed /metrics server until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.WithField("addr", addr).Info("metrics: serving /metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
