// Package metrics exposes monitor counters and gauges for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oszuidwest/zwfm-silencewatch/internal/audio"
	"github.com/oszuidwest/zwfm-silencewatch/internal/notify"
	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

const namespace = "silencewatch"

// Metrics holds the monitor's collectors on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	level         prometheus.Gauge
	silent        prometheus.Gauge
	blocks        prometheus.Counter
	dropped       prometheus.Counter
	transitions   *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	attempts      prometheus.Histogram
	hookFailures  *prometheus.CounterVec
	clipsArchived *prometheus.CounterVec
}

// New registers all collectors on a fresh registry together with the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		level: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "level_dbfs",
			Help:      "RMS level of the most recent block in dBFS, digital silence reported at -120",
		}),
		silent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "silent",
			Help:      "1 while audio loss is confirmed, 0 otherwise",
		}),
		blocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_analyzed_total",
			Help:      "Total number of sample blocks analyzed",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_dropped_total",
			Help:      "Total number of sample blocks dropped because analysis fell behind",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total number of alerts raised by kind",
		}, []string{"kind"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of mail deliveries by kind and final state",
		}, []string{"kind", "state"}),
		attempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempts",
			Help:      "Number of attempts per mail delivery",
			Buckets:   []float64{1, 2, 3, 5},
		}),
		hookFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_failures_total",
			Help:      "Total number of failed webhook, MQTT and Zabbix notifications",
		}, []string{"hook"}),
		clipsArchived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clips_archived_total",
			Help:      "Total number of clip uploads by status",
		}, []string{"status"}), // status: success, error
	}
}

// Registry returns the registry backing this instance.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveReading records one analyzed block.
func (m *Metrics) ObserveReading(r audio.Reading) {
	m.blocks.Inc()
	m.level.Set(audio.Finite(r.DB))
}

// SetState records the current silence state.
func (m *Metrics) SetState(state types.MonitorState) {
	if state == types.StateSilent {
		m.silent.Set(1)
		return
	}
	m.silent.Set(0)
}

// BlockDropped counts a block the analysis loop did not receive.
func (m *Metrics) BlockDropped() {
	m.dropped.Inc()
}

// AlertRaised counts an alert produced by the monitor.
func (m *Metrics) AlertRaised(kind types.AlertKind) {
	m.transitions.WithLabelValues(string(kind)).Inc()
}

// ObserveDispatch records the outcome of a mail delivery, including the
// delivery-restored notice that may accompany it.
func (m *Metrics) ObserveDispatch(res notify.DispatchResult) {
	m.deliveries.WithLabelValues(string(res.Kind), res.State.String()).Inc()
	m.attempts.Observe(float64(res.Attempts))
}

// HookFailed counts a failed fire-and-forget notification.
func (m *Metrics) HookFailed(hook string) {
	m.hookFailures.WithLabelValues(hook).Inc()
}

// ClipArchived counts a clip upload.
func (m *Metrics) ClipArchived(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.clipsArchived.WithLabelValues(status).Inc()
}
