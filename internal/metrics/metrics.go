// Package metrics instruments the controller with a dedicated prometheus
// registry exposed on the IPC listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the controller updates.
type Metrics struct {
	registry *prometheus.Registry

	FramesRx    prometheus.Counter
	FramesTx    prometheus.Counter
	FrameErrors prometheus.Counter

	Slaves          prometheus.Gauge
	AmpsInUse       prometheus.Gauge
	MaxAmpsToDivide prometheus.Gauge
	KWhDelivered    prometheus.Gauge
}

// New builds and registers the instrument set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesRx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twc_frames_rx_total",
			Help: "Checksum-valid frames received on the RS-485 bus.",
		}),
		FramesTx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twc_frames_tx_total",
			Help: "Frames transmitted on the RS-485 bus.",
		}),
		FrameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twc_frame_errors_total",
			Help: "Frames dropped for checksum, escaping, or length errors.",
		}),
		Slaves: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twc_slaves",
			Help: "Slave TWCs currently bonded.",
		}),
		AmpsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twc_amps_in_use",
			Help: "Sum of actual amps reported by all slaves.",
		}),
		MaxAmpsToDivide: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twc_max_amps_to_divide",
			Help: "Current amperage budget across the fleet.",
		}),
		KWhDelivered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twc_kwh_delivered_total",
			Help: "Lifetime energy delivered through this controller.",
		}),
	}
	m.registry.MustRegister(m.FramesRx, m.FramesTx, m.FrameErrors,
		m.Slaves, m.AmpsInUse, m.MaxAmpsToDivide, m.KWhDelivered)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
