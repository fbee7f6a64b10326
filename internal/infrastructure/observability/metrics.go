package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry           *prometheus.Registry
	ActiveTunnels      prometheus.Gauge
	TransferBytesTotal *prometheus.CounterVec
	TransfersTotal     *prometheus.CounterVec
	RecordingJobsTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bastion",
			Name:      "active_tunnels",
			Help:      "Number of live guacd control channels",
		}),
		TransferBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion",
			Name:      "transfer_bytes_total",
			Help:      "File bytes moved over control channels",
		}, []string{"direction"}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion",
			Name:      "transfers_total",
			Help:      "Completed transfer streams by terminal status",
		}, []string{"direction", "status"}),
		RecordingJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion",
			Name:      "recording_jobs_total",
			Help:      "Recording jobs by terminal status",
		}, []string{"status"}),
	}
	r.MustRegister(m.ActiveTunnels, m.TransferBytesTotal, m.TransfersTotal, m.RecordingJobsTotal)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
