package supervisor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gosvd/gosvd/internal/procinfo"
)

// MetricsCollector exposes the state of every supervised process as
// Prometheus gauges/counters. It never enforces resource limits; it
// only *reports* usage it reads from /proc via internal/procinfo.
type MetricsCollector struct {
	registry *prometheus.Registry

	ProcessState   *prometheus.GaugeVec
	ProcessBackoff *prometheus.GaugeVec
	ProcessStarts  *prometheus.CounterVec
	ProcessRSS     *prometheus.GaugeVec
	ProcessThreads *prometheus.GaugeVec
	BufferLength   *prometheus.GaugeVec
}

func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	c := &MetricsCollector{
		registry: reg,
		ProcessState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gosvd_process_state",
			Help: "Current state of a managed process (numeric ProcessState code).",
		}, []string{"name", "group"}),
		ProcessBackoff: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gosvd_process_backoff",
			Help: "Consecutive failed starts in the current failure streak.",
		}, []string{"name"}),
		ProcessStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gosvd_process_starts_total",
			Help: "Total number of spawn attempts for a process.",
		}, []string{"name"}),
		ProcessRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gosvd_process_rss_bytes",
			Help: "Resident memory of a managed process, sampled from /proc.",
		}, []string{"name"}),
		ProcessThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gosvd_process_threads",
			Help: "Thread count of a managed process, sampled from /proc.",
		}, []string{"name"}),
		BufferLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gosvd_listener_buffer_length",
			Help: "Current length of an event listener pool's FIFO buffer.",
		}, []string{"pool"}),
	}

	reg.MustRegister(
		c.ProcessState,
		c.ProcessBackoff,
		c.ProcessStarts,
		c.ProcessRSS,
		c.ProcessThreads,
		c.BufferLength,
	)
	return c
}

func (c *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Sample updates every gauge for one group's processes. Called once
// per outer-loop tick, after Transition.
func (c *MetricsCollector) Sample(groupName string, processes []*Subprocess) {
	for _, p := range processes {
		c.ProcessState.WithLabelValues(p.Name(), groupName).Set(float64(p.State()))
		c.ProcessBackoff.WithLabelValues(p.Name()).Set(float64(p.Backoff()))

		if pid := p.PID(); pid != 0 {
			if sample, err := procinfo.Read(pid); err == nil {
				c.ProcessRSS.WithLabelValues(p.Name()).Set(float64(sample.VmRSSKB) * 1024)
				c.ProcessThreads.WithLabelValues(p.Name()).Set(float64(sample.Threads))
			}
		}
	}
}

// RecordSpawn increments the start counter; cmd/gosvd's run calls it
// from a bus subscriber on every transition into STARTING.
func (c *MetricsCollector) RecordSpawn(name string) {
	c.ProcessStarts.WithLabelValues(name).Inc()
}

// SampleBuffer records an event listener pool's current FIFO depth.
func (c *MetricsCollector) SampleBuffer(pool *EventListenerPool) {
	c.BufferLength.WithLabelValues(pool.Name()).Set(float64(pool.BufferLen()))
}
