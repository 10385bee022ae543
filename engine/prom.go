package engine

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	FramesRead    *prometheus.CounterVec
	FramesWritten *prometheus.CounterVec
	BytesRead     *prometheus.CounterVec
	BytesWritten  *prometheus.CounterVec
	ActiveEngines *prometheus.GaugeVec
	Teardowns     *prometheus.CounterVec
}

func init() {
	prom.FramesRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ttrpc",
		Subsystem: "engine",
		Name:      "frames_read_total",
		Help:      "frames decoded from the wire, per engine variant and message type",
	}, []string{"variant", "type"})
	prom.FramesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ttrpc",
		Subsystem: "engine",
		Name:      "frames_written_total",
		Help:      "frames written to the wire, per engine variant and message type",
	}, []string{"variant", "type"})
	prom.BytesRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ttrpc",
		Subsystem: "engine",
		Name:      "bytes_read_total",
		Help:      "frame bytes (header and payload) decoded from the wire",
	}, []string{"variant"})
	prom.BytesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ttrpc",
		Subsystem: "engine",
		Name:      "bytes_written_total",
		Help:      "frame bytes (header and payload) written to the wire",
	}, []string{"variant"})
	prom.ActiveEngines = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ttrpc",
		Subsystem: "engine",
		Name:      "active_connections",
		Help:      "connection engines currently running",
	}, []string{"variant"})
	prom.Teardowns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ttrpc",
		Subsystem: "engine",
		Name:      "teardowns_total",
		Help:      "connection teardowns, per engine variant and cause",
	}, []string{"variant", "cause"})
	prometheus.MustRegister(
		prom.FramesRead,
		prom.FramesWritten,
		prom.BytesRead,
		prom.BytesWritten,
		prom.ActiveEngines,
		prom.Teardowns,
	)
}
