// Package metrics exposes shade state and controller activity to
// Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dokzlo13/shaded/internal/shade"
)

const namespace = "shaded"

// State is the shade state read at scrape time.
type State struct {
	Status       shade.Status
	SolarReady   bool
	DroppedTicks uint64
	QueueDepth   int
}

// StateFunc returns the current state. It must be safe to call from any
// goroutine.
type StateFunc func() State

// Metrics holds the registry and the counters updated by the controller and
// the transport.
type Metrics struct {
	registry *prometheus.Registry

	Commands      *prometheus.CounterVec
	ScheduleFires *prometheus.CounterVec
	SolarFetches  *prometheus.CounterVec
	Clients       prometheus.Gauge
	Persists      *prometheus.CounterVec
}

// New creates the metrics and registers the state collector.
func New(state StateFunc) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Client commands by command and result",
		}, []string{"cmd", "result"}),
		ScheduleFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fires_total",
			Help:      "Schedule rule firings by rule kind",
		}, []string{"kind"}),
		SolarFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solar_refresh_total",
			Help:      "Solar time refreshes by source or failure",
		}, []string{"result"}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Connected WebSocket clients",
		}),
		Persists: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_total",
			Help:      "Document writes by document and result",
		}, []string{"document", "result"}),
	}

	m.registry.MustRegister(
		m.Commands,
		m.ScheduleFires,
		m.SolarFetches,
		m.Clients,
		m.Persists,
		newStateCollector(state),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// stateCollector implements prometheus.Collector over a StateFunc
type stateCollector struct {
	state StateFunc

	percent      *prometheus.Desc
	target       *prometheus.Desc
	current      *prometheus.Desc
	travel       *prometheus.Desc
	calibration  *prometheus.Desc
	motion       *prometheus.Desc
	solarReady   *prometheus.Desc
	droppedTicks *prometheus.Desc
	queueDepth   *prometheus.Desc
}

func newStateCollector(state StateFunc) *stateCollector {
	return &stateCollector{
		state: state,
		percent: prometheus.NewDesc(
			namespace+"_shade_percent",
			"Target shade position in percent (0 open, 100 closed)",
			nil, nil,
		),
		target: prometheus.NewDesc(
			namespace+"_target_position_steps",
			"Target position in motor steps",
			nil, nil,
		),
		current: prometheus.NewDesc(
			namespace+"_current_position_steps",
			"Current position in motor steps",
			nil, nil,
		),
		travel: prometheus.NewDesc(
			namespace+"_travel_length_steps",
			"Calibrated travel length in motor steps",
			nil, nil,
		),
		calibration: prometheus.NewDesc(
			namespace+"_calibration_state",
			"Calibration status, 1 for the current state",
			[]string{"state"}, nil,
		),
		motion: prometheus.NewDesc(
			namespace+"_motion_state",
			"Motor activity, 1 for the current state",
			[]string{"state"}, nil,
		),
		solarReady: prometheus.NewDesc(
			namespace+"_solar_ready",
			"Whether today's sunrise and sunset are known",
			nil, nil,
		),
		droppedTicks: prometheus.NewDesc(
			namespace+"_clock_ticks_dropped_total",
			"Clock ticks dropped because the controller was busy",
			nil, nil,
		),
		queueDepth: prometheus.NewDesc(
			namespace+"_command_queue_depth",
			"Commands waiting for the controller",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.percent
	ch <- c.target
	ch <- c.current
	ch <- c.travel
	ch <- c.calibration
	ch <- c.motion
	ch <- c.solarReady
	ch <- c.droppedTicks
	ch <- c.queueDepth
}

// Collect implements prometheus.Collector
func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.state()
	cfg := s.Status.Config

	ch <- prometheus.MustNewConstMetric(c.percent, prometheus.GaugeValue, float64(cfg.ShadePercent))
	ch <- prometheus.MustNewConstMetric(c.target, prometheus.GaugeValue, float64(cfg.TargetPosition))
	ch <- prometheus.MustNewConstMetric(c.current, prometheus.GaugeValue, float64(s.Status.CurrentPosition))
	ch <- prometheus.MustNewConstMetric(c.travel, prometheus.GaugeValue, float64(cfg.TravelLength))

	for _, st := range []shade.Calibration{shade.Uncalibrated, shade.InProgress, shade.Calibrated} {
		ch <- prometheus.MustNewConstMetric(c.calibration, prometheus.GaugeValue, boolValue(cfg.Calibration == st), st.String())
	}
	for _, mo := range []shade.Motion{shade.Stopped, shade.MovingUp, shade.MovingDown, shade.Calibrating} {
		ch <- prometheus.MustNewConstMetric(c.motion, prometheus.GaugeValue, boolValue(s.Status.Motion == mo), mo.String())
	}

	ch <- prometheus.MustNewConstMetric(c.solarReady, prometheus.GaugeValue, boolValue(s.SolarReady))
	ch <- prometheus.MustNewConstMetric(c.droppedTicks, prometheus.CounterValue, float64(s.DroppedTicks))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.QueueDepth))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
