package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"printerstatus/internal/status"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "printerstatus",
			Subsystem: "opcua",
			Name:      "connected",
			Help:      "1 while the printer snapshot reports a live connection.",
		},
	)
	nodeLamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "printerstatus",
			Subsystem: "node",
			Name:      "lamp",
			Help:      "Current lamp per monitored node (1 = active lamp).",
		}, []string{"node", "lamp"},
	)
	updates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printerstatus",
			Subsystem: "opcua",
			Name:      "updates_total",
			Help:      "Signals received from the printer by kind (data, keepalive).",
		}, []string{"kind"},
	)
	connectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "printerstatus",
			Subsystem: "opcua",
			Name:      "connect_attempts_total",
			Help:      "Session dial attempts made by the watcher.",
		},
	)
	disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "printerstatus",
			Subsystem: "opcua",
			Name:      "disconnects_total",
			Help:      "Transitions to disconnected by cause.",
		}, []string{"cause"},
	)
	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "printerstatus",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Status stream consumers currently attached.",
		},
	)
)

var lamps = []status.Lamp{status.LampOK, status.LampWarning, status.LampError, status.LampUnknown}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{connected, nodeLamp, updates, connectAttempts, disconnects, streamSubscribers}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register succeeded.

func IncUpdate(kind string) {
	if regOK.Load() {
		updates.WithLabelValues(kind).Inc()
	}
}

func IncConnectAttempt() {
	if regOK.Load() {
		connectAttempts.Inc()
	}
}

func IncDisconnect(cause string) {
	if regOK.Load() {
		disconnects.WithLabelValues(cause).Inc()
	}
}

func SetStreamSubscribers(n int) {
	if regOK.Load() {
		streamSubscribers.Set(float64(n))
	}
}

// ObserveSnapshot mirrors a snapshot into the connection and lamp gauges.
func ObserveSnapshot(s status.Snapshot) {
	if !regOK.Load() {
		return
	}
	if s.Connected {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
	for _, n := range s.Nodes {
		for _, l := range lamps {
			v := 0.0
			if n.Status == l {
				v = 1
			}
			nodeLamp.WithLabelValues(n.Name, string(l)).Set(v)
		}
	}
}
