package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerdrivectl",
			Subsystem: "controller",
			Name:      "commands_total",
			Help:      "Lifecycle commands by action and result (ok, error, busy).",
		}, []string{"service", "action", "result"},
	)
	statusQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerdrivectl",
			Subsystem: "controller",
			Name:      "status_queries_total",
			Help:      "Status oracle queries by result.",
		}, []string{"service", "result"},
	)
	settlePolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerdrivectl",
			Subsystem: "controller",
			Name:      "settle_polls_total",
			Help:      "Settle-poll runs by outcome (settled, timeout, canceled, skipped).",
		}, []string{"service", "outcome"},
	)
	currentStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peerdrivectl",
			Subsystem: "controller",
			Name:      "current_status",
			Help:      "Last observed status (1 for the held token, 0 otherwise).",
		}, []string{"service", "status"},
	)
	logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerdrivectl",
			Subsystem: "logstream",
			Name:      "lines_total",
			Help:      "Log lines appended to the session buffer.",
		}, []string{"service"},
	)
	logDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerdrivectl",
			Subsystem: "logstream",
			Name:      "events_dropped_total",
			Help:      "Log events discarded by the subscriber filter, by reason.",
		}, []string{"service", "reason"},
	)
	flagsOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerdrivectl",
			Subsystem: "flags",
			Name:      "operations_total",
			Help:      "Startup-flags loads and saves by result.",
		}, []string{"service", "op", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{commands, statusQueries, settlePolls, currentStatus, logLines, logDropped, flagsOps}
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCommand(service, action, result string) {
	if regOK.Load() {
		commands.WithLabelValues(service, action, result).Inc()
	}
}

func IncStatusQuery(service string, ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		statusQueries.WithLabelValues(service, result).Inc()
	}
}

func IncSettlePoll(service, outcome string) {
	if regOK.Load() {
		settlePolls.WithLabelValues(service, outcome).Inc()
	}
}

// SetCurrentStatus flips the gauge from the previous token to the new one.
func SetCurrentStatus(service, prev, next string) {
	if !regOK.Load() {
		return
	}
	if prev != "" && prev != next {
		currentStatus.WithLabelValues(service, prev).Set(0)
	}
	currentStatus.WithLabelValues(service, next).Set(1)
}

func IncLogLine(service string) {
	if regOK.Load() {
		logLines.WithLabelValues(service).Inc()
	}
}

func IncLogDropped(service, reason string) {
	if regOK.Load() {
		logDropped.WithLabelValues(service, reason).Inc()
	}
}

func IncFlagsOp(service, op string, ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		flagsOps.WithLabelValues(service, op, result).Inc()
	}
}
