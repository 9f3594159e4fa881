package utils

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var CasesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_cases_created_total",
	Help: "Number of cases persisted",
}, []string{"action"})

var CasesDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_cases_deduplicated_total",
	Help: "Number of case reports matched to an existing case",
}, []string{"action", "match"})

var CasesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_cases_skipped_total",
	Help: "Number of case reports skipped because the actor is automation",
}, []string{"action"})

var ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_reconcile_outcomes_total",
	Help: "Outcomes of reconciliation attempts by loop",
}, []string{"loop", "outcome"})

var TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "modlog_tick_duration_sec",
	Help: "Duration of scheduler ticks",
}, []string{"loop"})

var AuditFlagsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modlog_audit_flags_total",
	Help: "Number of new audit flags stored",
}, []string{"flag"})

// MetricsHandler serves the default prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
