package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ns        = "behaviortrack"
	subsystem = "tracker"

	LabelEventType = "event_type"
	LabelReason    = "reason"
	LabelKind      = "kind"
	LabelFinal     = "final"
	LabelSeverity  = "severity"

	ReasonNoIdentity = "no_identity"
	ReasonClosed     = "closed"
)

// Metrics instruments the pipeline. Delivery outcomes are not counted
// here: the delivery layer is fire-and-forget and reports nothing back.
type Metrics struct {
	EventsSent       *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	BatchFlushes     *prometheus.CounterVec
	ProblemsDetected *prometheus.CounterVec
	HintsDisplayed   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		EventsSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "events_sent_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of envelopes handed to the delivery layer, by event type.",
		}, []string{LabelEventType}),
		EventsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "events_dropped_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of candidate events dropped before delivery, by reason.",
		}, []string{LabelReason}),
		BatchFlushes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "batch_flushes_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of buffer flushes, by buffer kind and whether the flush was a final end-of-session drain.",
		}, []string{LabelKind, LabelFinal}),
		ProblemsDetected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "problems_detected_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of repeated-struggle episodes detected, by severity.",
		}, []string{LabelSeverity}),
		HintsDisplayed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hints_displayed_total", Namespace: ns, Subsystem: subsystem,
			Help: "The number of proactive hints published to the UI.",
		}),
	}
}
