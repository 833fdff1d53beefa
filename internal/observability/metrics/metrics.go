package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for the booking and sweep flows.
type SchedulingMetrics struct {
	bookingsTotal    *prometheus.CounterVec
	claimConflicts   prometheus.Counter
	bookingLatency   prometheus.Histogram
	sweepRuns        *prometheus.CounterVec
	sweepTransitions *prometheus.CounterVec
	remindersSent    *prometheus.CounterVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "requests_total",
			Help:      "Total booking requests by outcome",
		}, []string{"outcome"}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "claim_conflicts_total",
			Help:      "Slot claims lost to a concurrent booking",
		}),
		bookingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "latency_seconds",
			Help:      "Latency of booking requests",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Sweep executions by sweep name and status",
		}, []string{"sweep", "status"}),
		sweepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "sweep",
			Name:      "transitions_total",
			Help:      "Appointment status transitions applied by sweeps",
		}, []string{"sweep"}),
		remindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reminder",
			Name:      "sent_total",
			Help:      "Reminder notifications dispatched by tier",
		}, []string{"tier"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.claimConflicts, m.bookingLatency, m.sweepRuns, m.sweepTransitions, m.remindersSent)
	return m
}

func (m *SchedulingMetrics) ObserveBooking(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
	m.bookingLatency.Observe(seconds)
}

func (m *SchedulingMetrics) ObserveClaimConflict() {
	if m == nil {
		return
	}
	m.claimConflicts.Inc()
}

func (m *SchedulingMetrics) ObserveSweep(sweep, status string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(sweep, status).Inc()
}

func (m *SchedulingMetrics) ObserveSweepTransition(sweep string) {
	if m == nil {
		return
	}
	m.sweepTransitions.WithLabelValues(sweep).Inc()
}

func (m *SchedulingMetrics) ObserveReminder(tier string) {
	if m == nil {
		return
	}
	m.remindersSent.WithLabelValues(tier).Inc()
}
