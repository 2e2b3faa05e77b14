package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reservation metrics
	ReservationsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guestkey_reservations",
			Help: "Number of reservations by status",
		},
		[]string{"status"},
	)

	// Reconciler metrics
	ReconcilePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestkey_reconcile_passes_total",
			Help: "Total number of reconciliation passes by result",
		},
		[]string{"result"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guestkey_reconcile_duration_seconds",
			Help:    "Reconciliation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CalendarFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestkey_calendar_fetches_total",
			Help: "Calendar fetches by source and result",
		},
		[]string{"source", "result"},
	)

	// Lock metrics
	LockCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestkey_lock_commands_total",
			Help: "Lock script invocations by command and result",
		},
		[]string{"command", "result"},
	)

	LockCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guestkey_lock_command_duration_seconds",
			Help:    "Lock script duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 180},
		},
		[]string{"command"},
	)

	// Orchestrator metrics
	ProvisionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guestkey_provision_failures_total",
			Help: "Reservations escalated to failed status",
		},
	)

	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestkey_alerts_total",
			Help: "Operator alerts by outcome (sent, suppressed, undelivered)",
		},
		[]string{"outcome"},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestkey_notifications_total",
			Help: "Notification sends by channel and result",
		},
		[]string{"channel", "result"},
	)

	// Scheduler metrics
	StageRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestkey_scheduler_stage_runs_total",
			Help: "Scheduled stage runs by stage and result",
		},
		[]string{"stage", "result"},
	)

	// Failover metrics
	HeartbeatAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guestkey_heartbeat_age_seconds",
			Help: "Age of the last primary heartbeat as seen by the watchdog",
		},
	)

	WatchdogActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guestkey_watchdog_active",
			Help: "Whether the standby pipeline is active (1 = active, 0 = dormant)",
		},
	)

	HeartbeatsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestkey_heartbeats_sent_total",
			Help: "Heartbeats sent by result",
		},
		[]string{"result"},
	)

	HeartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guestkey_heartbeats_received_total",
			Help: "Heartbeats accepted by the receiver",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestkey_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guestkey_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ReservationsByStatus)
	prometheus.MustRegister(ReconcilePasses)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(CalendarFetches)
	prometheus.MustRegister(LockCommandsTotal)
	prometheus.MustRegister(LockCommandDuration)
	prometheus.MustRegister(ProvisionFailures)
	prometheus.MustRegister(Alerts)
	prometheus.MustRegister(Notifications)
	prometheus.MustRegister(StageRuns)
	prometheus.MustRegister(HeartbeatAge)
	prometheus.MustRegister(WatchdogActive)
	prometheus.MustRegister(HeartbeatsSent)
	prometheus.MustRegister(HeartbeatsReceived)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer observes elapsed time into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on h.
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
