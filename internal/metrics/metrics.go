package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "alarmd_"

	ResultSuccess = "success"
	ResultError   = "error"
)

// Recorder collects alarm daemon counters. A nil *Recorder is valid and
// records nothing, so components can be built without metrics in tests.
type Recorder struct {
	gatherer prometheus.Gatherer

	notificationsScheduled *prometheus.CounterVec
	scheduleFailures       *prometheus.CounterVec
	notificationsCancelled *prometheus.CounterVec
	activations            *prometheus.CounterVec
	userActions            *prometheus.CounterVec
	probeRuns              *prometheus.CounterVec
	persistenceWrites      *prometheus.CounterVec
}

// New registers the daemon collectors with reg. When reg is nil a private
// registry is created.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Recorder{
		notificationsScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_scheduled_total",
				Help: "Total notification requests registered by purpose",
			},
			[]string{"purpose"},
		),
		scheduleFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notification_schedule_failures_total",
				Help: "Total notification requests the notification center rejected by purpose",
			},
			[]string{"purpose"},
		),
		notificationsCancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_cancelled_total",
				Help: "Total notifications removed by state",
			},
			[]string{"state"},
		),
		activations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_activations_total",
				Help: "Total alarms moved to the firing state by kind",
			},
			[]string{"kind"},
		),
		userActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "user_actions_total",
				Help: "Total snooze and dismiss actions by result",
			},
			[]string{"action", "result"},
		),
		probeRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "probe_runs_total",
				Help: "Total recovery probe runs by outcome",
			},
			[]string{"outcome"},
		),
		persistenceWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "persistence_writes_total",
				Help: "Total alarm store writes by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		r.notificationsScheduled,
		r.scheduleFailures,
		r.notificationsCancelled,
		r.activations,
		r.userActions,
		r.probeRuns,
		r.persistenceWrites,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		r.gatherer = g
	}
	return r
}

// Handler exposes the registry the recorder was registered with.
func (r *Recorder) Handler() http.Handler {
	if r == nil || r.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) NotificationScheduled(purpose string) {
	if r == nil {
		return
	}
	r.notificationsScheduled.WithLabelValues(purpose).Inc()
}

func (r *Recorder) ScheduleFailed(purpose string) {
	if r == nil {
		return
	}
	r.scheduleFailures.WithLabelValues(purpose).Inc()
}

// NotificationsCancelled adds n removals for state ("pending" or "delivered").
func (r *Recorder) NotificationsCancelled(state string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.notificationsCancelled.WithLabelValues(state).Add(float64(n))
}

func (r *Recorder) AlarmActivated(kind string) {
	if r == nil {
		return
	}
	r.activations.WithLabelValues(kind).Inc()
}

func (r *Recorder) UserAction(action string, err error) {
	if r == nil {
		return
	}
	r.userActions.WithLabelValues(action, result(err)).Inc()
}

func (r *Recorder) ProbeRun(outcome string) {
	if r == nil {
		return
	}
	r.probeRuns.WithLabelValues(outcome).Inc()
}

func (r *Recorder) PersistenceWrite(err error) {
	if r == nil {
		return
	}
	r.persistenceWrites.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
