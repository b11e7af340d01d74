package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	JobsCreated     prometheus.Counter
	JobsFinished    *prometheus.CounterVec
	TasksDispatched *prometheus.CounterVec
	TaskFailures    *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	UsersProcessed  *prometheus.CounterVec
	MessagesPurged  prometheus.Counter
	CounterRetries  prometheus.Counter
	BusyWorkers     prometheus.Gauge
}

// NewMetrics registers the service metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "message_recall_jobs_created_total",
			Help: "Total number of recall jobs created",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "message_recall_jobs_finished_total",
			Help: "Total number of recall jobs that reached Done, by outcome",
		}, []string{"outcome"}),
		TasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "message_recall_tasks_dispatched_total",
			Help: "Total number of queued tasks handed to a worker",
		}, []string{"target"}),
		TaskFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "message_recall_task_failures_total",
			Help: "Total number of queued tasks that returned an error",
		}, []string{"target"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "message_recall_task_duration_seconds",
			Help:    "Time spent running queued tasks",
			Buckets: prometheus.DefBuckets,
		}, []string{"target"}),
		UsersProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "message_recall_users_processed_total",
			Help: "Total number of mailboxes processed, by final user state",
		}, []string{"state"}),
		MessagesPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "message_recall_messages_purged_total",
			Help: "Total number of mailboxes where the message was verified purged",
		}),
		CounterRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "message_recall_counter_retries_total",
			Help: "Total number of retried sharded counter transactions",
		}),
		BusyWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "message_recall_dispatcher_busy_workers",
			Help: "Number of dispatcher worker slots currently running a task",
		}),
	}
}
