package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry 独立注册表，避免污染 prometheus.DefaultRegisterer（测试中可重复构造执行器）
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	GroupsCreated = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "atomicexec",
		Name:      "groups_created_total",
		Help:      "Atomic groups created.",
	})
	GroupTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atomicexec",
		Name:      "group_transitions_total",
		Help:      "Persisted group state transitions by target status.",
	}, []string{"status"})
	ExecuteDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "atomicexec",
		Name:      "execute_duration_seconds",
		Help:      "Wall time of Execute by final status.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"status"})
	OrdersPlaced = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atomicexec",
		Name:      "orders_placed_total",
		Help:      "Orders sent to the broker by kind (forward|rollback) and result.",
	}, []string{"kind", "result"})
	PersistenceFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "atomicexec",
		Name:      "persistence_failures_total",
		Help:      "Failed durable writes.",
	})
	AlertsEmitted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atomicexec",
		Name:      "alerts_emitted_total",
		Help:      "Operator alerts by kind.",
	}, []string{"kind"})
	CreationHalted = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "atomicexec",
		Name:      "creation_halted",
		Help:      "1 while new group creation is halted.",
	})
	GroupsRecovered = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atomicexec",
		Name:      "groups_recovered_total",
		Help:      "Groups resolved by startup recovery, by status found on disk.",
	}, []string{"from"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
