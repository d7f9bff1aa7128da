package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "clusternode"

var (
    once sync.Once

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "is_leader",
        Help:      "1 if this node is the leader, else 0",
    })

    LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader change events",
    })

    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "join_requests_total",
        Help:      "Total join requests handled by this node",
    }, []string{"result"})

    // Persisted cluster state
    StateTerm = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "state",
        Name:      "term",
        Help:      "Term of the last persisted cluster state",
    })
    StateVersion = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "state",
        Name:      "version",
        Help:      "Version of the last persisted cluster state",
    })
    StateVoters = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "state",
        Name:      "voters",
        Help:      "Size of the last committed voting configuration",
    })
    StateIndices = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "state",
        Name:      "indices",
        Help:      "Number of indices in the persisted metadata",
    })
    StatePersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "state",
        Name:      "persist_errors_total",
        Help:      "Total number of failed cluster state writes",
    })

    // Offline recovery commands
    RecoveryRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "recovery",
        Name:      "runs_total",
        Help:      "Recovery command runs by action and outcome",
    }, []string{"action", "result"})
    RecoveryStageSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Namespace: namespace,
        Subsystem: "recovery",
        Name:      "stage_seconds",
        Help:      "Time spent in each recovery stage",
        Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
    }, []string{"stage"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(IsLeader)
        prometheus.MustRegister(LeaderChanges)
        prometheus.MustRegister(JoinRequests)
        prometheus.MustRegister(StateTerm)
        prometheus.MustRegister(StateVersion)
        prometheus.MustRegister(StateVoters)
        prometheus.MustRegister(StateIndices)
        prometheus.MustRegister(StatePersistErrors)
        prometheus.MustRegister(RecoveryRuns)
        prometheus.MustRegister(RecoveryStageSeconds)
    })
}
