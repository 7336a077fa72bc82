// Package metrics registers the agent's prometheus collectors, constructed
// once at startup with zero-value defaults set so every unlabeled series
// shows up immediately rather than only after its first observation. The
// labeled stage-transition series appear only once a stage is reached.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "hostlet_"

// Collection holds every metric the agent exports. cmd/hostlet
// constructs one Collection, registers it, and hands its fields to the
// packages that produce the underlying events (pkg/registry,
// pkg/podtask, pkg/cleanup).
type Collection struct {
	ActivePods    prometheus.Gauge
	RejectedPods  prometheus.Counter
	InstallErrors prometheus.Counter
	UnitErrors    prometheus.Counter
	StatusErrors  prometheus.Counter

	StageTransitions    *prometheus.CounterVec
	CleanupUnitsRemoved prometheus.Counter
	CleanupFailures     prometheus.Counter
}

// New builds a Collection with every unlabeled series initialized to its
// zero value. StageTransitions is not pre-initialized: each stage label
// appears after its first transition.
func New() *Collection {
	c := &Collection{
		ActivePods: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: namespace + "active_pods",
			Help: "Number of pods this agent currently has a task for.",
		}),
		RejectedPods: prometheus.NewCounter(prometheus.CounterOpts{
			Name: namespace + "rejected_pods_total",
			Help: "Total pods rejected at admission because the node's pod cap was reached.",
		}),
		InstallErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: namespace + "install_errors_total",
			Help: "Total package install failures across all pods.",
		}),
		UnitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: namespace + "unit_errors_total",
			Help: "Total service-manager unit operation failures across all pods.",
		}),
		StatusErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: namespace + "status_patch_errors_total",
			Help: "Total pod status patch write failures.",
		}),
		StageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: namespace + "stage_transitions_total",
			Help: "Total pod lifecycle stage transitions, labeled by the stage reached.",
		}, []string{"stage"}),
		CleanupUnitsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: namespace + "cleanup_units_removed_total",
			Help: "Total orphaned units removed by the startup cleanup reconciler.",
		}),
		CleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: namespace + "cleanup_failures_total",
			Help: "Total orphaned units the cleanup reconciler failed to remove.",
		}),
	}

	c.ActivePods.Set(0)
	c.RejectedPods.Add(0)
	c.InstallErrors.Add(0)
	c.UnitErrors.Add(0)
	c.StatusErrors.Add(0)
	c.CleanupUnitsRemoved.Add(0)
	c.CleanupFailures.Add(0)
	return c
}

// MustRegister registers every collector in c against reg, panicking on a
// duplicate registration (a programmer error, not a runtime condition).
func (c *Collection) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.ActivePods,
		c.RejectedPods,
		c.InstallErrors,
		c.UnitErrors,
		c.StatusErrors,
		c.StageTransitions,
		c.CleanupUnitsRemoved,
		c.CleanupFailures,
	)
}
