// Package cleanup runs on startup, before the pod registry begins
// accepting events, and removes any unit this agent installed for a pod
// that no longer exists in the cluster snapshot taken at the same
// moment, so a pod deleted while the agent was down does not leave its
// containers running forever.
package cleanup

import (
	"context"
	"strings"

	"k8s.io/klog/v2"

	"github.com/hostlet-sh/hostlet/pkg/metrics"
	"github.com/hostlet-sh/hostlet/pkg/unit"
)

// Lister enumerates the unit names this agent currently has installed.
// Implemented by *bridge.Bridge.
type Lister interface {
	ListInstalledUnitNames() ([]string, error)
}

// Remover tears one unit down. Implemented by *bridge.Bridge.
type Remover interface {
	Stop(ctx context.Context, name string) (string, error)
	Remove(ctx context.Context, name string) error
}

// PodKey identifies a pod by namespace and name, enough to compute the
// unit-name prefix it owns.
type PodKey struct {
	Namespace string
	Name      string
}

// Result summarizes one reconciliation pass.
type Result struct {
	Removed []string
	Failed  map[string]error
}

// Run lists every installed unit, computes which ones belong to a pod
// absent from livePods, and stops+removes each orphan. A single unit's
// failure is logged and recorded in Failed; it never aborts the rest of
// the pass or the caller's startup sequence.
func Run(ctx context.Context, lister Lister, remover Remover, livePods []PodKey, m *metrics.Collection) (Result, error) {
	installed, err := lister.ListInstalledUnitNames()
	if err != nil {
		return Result{}, err
	}

	prefixes := make([]string, 0, len(livePods))
	for _, pod := range livePods {
		prefixes = append(prefixes, unit.PodPrefix(pod.Namespace, pod.Name))
	}

	result := Result{Failed: make(map[string]error)}
	for _, name := range installed {
		if hasAnyPrefix(name, prefixes) {
			continue
		}

		klog.Infof("cleanup: removing orphaned unit %s (no matching pod in cluster snapshot)", name)
		if _, err := remover.Stop(ctx, name); err != nil {
			klog.Warningf("cleanup: stop %s failed, attempting removal anyway: %v", name, err)
		}
		if err := remover.Remove(ctx, name); err != nil {
			klog.Warningf("cleanup: remove %s failed, leaving it in place: %v", name, err)
			result.Failed[name] = err
			if m != nil {
				m.CleanupFailures.Inc()
			}
			continue
		}
		result.Removed = append(result.Removed, name)
		if m != nil {
			m.CleanupUnitsRemoved.Inc()
		}
	}
	return result, nil
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
