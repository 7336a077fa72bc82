// Package status projects a pod's lifecycle stage and per-container unit
// state into a Kubernetes PodStatus, and turns successive snapshots into
// coalesced JSON merge patches for the API server.
package status

import (
	"net"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/hostlet-sh/hostlet/pkg/bridge"
	"github.com/hostlet-sh/hostlet/pkg/podstage"
)

// ContainerRuntimeState is the latest known unit state for one container,
// as last reported by the service-manager bridge's subscription stream.
type ContainerRuntimeState struct {
	Name        string
	ActiveState bridge.ActiveState
	SubState    string
	Result      string

	// BecameRunningAt is when this container's unit was first observed
	// active; zero if it has never been active.
	BecameRunningAt time.Time
	// StartedAt/FinishedAt bound a terminated run; both zero if the
	// container has never exited.
	StartedAt  time.Time
	FinishedAt time.Time
}

func (c ContainerRuntimeState) succeeded() bool {
	return c.ActiveState == bridge.ActiveStateInactive && c.Result == "success"
}

func (c ContainerRuntimeState) failed() bool {
	return c.ActiveState == bridge.ActiveStateFailed ||
		(c.ActiveState == bridge.ActiveStateInactive && c.Result != "" && c.Result != "success")
}

func (c ContainerRuntimeState) terminated() bool {
	return c.succeeded() || c.failed()
}

// StatusInput is everything the projector needs to compute one PodStatus
// snapshot. It carries no hidden state: the same input always produces
// the same output, so 10-second debouncing of the Running transition must
// be driven by the caller holding the first-seen-running timestamp in
// Containers[i].BecameRunningAt (pkg/podtask owns that bookkeeping).
type StatusInput struct {
	Stage         podstage.Stage
	RestartPolicy corev1.RestartPolicy
	Containers    []ContainerRuntimeState
	HostIP        net.IP
	PodIP         net.IP

	FeatureLogs         bool
	FeatureRestartCount bool

	Now time.Time

	// RunningGrace is the delay the pod phase holds at Pending after every
	// container first became active, before advancing to Running. Zero
	// disables the delay.
	RunningGrace time.Duration
}

// BuildStatus computes a complete PodStatus from one snapshot of unit
// state. It is pure: calling it twice with the same input yields an
// identical result, field for field.
func BuildStatus(in StatusInput) corev1.PodStatus {
	containerStatuses := make([]corev1.ContainerStatus, 0, len(in.Containers))
	names := make([]string, 0, len(in.Containers))
	byName := make(map[string]ContainerRuntimeState, len(in.Containers))
	for _, c := range in.Containers {
		names = append(names, c.Name)
		byName[c.Name] = c
	}
	sort.Strings(names)

	for _, name := range names {
		c := byName[name]
		containerStatuses = append(containerStatuses, containerStatus(c, in.FeatureRestartCount))
	}

	phase := computePhase(in)
	ready := phase == corev1.PodRunning && allRunning(in.Containers)

	conditions := []corev1.PodCondition{
		{
			Type:               corev1.PodReady,
			Status:             boolToConditionStatus(ready),
			LastTransitionTime: metav1.NewTime(in.Now),
		},
	}

	annotations := map[string]string{}
	if in.FeatureLogs {
		annotations["hostlet.sh/unit-logs"] = "true"
	}
	if in.FeatureRestartCount {
		annotations["hostlet.sh/restart-count"] = "true"
	}

	status := corev1.PodStatus{
		Phase:             phase,
		Conditions:        conditions,
		ContainerStatuses: containerStatuses,
	}
	if in.HostIP != nil {
		status.HostIP = in.HostIP.String()
	}
	if in.PodIP != nil {
		status.PodIP = in.PodIP.String()
		status.PodIPs = []corev1.PodIP{{IP: in.PodIP.String()}}
	}
	return status
}

// StatusAnnotations returns the feature annotations for the given flags,
// for callers that patch annotations separately from status (the API
// server rejects status subresource writes that also touch metadata).
// BuildStatus does not include them in the PodStatus it returns.
func StatusAnnotations(featureLogs, featureRestartCount bool) map[string]string {
	out := map[string]string{}
	if featureLogs {
		out["hostlet.sh/unit-logs"] = "true"
	}
	if featureRestartCount {
		out["hostlet.sh/restart-count"] = "true"
	}
	return out
}

func containerStatus(c ContainerRuntimeState, featureRestartCount bool) corev1.ContainerStatus {
	cs := corev1.ContainerStatus{Name: c.Name}

	switch {
	case c.succeeded():
		cs.State = corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
			ExitCode:   0,
			Reason:     "Completed",
			StartedAt:  metav1.NewTime(c.StartedAt),
			FinishedAt: metav1.NewTime(c.FinishedAt),
		}}
	case c.failed():
		reason := "Error"
		message := c.Result
		if c.ActiveState == bridge.ActiveStateFailed {
			reason = "Failed"
		}
		cs.State = corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
			ExitCode:   1,
			Reason:     reason,
			Message:    message,
			StartedAt:  metav1.NewTime(c.StartedAt),
			FinishedAt: metav1.NewTime(c.FinishedAt),
		}}
	case c.ActiveState == bridge.ActiveStateActive:
		cs.Ready = true
		cs.State = corev1.ContainerState{Running: &corev1.ContainerStateRunning{
			StartedAt: metav1.NewTime(c.BecameRunningAt),
		}}
	default:
		cs.State = corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{
			Reason:  "ContainerCreating",
			Message: string(c.ActiveState),
		}}
	}

	if featureRestartCount {
		// The unit's own Restart= directive counts restarts internally;
		// this agent does not track a count separately, so it always
		// reports zero when the capability is advertised at all.
		cs.RestartCount = 0
	}
	return cs
}

// computePhase maps stage + restart policy + per-container state to a pod
// phase.
func computePhase(in StatusInput) corev1.PodPhase {
	if in.Stage.Pending() {
		return corev1.PodPending
	}

	switch in.Stage {
	case podstage.Terminating:
		return corev1.PodRunning
	case podstage.Failed:
		return corev1.PodFailed
	}

	allTerminated := len(in.Containers) > 0
	anyFailed := false
	allSucceeded := true
	for _, c := range in.Containers {
		if !c.terminated() {
			allTerminated = false
			allSucceeded = false
			continue
		}
		if c.failed() {
			anyFailed = true
			allSucceeded = false
		}
	}

	switch in.RestartPolicy {
	case corev1.RestartPolicyNever:
		if anyFailed {
			return corev1.PodFailed
		}
		if allTerminated && allSucceeded {
			return corev1.PodSucceeded
		}
	case corev1.RestartPolicyOnFailure:
		if allTerminated && allSucceeded {
			return corev1.PodSucceeded
		}
	}

	if in.Stage == podstage.Terminated {
		if anyFailed {
			return corev1.PodFailed
		}
		if allSucceeded {
			return corev1.PodSucceeded
		}
	}

	if !runningLongEnough(in) {
		return corev1.PodPending
	}
	return corev1.PodRunning
}

// runningLongEnough implements the 10-second settle delay: the pod phase
// only advances to Running once every container has been active for at
// least RunningGrace, so an early crash-loop surfaces before the phase
// transition rather than flapping Running/Pending.
func runningLongEnough(in StatusInput) bool {
	if in.RunningGrace <= 0 {
		return allRunning(in.Containers)
	}
	if !allRunning(in.Containers) {
		return false
	}
	for _, c := range in.Containers {
		if c.BecameRunningAt.IsZero() {
			return false
		}
		if in.Now.Sub(c.BecameRunningAt) < in.RunningGrace {
			return false
		}
	}
	return true
}

func allRunning(containers []ContainerRuntimeState) bool {
	if len(containers) == 0 {
		return false
	}
	for _, c := range containers {
		if c.ActiveState != bridge.ActiveStateActive {
			return false
		}
	}
	return true
}

func boolToConditionStatus(b bool) corev1.ConditionStatus {
	if b {
		return corev1.ConditionTrue
	}
	return corev1.ConditionFalse
}
