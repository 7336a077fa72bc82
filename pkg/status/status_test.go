package status

import (
	"net"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/hostlet-sh/hostlet/pkg/bridge"
	"github.com/hostlet-sh/hostlet/pkg/podstage"
)

func TestBuildStatus_PendingStagesAreAlwaysPending(t *testing.T) {
	for _, stage := range []podstage.Stage{podstage.Registered, podstage.Installing, podstage.Rendering, podstage.Creating, podstage.Starting} {
		in := StatusInput{Stage: stage, RestartPolicy: corev1.RestartPolicyAlways, Now: time.Now()}
		got := BuildStatus(in)
		if got.Phase != corev1.PodPending {
			t.Errorf("stage %v: phase = %v, want Pending", stage, got.Phase)
		}
	}
}

func TestBuildStatus_RunningHeldPendingDuringGrace(t *testing.T) {
	now := time.Now()
	in := StatusInput{
		Stage:         podstage.Running,
		RestartPolicy: corev1.RestartPolicyAlways,
		Containers: []ContainerRuntimeState{
			{Name: "app", ActiveState: bridge.ActiveStateActive, BecameRunningAt: now.Add(-2 * time.Second)},
		},
		Now:          now,
		RunningGrace: 10 * time.Second,
	}
	got := BuildStatus(in)
	if got.Phase != corev1.PodPending {
		t.Errorf("phase = %v, want Pending (still within grace window)", got.Phase)
	}

	in.Now = now.Add(11 * time.Second)
	got = BuildStatus(in)
	if got.Phase != corev1.PodRunning {
		t.Errorf("phase = %v, want Running (grace window elapsed)", got.Phase)
	}
}

func TestBuildStatus_ReadyTrueOnlyWhenAllContainersRunning(t *testing.T) {
	now := time.Now()
	in := StatusInput{
		Stage:         podstage.Running,
		RestartPolicy: corev1.RestartPolicyAlways,
		Containers: []ContainerRuntimeState{
			{Name: "app", ActiveState: bridge.ActiveStateActive, BecameRunningAt: now.Add(-time.Minute)},
			{Name: "sidecar", ActiveState: bridge.ActiveStateActivating},
		},
		Now: now,
	}
	got := BuildStatus(in)
	if got.Phase == corev1.PodRunning {
		t.Fatalf("phase should not be Running while sidecar is still activating")
	}
	for _, c := range got.Conditions {
		if c.Type == corev1.PodReady && c.Status != corev1.ConditionFalse {
			t.Errorf("Ready condition = %v, want False", c.Status)
		}
	}
}

func TestBuildStatus_NeverPolicy_AnyFailureIsFailed(t *testing.T) {
	now := time.Now()
	in := StatusInput{
		Stage:         podstage.Running,
		RestartPolicy: corev1.RestartPolicyNever,
		Containers: []ContainerRuntimeState{
			{Name: "app", ActiveState: bridge.ActiveStateInactive, Result: "success", StartedAt: now.Add(-time.Minute), FinishedAt: now},
			{Name: "sidecar", ActiveState: bridge.ActiveStateFailed, Result: "exit-code", StartedAt: now.Add(-time.Minute), FinishedAt: now},
		},
		Now: now,
	}
	got := BuildStatus(in)
	if got.Phase != corev1.PodFailed {
		t.Errorf("phase = %v, want Failed", got.Phase)
	}
}

func TestBuildStatus_NeverPolicy_AllSucceededIsSucceeded(t *testing.T) {
	now := time.Now()
	in := StatusInput{
		Stage:         podstage.Running,
		RestartPolicy: corev1.RestartPolicyNever,
		Containers: []ContainerRuntimeState{
			{Name: "app", ActiveState: bridge.ActiveStateInactive, Result: "success", StartedAt: now.Add(-time.Minute), FinishedAt: now},
		},
		Now: now,
	}
	got := BuildStatus(in)
	if got.Phase != corev1.PodSucceeded {
		t.Errorf("phase = %v, want Succeeded", got.Phase)
	}
}

func TestBuildStatus_OnFailurePolicy_FailingContainerStaysRunning(t *testing.T) {
	now := time.Now()
	in := StatusInput{
		Stage:         podstage.Running,
		RestartPolicy: corev1.RestartPolicyOnFailure,
		Containers: []ContainerRuntimeState{
			{Name: "app", ActiveState: bridge.ActiveStateActivating},
		},
		Now: now,
	}
	got := BuildStatus(in)
	if got.Phase != corev1.PodPending && got.Phase != corev1.PodRunning {
		t.Errorf("phase = %v, want Pending or Running (still retrying, not terminal)", got.Phase)
	}
	if got.Phase == corev1.PodFailed || got.Phase == corev1.PodSucceeded {
		t.Errorf("phase = %v, OnFailure must not go terminal while the unit keeps restarting", got.Phase)
	}
}

func TestBuildStatus_HostIPAndPodIP(t *testing.T) {
	in := StatusInput{
		Stage:  podstage.Registered,
		HostIP: net.ParseIP("10.0.0.5"),
		PodIP:  net.ParseIP("10.1.2.3"),
		Now:    time.Now(),
	}
	got := BuildStatus(in)
	if got.HostIP != "10.0.0.5" {
		t.Errorf("HostIP = %q, want 10.0.0.5", got.HostIP)
	}
	if got.PodIP != "10.1.2.3" {
		t.Errorf("PodIP = %q, want 10.1.2.3", got.PodIP)
	}
	if len(got.PodIPs) != 1 || got.PodIPs[0].IP != "10.1.2.3" {
		t.Errorf("PodIPs = %+v, want single entry 10.1.2.3", got.PodIPs)
	}
}

func TestBuildStatus_ContainerStatusesSortedByName(t *testing.T) {
	in := StatusInput{
		Stage: podstage.Running,
		Containers: []ContainerRuntimeState{
			{Name: "zeta", ActiveState: bridge.ActiveStateActive},
			{Name: "alpha", ActiveState: bridge.ActiveStateActive},
		},
		Now: time.Now(),
	}
	got := BuildStatus(in)
	if len(got.ContainerStatuses) != 2 {
		t.Fatalf("len(ContainerStatuses) = %d, want 2", len(got.ContainerStatuses))
	}
	if got.ContainerStatuses[0].Name != "alpha" || got.ContainerStatuses[1].Name != "zeta" {
		t.Errorf("ContainerStatuses order = %v, want [alpha zeta]", got.ContainerStatuses)
	}
}

func TestBuildStatus_TerminatedContainerState(t *testing.T) {
	now := time.Now()
	in := StatusInput{
		Stage:         podstage.Running,
		RestartPolicy: corev1.RestartPolicyOnFailure,
		Containers: []ContainerRuntimeState{
			{Name: "app", ActiveState: bridge.ActiveStateFailed, Result: "exit-code", StartedAt: now.Add(-time.Minute), FinishedAt: now},
		},
		Now: now,
	}
	got := BuildStatus(in)
	cs := got.ContainerStatuses[0]
	if cs.State.Terminated == nil {
		t.Fatal("expected Terminated container state")
	}
	if cs.State.Terminated.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", cs.State.Terminated.ExitCode)
	}
}

func TestStatusAnnotations_FeatureFlags(t *testing.T) {
	got := StatusAnnotations(true, false)
	if got["hostlet.sh/unit-logs"] != "true" {
		t.Errorf("expected unit-logs annotation when FeatureLogs is true")
	}
	if _, ok := got["hostlet.sh/restart-count"]; ok {
		t.Errorf("did not expect restart-count annotation when FeatureRestartCount is false")
	}
}

func TestBuildStatus_IsPureFunction(t *testing.T) {
	now := time.Now()
	in := StatusInput{
		Stage:         podstage.Running,
		RestartPolicy: corev1.RestartPolicyAlways,
		Containers: []ContainerRuntimeState{
			{Name: "app", ActiveState: bridge.ActiveStateActive, BecameRunningAt: now.Add(-time.Hour)},
		},
		Now: now,
	}
	a := BuildStatus(in)
	b := BuildStatus(in)
	if a.Phase != b.Phase || a.HostIP != b.HostIP || len(a.ContainerStatuses) != len(b.ContainerStatuses) {
		t.Errorf("BuildStatus is not pure: %+v != %+v", a, b)
	}
}
