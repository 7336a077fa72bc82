// Package podtask implements the per-pod state machine: one Task per
// pod, driving it through Registered -> Installing -> Rendering ->
// Creating -> Starting -> Running -> Terminating -> Terminated, wiring
// together the package store, repository index, config renderer, unit
// builder, and service-manager bridge for every container the pod
// declares, and feeding the result to the status projector.
package podtask

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"

	"github.com/hostlet-sh/hostlet/pkg/agenterrors"
	"github.com/hostlet-sh/hostlet/pkg/bridge"
	"github.com/hostlet-sh/hostlet/pkg/metrics"
	"github.com/hostlet-sh/hostlet/pkg/podstage"
	"github.com/hostlet-sh/hostlet/pkg/registry"
	"github.com/hostlet-sh/hostlet/pkg/render"
	"github.com/hostlet-sh/hostlet/pkg/status"
	"github.com/hostlet-sh/hostlet/pkg/store"
	"github.com/hostlet-sh/hostlet/pkg/unit"
)

// RunningGrace is the settle delay the status projector holds before
// advancing a fully-running pod's phase.
const RunningGrace = 10 * time.Second

// Installer resolves and installs one container's package locally. The
// caller supplies a store.Fetcher (the repository index) bound ahead of
// time so Task never imports repository backend code.
type Installer interface {
	Ensure(ctx context.Context, fetcher store.Fetcher, product, version string) (string, error)
}

// UnitManager is the subset of *bridge.Bridge a task drives directly.
type UnitManager interface {
	InstallUnit(ctx context.Context, name, body string) error
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	Start(ctx context.Context, name string) (string, error)
	Stop(ctx context.Context, name string) (string, error)
	Remove(ctx context.Context, name string) error
	FeatureLogs() bool
	FeatureRestartCount() bool
}

// StatusWriter applies a JSON merge patch to a pod's status subresource.
type StatusWriter interface {
	PatchStatus(ctx context.Context, namespace, name string, patch []byte) error
}

// ConfigMapFetcher resolves the data of one config map by name, for the
// config maps a pod's volumes reference.
type ConfigMapFetcher interface {
	FetchConfigMap(ctx context.Context, namespace, name string) (map[string]string, error)
}

// Dependencies are the collaborators a Task needs, shared across every pod
// on the node.
type Dependencies struct {
	Store          Installer
	Fetcher        store.Fetcher
	Bridge         UnitManager
	Coalescer      *status.Coalescer
	StatusWriter   StatusWriter
	Registry       *registry.Registry
	ManagerVersion *semver.Version
	// Metrics is optional; a nil Metrics disables instrumentation, which
	// keeps Task usable in tests that don't care about it.
	Metrics *metrics.Collection
	// ConfigMaps is optional; a nil ConfigMaps skips config-map rendering
	// entirely, which keeps Task usable in tests that don't care about it.
	ConfigMaps ConfigMapFetcher

	ConfigDir string
	DataDir   string
	LogDir    string
	NodeName  string
	HostIP    net.IP
	User      string
}

// Task owns one pod's entire lifecycle. Create it with New, then run it
// on its own goroutine with Run; feed it pod events through Mailbox and
// unit state-change events through UnitEvents.
type Task struct {
	deps Dependencies

	// runID identifies one Task instance in logs, so a pod that gets
	// deleted and recreated under the same namespace/name doesn't leave
	// its old and new task's log lines indistinguishable.
	runID string

	mailbox    chan registry.Event
	unitEvents chan bridge.Event

	mu         sync.Mutex
	pod        *corev1.Pod
	stage      podstage.Stage
	containers map[string]*status.ContainerRuntimeState
}

// New constructs a Task for pod. Callers wrap it in a
// registry.TaskFactory that returns Mailbox() plus a stop function, and
// immediately call Run on a new goroutine.
func New(pod *corev1.Pod, deps Dependencies) *Task {
	t := &Task{
		deps:       deps,
		runID:      uuid.NewString(),
		mailbox:    make(chan registry.Event, 16),
		unitEvents: make(chan bridge.Event, 16),
		pod:        pod.DeepCopy(),
		stage:      podstage.Registered,
		containers: make(map[string]*status.ContainerRuntimeState),
	}
	for _, c := range pod.Spec.Containers {
		t.containers[c.Name] = &status.ContainerRuntimeState{Name: c.Name}
	}
	return t
}

// Mailbox returns the channel pod events are delivered on.
func (t *Task) Mailbox() chan<- registry.Event { return t.mailbox }

// UnitEvents returns the channel unit state-change events are delivered
// on; the caller (cmd/hostlet) is responsible for routing events from
// the shared bridge subscription to the owning task by unit name.
func (t *Task) UnitEvents() chan<- bridge.Event { return t.unitEvents }

// OwnsUnit reports whether name carries this pod's unit-name prefix, for
// the central dispatcher's routing table. The check is by prefix only: a
// unit of another pod whose name extends this pod's name (pod "web" and
// pod "web-x" in one namespace) also matches.
func (t *Task) OwnsUnit(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := unit.PodPrefix(t.pod.Namespace, t.pod.Name)
	return strings.HasPrefix(name, prefix)
}

// Run drives the task to completion: it processes pod and unit events
// until the pod is deleted and every container unit has been torn down,
// then forgets itself from the registry and status coalescer and
// returns. Run returns when ctx is cancelled without finishing teardown;
// the caller decides whether that is a process shutdown (fine, units
// outlive the agent) or something to retry.
func (t *Task) Run(ctx context.Context) {
	uid := t.pod.UID
	defer t.deps.Registry.Forget(uid)
	defer t.deps.Coalescer.Forget(uid)
	if t.deps.Metrics != nil {
		t.deps.Metrics.ActivePods.Inc()
		defer t.deps.Metrics.ActivePods.Dec()
	}

	klog.V(2).Infof("pod %s/%s: starting task run %s", t.pod.Namespace, t.pod.Name, t.runID)

	if err := t.reconcile(ctx); err != nil {
		klog.Errorf("pod %s/%s: initial reconcile failed (run %s): %v", t.pod.Namespace, t.pod.Name, t.runID, err)
	}

	for {
		select {
		case ev, ok := <-t.mailbox:
			if !ok {
				return
			}
			if t.handlePodEvent(ctx, ev) {
				return
			}
		case ev, ok := <-t.unitEvents:
			if !ok {
				continue
			}
			t.handleUnitEvent(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// handlePodEvent processes one registry event and reports whether the
// task has fully torn down and should exit.
func (t *Task) handlePodEvent(ctx context.Context, ev registry.Event) bool {
	switch ev.Type {
	case registry.EventAdd, registry.EventUpdate:
		t.mu.Lock()
		t.pod = ev.Pod.DeepCopy()
		t.mu.Unlock()
		if ev.Pod.DeletionTimestamp != nil {
			return t.terminate(ctx)
		}
		if err := t.reconcile(ctx); err != nil {
			klog.Errorf("pod %s/%s: reconcile failed: %v", ev.Pod.Namespace, ev.Pod.Name, err)
		}
		return false
	case registry.EventDelete:
		return t.terminate(ctx)
	default:
		return false
	}
}

// reconcile drives the pod from wherever it is toward Running: installing
// each container's package, rendering its config, building and starting
// its unit. Every step checks ctx between I/O calls so a pod deletion
// mid-install cancels promptly rather than finishing a doomed start.
func (t *Task) reconcile(ctx context.Context) error {
	t.setStage(podstage.Installing)
	t.emitStatus(ctx)

	pod := t.snapshotPod()
	runDir := render.RunDir(t.deps.ConfigDir, pod.Namespace, pod.Name, time.Now())
	dataDir := filepath.Join(t.deps.DataDir, pod.Namespace, pod.Name)
	logDir := filepath.Join(t.deps.LogDir, pod.Namespace, pod.Name)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory for %s/%s: %w", pod.Namespace, pod.Name, err)
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log directory for %s/%s: %w", pod.Namespace, pod.Name, err)
	}

	if files, err := t.loadConfigMapFiles(ctx, pod); err != nil {
		return fmt.Errorf("load config maps for %s/%s: %w", pod.Namespace, pod.Name, err)
	} else if len(files) > 0 {
		configVars := render.Vars{
			PodName:      pod.Name,
			PodNamespace: pod.Namespace,
			PodUID:       string(pod.UID),
			PodIP:        net.ParseIP(pod.Status.PodIP),
			HostIP:       t.deps.HostIP,
			NodeName:     t.deps.NodeName,
			RunDir:       runDir,
			DataDir:      dataDir,
			LogDir:       logDir,
			Env:          mergedEnv(pod.Spec.Containers),
		}
		if _, err := render.Render(ctx, runDir, files, configVars); err != nil {
			return fmt.Errorf("render config maps for %s/%s: %w", pod.Namespace, pod.Name, err)
		}
	}

	for _, c := range pod.Spec.Containers {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", agenterrors.ErrPodCancelled, err)
		}

		product, version := splitImageRef(c.Image)
		installPath, err := t.deps.Store.Ensure(ctx, t.deps.Fetcher, product, version)
		if err != nil {
			t.bumpInstallError()
			return fmt.Errorf("install %s: %w", c.Name, err)
		}

		t.setStage(podstage.Rendering)
		t.emitStatus(ctx)

		env := envMap(c.Env)
		vars := render.Vars{
			PodName:      pod.Name,
			PodNamespace: pod.Namespace,
			PodUID:       string(pod.UID),
			PodIP:        net.ParseIP(pod.Status.PodIP),
			HostIP:       t.deps.HostIP,
			NodeName:     t.deps.NodeName,
			InstallPath:  installPath,
			RunDir:       runDir,
			DataDir:      dataDir,
			LogDir:       logDir,
			Env:          env,
		}
		envFile, err := render.RenderEnvFile(runDir, env, vars)
		if err != nil {
			return fmt.Errorf("render environment for %s: %w", c.Name, err)
		}

		t.setStage(podstage.Creating)
		t.emitStatus(ctx)

		execStart := c.Command
		if len(execStart) == 0 {
			manifest, err := store.ReadManifest(installPath)
			if err != nil {
				return fmt.Errorf("read manifest for %s: %w", c.Name, err)
			}
			if manifest != nil && manifest.Exec != "" {
				execStart = manifest.ExecStart(installPath)
			} else {
				execStart = []string{installPath}
			}
		}
		body, err := unit.Build(unit.Spec{
			Namespace:        pod.Namespace,
			PodName:          pod.Name,
			ContainerName:    c.Name,
			Description:      fmt.Sprintf("%s/%s/%s", pod.Namespace, pod.Name, c.Name),
			ExecStart:        strings.Join(execStart, " "),
			WorkingDirectory: installPath,
			EnvironmentFile:  envFile,
			User:             t.deps.User,
			RestartPolicy:    pod.Spec.RestartPolicy,
			GracePeriod:      terminationGrace(pod),
			ManagerVersion:   t.deps.ManagerVersion,
		})
		if err != nil {
			return fmt.Errorf("build unit for %s: %w", c.Name, err)
		}

		name := unit.Name(pod.Namespace, pod.Name, c.Name)
		if err := t.deps.Bridge.InstallUnit(ctx, name, body); err != nil {
			t.bumpUnitError()
			return fmt.Errorf("install unit %s: %w", name, err)
		}
		if err := t.deps.Bridge.Enable(ctx, name); err != nil {
			t.bumpUnitError()
			return fmt.Errorf("enable unit %s: %w", name, err)
		}

		t.setStage(podstage.Starting)
		t.emitStatus(ctx)

		if _, err := t.deps.Bridge.Start(ctx, name); err != nil {
			t.bumpUnitError()
			return fmt.Errorf("start unit %s: %w", name, err)
		}
	}

	t.setStage(podstage.Running)
	t.emitStatus(ctx)
	return nil
}

// terminate tears down every container unit regardless of the stage the
// pod was in: pod deletion always drives Terminating. It returns true
// once teardown is complete and Run should exit.
func (t *Task) terminate(ctx context.Context) bool {
	t.setStage(podstage.Terminating)
	t.emitStatus(ctx)

	pod := t.snapshotPod()
	for _, c := range pod.Spec.Containers {
		name := unit.Name(pod.Namespace, pod.Name, c.Name)
		if _, err := t.deps.Bridge.Stop(ctx, name); err != nil {
			klog.Warningf("pod %s/%s: stop unit %s failed, removing anyway: %v", pod.Namespace, pod.Name, name, err)
		}
		if err := t.deps.Bridge.Remove(ctx, name); err != nil {
			klog.Warningf("pod %s/%s: remove unit %s failed: %v", pod.Namespace, pod.Name, name, err)
		}
	}

	t.setStage(podstage.Terminated)
	t.emitStatus(ctx)
	klog.V(2).Infof("pod %s/%s: task run %s terminated", pod.Namespace, pod.Name, t.runID)
	return true
}

func (t *Task) handleUnitEvent(ctx context.Context, ev bridge.Event) {
	t.mu.Lock()
	containerName := containerNameForUnit(t.pod, ev.Unit)
	cs, ok := t.containers[containerName]
	if !ok {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	if ev.ActiveState == bridge.ActiveStateActive && cs.ActiveState != bridge.ActiveStateActive {
		cs.BecameRunningAt = now
		cs.StartedAt = now
	}
	if ev.ActiveState == bridge.ActiveStateInactive || ev.ActiveState == bridge.ActiveStateFailed {
		cs.FinishedAt = now
	}
	cs.ActiveState = ev.ActiveState
	cs.SubState = ev.SubState
	cs.Result = ev.Result
	t.mu.Unlock()

	t.emitStatus(ctx)
}

func (t *Task) bumpInstallError() {
	if t.deps.Metrics != nil {
		t.deps.Metrics.InstallErrors.Inc()
	}
}

func (t *Task) bumpUnitError() {
	if t.deps.Metrics != nil {
		t.deps.Metrics.UnitErrors.Inc()
	}
}

func (t *Task) setStage(stage podstage.Stage) {
	t.mu.Lock()
	t.stage = stage
	t.mu.Unlock()
	if t.deps.Metrics != nil {
		t.deps.Metrics.StageTransitions.WithLabelValues(stage.String()).Inc()
	}
}

func (t *Task) snapshotPod() *corev1.Pod {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pod.DeepCopy()
}

func (t *Task) emitStatus(ctx context.Context) {
	t.mu.Lock()
	pod := t.pod
	stage := t.stage
	containers := make([]status.ContainerRuntimeState, 0, len(t.containers))
	for _, c := range t.containers {
		containers = append(containers, *c)
	}
	t.mu.Unlock()

	in := status.StatusInput{
		Stage:               stage,
		RestartPolicy:       pod.Spec.RestartPolicy,
		Containers:          containers,
		HostIP:              t.deps.HostIP,
		PodIP:               net.ParseIP(pod.Status.PodIP),
		FeatureLogs:         t.deps.Bridge.FeatureLogs(),
		FeatureRestartCount: t.deps.Bridge.FeatureRestartCount(),
		Now:                 time.Now(),
		RunningGrace:        RunningGrace,
	}
	newStatus := status.BuildStatus(in)

	patch, ok, err := t.deps.Coalescer.Next(pod.UID, newStatus)
	if err != nil {
		klog.Errorf("pod %s/%s: compute status patch: %v", pod.Namespace, pod.Name, err)
		return
	}
	for ok {
		writeErr := t.deps.StatusWriter.PatchStatus(ctx, pod.Namespace, pod.Name, patch)
		if writeErr != nil {
			klog.Warningf("pod %s/%s: status patch failed: %v", pod.Namespace, pod.Name, writeErr)
			if t.deps.Metrics != nil {
				t.deps.Metrics.StatusErrors.Inc()
			}
		}
		patch, ok, err = t.deps.Coalescer.Done(pod.UID, newStatus, writeErr == nil)
		if err != nil {
			klog.Errorf("pod %s/%s: compute coalesced status patch: %v", pod.Namespace, pod.Name, err)
			return
		}
	}
}

// containerNameForUnit recovers which container a unit event belongs to
// by re-deriving every container's unit name; this avoids parsing the
// unit name back apart, which is lossy once names are sanitized.
func containerNameForUnit(pod *corev1.Pod, unitName string) string {
	for _, c := range pod.Spec.Containers {
		if unit.Name(pod.Namespace, pod.Name, c.Name) == unitName {
			return c.Name
		}
	}
	return ""
}

// splitImageRef splits a container image reference into the (product,
// version) pair the package store and repository index key installs by.
// A reference with no ":" tag uses "latest".
func splitImageRef(image string) (product, version string) {
	idx := strings.LastIndex(image, ":")
	if idx < 0 {
		return image, "latest"
	}
	// Guard against a registry host:port with no tag, e.g.
	// "registry.internal:5000/app".
	if strings.Contains(image[idx:], "/") {
		return image, "latest"
	}
	return image[:idx], image[idx+1:]
}

func envMap(env []corev1.EnvVar) map[string]string {
	out := make(map[string]string, len(env))
	for _, e := range env {
		out[e.Name] = e.Value
	}
	return out
}

// mergedEnv flattens every container's environment into one map, for
// config-map templates that are shared across the pod rather than scoped
// to a single container's own env file.
func mergedEnv(containers []corev1.Container) map[string]string {
	out := map[string]string{}
	for _, c := range containers {
		for _, e := range c.Env {
			out[e.Name] = e.Value
		}
	}
	return out
}

// loadConfigMapFiles resolves every config map pod.Spec.Volumes references
// into render.Files, honoring each volume's key-to-path mapping the way a
// ConfigMap volume mount would (skipped entirely if no ConfigMapFetcher was
// wired, so a pod with no config-map volumes costs nothing).
func (t *Task) loadConfigMapFiles(ctx context.Context, pod *corev1.Pod) ([]render.File, error) {
	if t.deps.ConfigMaps == nil {
		return nil, nil
	}

	sources := map[string]*corev1.ConfigMapVolumeSource{}
	var names []string
	for _, v := range pod.Spec.Volumes {
		if v.ConfigMap == nil {
			continue
		}
		if _, ok := sources[v.ConfigMap.Name]; !ok {
			names = append(names, v.ConfigMap.Name)
		}
		sources[v.ConfigMap.Name] = v.ConfigMap
	}
	sort.Strings(names)

	var files []render.File
	for _, name := range names {
		data, err := t.deps.ConfigMaps.FetchConfigMap(ctx, pod.Namespace, name)
		if err != nil {
			return nil, fmt.Errorf("config map %s: %w", name, err)
		}
		files = append(files, configMapFiles(data, sources[name])...)
	}
	return files, nil
}

// configMapFiles maps a config map's data to relative paths, preferring
// the volume's explicit key-to-path Items when given and falling back to
// the data key itself, matching how a ConfigMap volume mount lays out keys
// as files.
func configMapFiles(data map[string]string, src *corev1.ConfigMapVolumeSource) []render.File {
	paths := map[string]string{}
	if len(src.Items) > 0 {
		for _, item := range src.Items {
			paths[item.Key] = item.Path
		}
	} else {
		for key := range data {
			paths[key] = key
		}
	}

	files := make([]render.File, 0, len(paths))
	for key, path := range paths {
		value, ok := data[key]
		if !ok {
			continue
		}
		files = append(files, render.File{Path: path, Contents: []byte(value)})
	}
	return files
}

func terminationGrace(pod *corev1.Pod) time.Duration {
	if pod.Spec.TerminationGracePeriodSeconds == nil {
		return 30 * time.Second
	}
	return time.Duration(*pod.Spec.TerminationGracePeriodSeconds) * time.Second
}
