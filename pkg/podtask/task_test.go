package podtask

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/hostlet-sh/hostlet/pkg/bridge"
	"github.com/hostlet-sh/hostlet/pkg/podstage"
	"github.com/hostlet-sh/hostlet/pkg/registry"
	"github.com/hostlet-sh/hostlet/pkg/status"
	"github.com/hostlet-sh/hostlet/pkg/store"
)

type fakeInstaller struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeInstaller) Ensure(ctx context.Context, fetcher store.Fetcher, product, version string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, product+"@"+version)
	return "/opt/hostlet/pkg/" + product + "-" + version, nil
}

type unitCall struct {
	op   string
	name string
}

type fakeBridge struct {
	mu                  sync.Mutex
	calls               []unitCall
	featureLogs         bool
	featureRestartCount bool
}

func (f *fakeBridge) record(op, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, unitCall{op, name})
}

func (f *fakeBridge) InstallUnit(ctx context.Context, name, body string) error {
	f.record("install", name)
	return nil
}
func (f *fakeBridge) Enable(ctx context.Context, name string) error {
	f.record("enable", name)
	return nil
}
func (f *fakeBridge) Disable(ctx context.Context, name string) error {
	f.record("disable", name)
	return nil
}
func (f *fakeBridge) Start(ctx context.Context, name string) (string, error) {
	f.record("start", name)
	return "done", nil
}
func (f *fakeBridge) Stop(ctx context.Context, name string) (string, error) {
	f.record("stop", name)
	return "done", nil
}
func (f *fakeBridge) Remove(ctx context.Context, name string) error {
	f.record("remove", name)
	return nil
}
func (f *fakeBridge) FeatureLogs() bool         { return f.featureLogs }
func (f *fakeBridge) FeatureRestartCount() bool { return f.featureRestartCount }

func (f *fakeBridge) opsFor(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ops []string
	for _, c := range f.calls {
		if c.name == name {
			ops = append(ops, c.op)
		}
	}
	return ops
}

type fakeStatusWriter struct {
	mu      sync.Mutex
	patches [][]byte
}

func (f *fakeStatusWriter) PatchStatus(ctx context.Context, namespace, name string, patch []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch)
	return nil
}

func (f *fakeStatusWriter) patchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

func testPod(uid, namespace, name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name, UID: types.UID(uid)},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers: []corev1.Container{
				{Name: "app", Image: "app:1.0"},
			},
		},
	}
}

func testDeps(t *testing.T) (Dependencies, *fakeInstaller, *fakeBridge, *fakeStatusWriter) {
	t.Helper()
	installer := &fakeInstaller{}
	br := &fakeBridge{}
	sw := &fakeStatusWriter{}
	reg := registry.New(func(pod *corev1.Pod) (chan<- registry.Event, func()) { return nil, func() {} }, func(pod *corev1.Pod, reason string) {}, 10)
	return Dependencies{
		Store:        installer,
		Fetcher:      noopFetcher{},
		Bridge:       br,
		Coalescer:    status.NewCoalescer(),
		StatusWriter: sw,
		Registry:     reg,
		ConfigDir:    t.TempDir(),
		DataDir:      t.TempDir(),
		LogDir:       t.TempDir(),
		NodeName:     "node-1",
		User:         "hostlet",
	}, installer, br, sw
}

type fakeConfigMapFetcher struct {
	data map[string]map[string]string
}

func (f *fakeConfigMapFetcher) FetchConfigMap(ctx context.Context, namespace, name string) (map[string]string, error) {
	data, ok := f.data[namespace+"/"+name]
	if !ok {
		return nil, fmt.Errorf("config map %s/%s not found", namespace, name)
	}
	return data, nil
}

type noopFetcher struct{}

func (noopFetcher) ResolveAndFetch(ctx context.Context, product, version string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func TestReconcile_InstallsAndStartsEveryContainer(t *testing.T) {
	deps, installer, br, sw := testDeps(t)
	pod := testPod("uid-1", "default", "web")
	task := New(pod, deps)

	if err := task.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile() error = %v", err)
	}

	if len(installer.calls) != 1 || installer.calls[0] != "app@1.0" {
		t.Errorf("installer.calls = %v, want [app@1.0]", installer.calls)
	}

	name := "default-web-app.service"
	ops := br.opsFor(name)
	want := []string{"install", "enable", "start"}
	if len(ops) != len(want) {
		t.Fatalf("ops for %s = %v, want %v", name, ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("ops[%d] = %s, want %s", i, ops[i], want[i])
		}
	}

	if sw.patchCount() == 0 {
		t.Error("expected at least one status patch to be written during reconcile")
	}

	task.mu.Lock()
	stage := task.stage
	task.mu.Unlock()
	if stage != podstage.Running {
		t.Errorf("stage = %v, want Running", stage)
	}
}

func TestReconcile_RendersReferencedConfigMaps(t *testing.T) {
	deps, _, _, _ := testDeps(t)
	deps.ConfigMaps = &fakeConfigMapFetcher{
		data: map[string]map[string]string{
			"default/web-config": {
				"app.conf": "node={{ .NodeName }}\n",
			},
		},
	}

	pod := testPod("uid-1", "default", "web")
	pod.Spec.Volumes = []corev1.Volume{
		{
			Name: "config",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: "web-config"},
					Items: []corev1.KeyToPath{
						{Key: "app.conf", Path: "conf/app.conf"},
					},
				},
			},
		},
	}
	task := New(pod, deps)

	if err := task.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile() error = %v", err)
	}

	runDirs, err := filepath.Glob(filepath.Join(deps.ConfigDir, "default", "web", "*"))
	if err != nil || len(runDirs) != 1 {
		t.Fatalf("expected exactly one run directory, got %v (err %v)", runDirs, err)
	}

	rendered, err := os.ReadFile(filepath.Join(runDirs[0], "conf", "app.conf"))
	if err != nil {
		t.Fatalf("read rendered config map file: %v", err)
	}
	if got := string(rendered); got != "node=node-1\n" {
		t.Errorf("rendered app.conf = %q, want %q", got, "node=node-1\n")
	}
}

func TestReconcile_CreatesDataAndLogDirectories(t *testing.T) {
	deps, _, _, _ := testDeps(t)
	pod := testPod("uid-1", "default", "web")
	task := New(pod, deps)

	if err := task.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile() error = %v", err)
	}

	for _, dir := range []string{
		filepath.Join(deps.DataDir, "default", "web"),
		filepath.Join(deps.LogDir, "default", "web"),
	} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist, stat err = %v", dir, err)
		}
	}
}

func TestTerminate_StopsAndRemovesEveryContainer(t *testing.T) {
	deps, _, br, _ := testDeps(t)
	pod := testPod("uid-1", "default", "web")
	task := New(pod, deps)

	if err := task.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile() error = %v", err)
	}

	done := task.terminate(context.Background())
	if !done {
		t.Fatal("terminate() should report teardown complete")
	}

	name := "default-web-app.service"
	ops := br.opsFor(name)
	foundStop, foundRemove := false, false
	for _, op := range ops {
		if op == "stop" {
			foundStop = true
		}
		if op == "remove" {
			foundRemove = true
		}
	}
	if !foundStop || !foundRemove {
		t.Errorf("ops for %s = %v, want stop and remove present", name, ops)
	}

	task.mu.Lock()
	stage := task.stage
	task.mu.Unlock()
	if stage != podstage.Terminated {
		t.Errorf("stage = %v, want Terminated", stage)
	}
}

func TestHandleUnitEvent_TracksRunningState(t *testing.T) {
	deps, _, _, sw := testDeps(t)
	pod := testPod("uid-1", "default", "web")
	task := New(pod, deps)

	before := sw.patchCount()
	task.handleUnitEvent(context.Background(), bridge.Event{
		Unit:        "default-web-app.service",
		ActiveState: bridge.ActiveStateActive,
	})

	task.mu.Lock()
	cs := *task.containers["app"]
	task.mu.Unlock()

	if cs.ActiveState != bridge.ActiveStateActive {
		t.Errorf("ActiveState = %v, want Active", cs.ActiveState)
	}
	if cs.BecameRunningAt.IsZero() {
		t.Error("expected BecameRunningAt to be set")
	}
	if sw.patchCount() <= before {
		t.Error("expected handleUnitEvent to emit a status patch")
	}
}

func TestRun_DeletionEventTerminatesAndReturns(t *testing.T) {
	deps, _, br, _ := testDeps(t)
	pod := testPod("uid-1", "default", "web")
	task := New(pod, deps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		task.Run(ctx)
		close(runDone)
	}()

	task.Mailbox() <- registry.Event{Type: registry.EventDelete, Pod: pod}

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after a delete event")
	}

	if ops := br.opsFor("default-web-app.service"); len(ops) == 0 {
		t.Error("expected unit operations to have been issued before teardown")
	}
}

