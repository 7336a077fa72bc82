/*
Copyright 2026 The Hostlet Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-logr/zapr"
	"github.com/heptiolabs/healthcheck"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"

	"github.com/hostlet-sh/hostlet/pkg/bootstrap"
	"github.com/hostlet-sh/hostlet/pkg/bridge"
	"github.com/hostlet-sh/hostlet/pkg/cleanup"
	"github.com/hostlet-sh/hostlet/pkg/config"
	"github.com/hostlet-sh/hostlet/pkg/health"
	"github.com/hostlet-sh/hostlet/pkg/kubepod"
	"github.com/hostlet-sh/hostlet/pkg/metrics"
	"github.com/hostlet-sh/hostlet/pkg/noderegistration"
	"github.com/hostlet-sh/hostlet/pkg/podtask"
	"github.com/hostlet-sh/hostlet/pkg/registry"
	"github.com/hostlet-sh/hostlet/pkg/repository"
	"github.com/hostlet-sh/hostlet/pkg/signals"
	"github.com/hostlet-sh/hostlet/pkg/status"
	"github.com/hostlet-sh/hostlet/pkg/store"
	"github.com/hostlet-sh/hostlet/pkg/version"
)

const (
	maxPodsPerNode           = 110
	unitSubscriptionInterval = 2 * time.Second
	resolutionCacheTTL       = 5 * time.Minute
	installInactivityTimeout = 2 * time.Minute
)

func main() {
	setupLogging()

	opts, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		klog.Fatalf("configuration error: %v", err)
	}

	v := version.Get()
	klog.Infof("hostlet %s starting", v.String())

	ctx := signals.SetupSignalHandler()

	if err := run(ctx, opts, v); err != nil {
		klog.Errorf("exiting: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *config.Options, v version.Info) error {
	bootstrap.WarnIfExpiringSoon(opts.ServerCertFile)

	restCfg, err := bootstrap.ClusterConfig(opts.BootstrapFile, opts.Kubeconfig)
	if err != nil {
		return fmt.Errorf("resolve cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("build cluster client: %w", err)
	}
	recorder := buildEventRecorder(client)

	nodeName := opts.Hostname
	if nodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		nodeName = hostname
	}

	bindIP, err := resolveBindIP(opts.ServerBindIP)
	if err != nil {
		return fmt.Errorf("resolve server bind address: %w", err)
	}

	tags, err := parseTags(opts.Tags)
	if err != nil {
		return fmt.Errorf("parse --tag values: %w", err)
	}

	if err := noderegistration.Register(ctx, client, noderegistration.Options{
		NodeName:       nodeName,
		PodCIDR:        opts.PodCIDR,
		BindIP:         bindIP,
		KubeletVersion: v.String(),
		Tags:           tags,
	}); err != nil {
		return fmt.Errorf("register node: %w", err)
	}

	scope := bridge.ScopeSystem
	if opts.Session != "" && opts.Session != "system" {
		scope = bridge.ScopeSession
	}
	br, err := bridge.New(ctx, scope)
	if err != nil {
		return fmt.Errorf("connect to service manager: %w", err)
	}
	defer br.Close()

	fetcher, err := buildFetcher(ctx, opts)
	if err != nil {
		return fmt.Errorf("build repository index: %w", err)
	}
	pkgStore, err := store.New(opts.PackageDirectory, installInactivityTimeout)
	if err != nil {
		return fmt.Errorf("open package store: %w", err)
	}

	managerVersion := detectManagerVersion(br)
	metricsCollection := metrics.New()
	metricsCollection.MustRegister(prometheus.DefaultRegisterer)

	deps := podtask.Dependencies{
		Store:          pkgStore,
		Fetcher:        fetcher,
		Bridge:         br,
		Coalescer:      status.NewCoalescer(),
		StatusWriter:   kubepod.StatusWriter{Client: client},
		ManagerVersion: managerVersion,
		Metrics:        metricsCollection,
		ConfigMaps:     kubepod.ConfigMapFetcher{Client: client},
		ConfigDir:      opts.ConfigDirectory,
		DataDir:        opts.DataDirectory,
		LogDir:         opts.LogDirectory,
		NodeName:       nodeName,
		HostIP:         bindIP,
		User:           "",
	}

	// The registry wires every pod's task lazily; tasks tracks active
	// tasks so unit events from the bridge's single shared subscription can
	// be routed to the owner by unit-name prefix.
	tasks := newTaskIndex()
	reg := registry.New(
		func(pod *corev1.Pod) (chan<- registry.Event, func()) {
			t := podtask.New(pod, deps)
			taskCtx, cancel := context.WithCancel(ctx)
			tasks.add(t)
			go func() {
				defer cancel()
				defer tasks.remove(t)
				t.Run(taskCtx)
			}()
			return t.Mailbox(), cancel
		},
		func(pod *corev1.Pod, reason string) {
			metricsCollection.RejectedPods.Inc()
			klog.Warningf("rejected pod %s/%s: %s", pod.Namespace, pod.Name, reason)
			recorder.Event(pod, corev1.EventTypeWarning, "PodRejected", reason)
		},
		maxPodsPerNode,
	)
	deps.Registry = reg

	livePods, err := listLivePods(ctx, client, nodeName)
	if err != nil {
		return fmt.Errorf("list live pods for cleanup: %w", err)
	}
	result, err := cleanup.Run(ctx, br, br, livePods, metricsCollection)
	if err != nil {
		return fmt.Errorf("startup cleanup: %w", err)
	}
	klog.Infof("cleanup: removed %d orphaned units, %d failures", len(result.Removed), len(result.Failed))

	informer := buildPodInformer(client, nodeName, reg)

	unitEvents := br.Subscribe(ctx, unitSubscriptionInterval)
	go routeUnitEvents(ctx, unitEvents, tasks)

	var g run.Group
	{
		srv := buildHTTPServer(opts, client)
		g.Add(func() error {
			return srv.ListenAndServe()
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	{
		informerCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			informer.Run(informerCtx.Done())
			return errors.New("pod informer stopped")
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(func() error {
			<-ctx.Done()
			return ctx.Err()
		}, func(error) {})
	}

	return g.Run()
}

// setupLogging backs klog with a zap logger through the go-logr bridge,
// giving client-go components that take a logr.Logger by interface (the
// event broadcaster below) the same structured output as klog itself.
func setupLogging() {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		klog.Warningf("zap logger init failed, falling back to klog's own output: %v", err)
		return
	}
	klog.SetLogger(zapr.NewLogger(zapLogger))
}

// buildEventRecorder returns a recorder that writes Kubernetes Events
// against this node's pods, used to make admission rejections (the 110-pod
// cap, a malformed spec) visible via "kubectl describe pod" instead of
// only this agent's own logs.
func buildEventRecorder(client kubernetes.Interface) record.EventRecorder {
	broadcaster := record.NewBroadcaster()
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{Interface: client.CoreV1().Events(metav1.NamespaceAll)})
	return broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: "hostlet"})
}

func resolveBindIP(configured string) (net.IP, error) {
	if configured != "" {
		ip := net.ParseIP(configured)
		if ip == nil {
			return nil, fmt.Errorf("invalid --server-bind-ip %q", configured)
		}
		return ip, nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("enumerate network interfaces: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, errors.New("no non-loopback interface address found")
}

func parseTags(tags []string) (map[string]string, error) {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		k, v, ok := splitTag(t)
		if !ok {
			return nil, fmt.Errorf("malformed --tag value %q, want key=value", t)
		}
		out[k] = v
	}
	return out, nil
}

func splitTag(tag string) (key, value string, ok bool) {
	for i := 0; i < len(tag); i++ {
		if tag[i] == '=' {
			return tag[:i], tag[i+1:], true
		}
	}
	return "", "", false
}

func buildFetcher(ctx context.Context, opts *config.Options) (*repository.Index, error) {
	// The repository list is not configurable: the index always holds a
	// single plain-HTTP backend at the fixed URL below, so the agent needs
	// no S3 credentials.
	backend := repository.NewHTTPBackend("default", "http://127.0.0.1:8080/packages", nil)
	return repository.NewIndex([]repository.Backend{backend}, resolutionCacheTTL), nil
}

func detectManagerVersion(br *bridge.Bridge) *semver.Version {
	// The bridge already detected and cached the service-manager version
	// internally to compute FeatureLogs/FeatureRestartCount; the task
	// state machine only needs a version for unit-template gating, so a
	// conservative floor avoids re-exporting the bridge's internal type.
	if br.FeatureRestartCount() {
		return semver.MustParse("235.0.0")
	}
	if br.FeatureLogs() {
		return semver.MustParse("232.0.0")
	}
	return semver.MustParse("230.0.0")
}

func listLivePods(ctx context.Context, client kubernetes.Interface, nodeName string) ([]cleanup.PodKey, error) {
	list, err := client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", nodeName).String(),
	})
	if err != nil {
		return nil, err
	}
	keys := make([]cleanup.PodKey, 0, len(list.Items))
	for _, pod := range list.Items {
		keys = append(keys, cleanup.PodKey{Namespace: pod.Namespace, Name: pod.Name})
	}
	return keys, nil
}

func buildPodInformer(client kubernetes.Interface, nodeName string, reg *registry.Registry) cache.SharedIndexInformer {
	selector := fields.OneTermEqualSelector("spec.nodeName", nodeName).String()
	lw := &cache.ListWatch{
		ListFunc: func(lo metav1.ListOptions) (runtime.Object, error) {
			lo.FieldSelector = selector
			return client.CoreV1().Pods(metav1.NamespaceAll).List(context.Background(), lo)
		},
		WatchFunc: func(lo metav1.ListOptions) (watch.Interface, error) {
			lo.FieldSelector = selector
			return client.CoreV1().Pods(metav1.NamespaceAll).Watch(context.Background(), lo)
		},
	}
	informer := cache.NewSharedIndexInformer(lw, &corev1.Pod{}, 0, cache.Indexers{})
	informer.AddEventHandler(reg)
	return informer
}

func routeUnitEvents(ctx context.Context, events <-chan bridge.Event, tasks *taskIndex) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			tasks.dispatch(ev)
		case <-ctx.Done():
			return
		}
	}
}

func buildHTTPServer(opts *config.Options, client kubernetes.Interface) *http.Server {
	h := healthcheck.NewHandler()
	h.AddReadinessCheck("cluster-api", health.ClusterAPIReachable(client, 5*time.Second))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/live", h.LiveEndpoint)
	mux.HandleFunc("/ready", h.ReadyEndpoint)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.ServerPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
