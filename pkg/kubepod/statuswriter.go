// Package kubepod adapts the real Kubernetes API to the narrow
// interfaces pkg/podtask depends on, so that package never imports
// client-go's clientset directly.
package kubepod

import (
	"context"
	"encoding/json"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

// ConfigMapFetcher reads a config map's data through the cluster API.
// Satisfies podtask.ConfigMapFetcher.
type ConfigMapFetcher struct {
	Client kubernetes.Interface
}

func (f ConfigMapFetcher) FetchConfigMap(ctx context.Context, namespace, name string) (map[string]string, error) {
	cm, err := f.Client.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return cm.Data, nil
}

// StatusWriter applies a pod status patch through the cluster API's
// status subresource. Satisfies podtask.StatusWriter.
type StatusWriter struct {
	Client kubernetes.Interface
}

func (w StatusWriter) PatchStatus(ctx context.Context, namespace, name string, patch []byte) error {
	_, err := w.Client.CoreV1().Pods(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{}, "status")
	return err
}

// AnnotationWriter applies the feature annotations pkg/status computes
// (hostlet.sh/unit-logs, hostlet.sh/restart-count) through a metadata
// patch, kept separate from StatusWriter because the status subresource
// cannot touch metadata.
type AnnotationWriter struct {
	Client kubernetes.Interface
}

func (w AnnotationWriter) PatchAnnotations(ctx context.Context, namespace, name string, annotations map[string]string) error {
	// A literal map, not a marshaled corev1.Pod: the latter's zero-valued
	// Spec fields would merge into the live object and wipe it out, since
	// JSON merge patch treats every present key as authoritative.
	body, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"annotations": annotations},
	})
	if err != nil {
		return err
	}
	_, err = w.Client.CoreV1().Pods(namespace).Patch(ctx, name, types.MergePatchType, body, metav1.PatchOptions{})
	return err
}
