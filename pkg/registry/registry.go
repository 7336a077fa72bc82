// Package registry is an in-memory index of active pods keyed by UID,
// dispatching add/update/delete events to the owning pod task in order,
// filtering out updates that only touch status fields this agent itself
// writes.
package registry

import (
	"reflect"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"
)

// EventType distinguishes the three event shapes a pod task receives.
type EventType int

const (
	EventAdd EventType = iota
	EventUpdate
	EventDelete
)

// Event is one routed pod event, delivered in order per UID.
type Event struct {
	Type EventType
	Pod  *corev1.Pod
}

// TaskFactory spawns the owning task for a newly seen pod and returns a
// mailbox to send its events to, plus a stop function for the task. The
// Registry keeps only the mailbox and never calls stop itself.
type TaskFactory func(pod *corev1.Pod) (mailbox chan<- Event, stop func())

// RejectFunc is invoked instead of spawning a task when admitting pod
// would exceed maxPods; the caller surfaces this as a pod-visible
// rejection rather than silently dropping the event.
type RejectFunc func(pod *corev1.Pod, reason string)

// Registry implements cache.ResourceEventHandler, routing events from a
// client-go informer to per-pod mailboxes.
type Registry struct {
	mu        sync.Mutex
	mailboxes map[types.UID]chan<- Event
	lastSeen  map[types.UID]*corev1.Pod
	factory   TaskFactory
	reject    RejectFunc
	maxPods   int
}

// New builds a Registry that spawns tasks via factory and enforces
// maxPods at admission time, invoking reject for anything beyond it.
func New(factory TaskFactory, reject RejectFunc, maxPods int) *Registry {
	return &Registry{
		mailboxes: make(map[types.UID]chan<- Event),
		lastSeen:  make(map[types.UID]*corev1.Pod),
		factory:   factory,
		reject:    reject,
		maxPods:   maxPods,
	}
}

// OnAdd implements cache.ResourceEventHandler.
func (r *Registry) OnAdd(obj any, isInInitialList bool) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.mailboxes[pod.UID]; exists {
		return
	}
	if len(r.mailboxes) >= r.maxPods {
		klog.Warningf("rejecting pod %s/%s: node pod capacity (%d) exceeded", pod.Namespace, pod.Name, r.maxPods)
		r.reject(pod, "node pod capacity exceeded")
		return
	}

	mailbox, _ := r.factory(pod)
	r.mailboxes[pod.UID] = mailbox
	r.lastSeen[pod.UID] = pod
	r.send(pod.UID, Event{Type: EventAdd, Pod: pod})
}

// OnUpdate implements cache.ResourceEventHandler. Updates that change
// only fields the agent itself owns (status) are filtered out to avoid a
// feedback loop with the status projector.
func (r *Registry) OnUpdate(oldObj, newObj any) {
	oldPod, ok := oldObj.(*corev1.Pod)
	if !ok {
		return
	}
	newPod, ok := newObj.(*corev1.Pod)
	if !ok {
		return
	}

	if statusOnlyChange(oldPod, newPod) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.mailboxes[newPod.UID]; !exists {
		// Not tracked yet (e.g. delivered after a registry restart before
		// the cleanup reconciler finished); treat as an add.
		if len(r.mailboxes) >= r.maxPods {
			r.reject(newPod, "node pod capacity exceeded")
			return
		}
		mailbox, _ := r.factory(newPod)
		r.mailboxes[newPod.UID] = mailbox
		r.lastSeen[newPod.UID] = newPod
		r.send(newPod.UID, Event{Type: EventAdd, Pod: newPod})
		return
	}

	r.lastSeen[newPod.UID] = newPod
	r.send(newPod.UID, Event{Type: EventUpdate, Pod: newPod})
}

// OnDelete implements cache.ResourceEventHandler.
func (r *Registry) OnDelete(obj any) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			pod, ok = tombstone.Obj.(*corev1.Pod)
			if !ok {
				return
			}
		} else {
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.mailboxes[pod.UID]; !exists {
		return
	}
	r.send(pod.UID, Event{Type: EventDelete, Pod: pod})
}

// Forget removes a pod's mailbox once its task has fully terminated. Task
// implementations call this directly when their run ends.
func (r *Registry) Forget(uid types.UID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mailboxes, uid)
	delete(r.lastSeen, uid)
}

// send must be called with r.mu held.
func (r *Registry) send(uid types.UID, ev Event) {
	mailbox := r.mailboxes[uid]
	select {
	case mailbox <- ev:
	default:
		klog.Warningf("mailbox for pod uid %s is full; dropping would break per-pod ordering, blocking instead", uid)
		mailbox <- ev
	}
}

// statusOnlyChange reports whether new differs from old only in Status,
// i.e. the change is the agent's own status write echoed back by the
// watch, which must not be re-delivered to the pod task.
func statusOnlyChange(oldPod, newPod *corev1.Pod) bool {
	if oldPod.UID != newPod.UID {
		return false
	}
	if !reflect.DeepEqual(oldPod.Spec, newPod.Spec) {
		return false
	}
	if !reflect.DeepEqual(oldPod.DeletionTimestamp, newPod.DeletionTimestamp) {
		return false
	}
	if !reflect.DeepEqual(oldPod.Labels, newPod.Labels) {
		return false
	}
	if !reflect.DeepEqual(oldPod.Annotations, newPod.Annotations) {
		return false
	}
	if !reflect.DeepEqual(oldPod.Finalizers, newPod.Finalizers) {
		return false
	}
	return true
}
