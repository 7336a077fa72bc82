package main

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/hostlet-sh/hostlet/pkg/bridge"
	"github.com/hostlet-sh/hostlet/pkg/podtask"
)

// taskIndex routes events from the bridge's one shared unit subscription
// to the owning pod task, since the bridge has no notion of which pod a
// unit belongs to.
type taskIndex struct {
	mu    sync.Mutex
	tasks map[*podtask.Task]struct{}
}

func newTaskIndex() *taskIndex {
	return &taskIndex{tasks: make(map[*podtask.Task]struct{})}
}

func (idx *taskIndex) add(t *podtask.Task) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tasks[t] = struct{}{}
}

func (idx *taskIndex) remove(t *podtask.Task) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.tasks, t)
}

// dispatch delivers ev to the one task that owns its unit, if any. A unit
// with no owning task (e.g. a race during pod teardown) is dropped without
// logging; the task's own teardown path already stops/removes its units.
// An event for a task whose channel is full is logged and dropped.
func (idx *taskIndex) dispatch(ev bridge.Event) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for t := range idx.tasks {
		if t.OwnsUnit(ev.Unit) {
			select {
			case t.UnitEvents() <- ev:
			default:
				klog.Warningf("unit event channel full for %s, dropping event", ev.Unit)
			}
			return
		}
	}
}
