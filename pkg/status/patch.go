package status

import (
	"encoding/json"
	"fmt"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
)

// Coalescer holds, per pod, the last status successfully applied and at
// most one newer status queued behind an in-flight write, so a burst of
// unit-state events never produces more than one outstanding API server
// request per pod and never loses the newest snapshot.
type Coalescer struct {
	mu    sync.Mutex
	state map[types.UID]*podPatchState
}

type podPatchState struct {
	lastApplied []byte
	inFlight    bool
	queued      *corev1.PodStatus
}

// NewCoalescer returns an empty Coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{state: make(map[types.UID]*podPatchState)}
}

// Next computes the merge patch to move uid's last-applied status to
// status. If a write for uid is already in flight, status is recorded as
// the newest pending snapshot instead, and ok is false: the caller must
// wait for Done to hand the coalesced patch back. If status is identical
// to what's already applied, ok is false and no patch is produced.
func (c *Coalescer) Next(uid types.UID, status corev1.PodStatus) (patch []byte, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateFor(uid)
	if st.inFlight {
		st.queued = &status
		return nil, false, nil
	}
	return c.startLocked(st, status)
}

// Done reports that the patch returned by Next or a previous Done finished
// applying. success indicates whether the write landed; on success the
// applied status becomes the new baseline. If a newer status was queued
// while the write was in flight, Done returns the next patch to send
// (with inFlight left set) so the caller can loop without calling Next
// again.
func (c *Coalescer) Done(uid types.UID, appliedStatus corev1.PodStatus, success bool) (patch []byte, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateFor(uid)
	st.inFlight = false
	if success {
		b, err := json.Marshal(appliedStatus)
		if err != nil {
			return nil, false, fmt.Errorf("marshal applied status: %w", err)
		}
		st.lastApplied = b
	}

	if st.queued == nil {
		return nil, false, nil
	}
	next := *st.queued
	st.queued = nil
	return c.startLocked(st, next)
}

// Forget drops all coalescing state for uid once its task has fully torn
// down.
func (c *Coalescer) Forget(uid types.UID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, uid)
}

func (c *Coalescer) stateFor(uid types.UID) *podPatchState {
	st, ok := c.state[uid]
	if !ok {
		st = &podPatchState{}
		c.state[uid] = st
	}
	return st
}

// startLocked must be called with c.mu held and st.inFlight false.
func (c *Coalescer) startLocked(st *podPatchState, status corev1.PodStatus) (patch []byte, ok bool, err error) {
	next, err := json.Marshal(status)
	if err != nil {
		return nil, false, fmt.Errorf("marshal status: %w", err)
	}

	prev := st.lastApplied
	if prev == nil {
		prev = []byte("{}")
	}
	merge, err := jsonpatch.CreateMergePatch(prev, next)
	if err != nil {
		return nil, false, fmt.Errorf("compute status merge patch: %w", err)
	}
	if string(merge) == "{}" {
		return nil, false, nil
	}

	st.inFlight = true
	return merge, true, nil
}
