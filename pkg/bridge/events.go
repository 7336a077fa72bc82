package bridge

import (
	"context"
	"fmt"
	"time"

	systemddbus "github.com/coreos/go-systemd/v22/dbus"
	"k8s.io/klog/v2"
)

// ActiveState mirrors systemd's unit active-state enum.
type ActiveState string

const (
	ActiveStateInactive     ActiveState = "inactive"
	ActiveStateActivating   ActiveState = "activating"
	ActiveStateActive       ActiveState = "active"
	ActiveStateDeactivating ActiveState = "deactivating"
	ActiveStateFailed       ActiveState = "failed"
)

func (s ActiveState) terminal() bool {
	return s == ActiveStateInactive || s == ActiveStateFailed
}

// Event is one unit state-change tuple.
type Event struct {
	Unit        string
	ActiveState ActiveState
	SubState    string
	// Result carries the exit reason for terminal states ("success",
	// "exit-code", "signal", ...); empty for non-terminal events.
	Result string
}

// Subscribe returns a lazy, cancellable stream of unit state-change
// events, wrapping dbus.Conn.SubscribeUnitsCustom: it polls at interval
// and reports the units whose status differs between successive
// snapshots. The stream closes when ctx is cancelled.
func (b *Bridge) Subscribe(ctx context.Context, interval time.Duration) <-chan Event {
	statusCh, errCh := b.conn.SubscribeUnitsCustom(interval, 0,
		func(s1, s2 *systemddbus.UnitStatus) bool { return s1 == nil || s2 == nil || *s1 != *s2 },
		nil,
	)

	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case changed, ok := <-statusCh:
				if !ok {
					return
				}
				for name, status := range changed {
					ev := eventFromStatus(name, status)
					if ev.ActiveState.terminal() {
						ev.Result = b.resultOf(ctx, name)
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			case err, ok := <-errCh:
				if ok && err != nil {
					klog.Warningf("unit subscription error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func eventFromStatus(name string, status *systemddbus.UnitStatus) Event {
	if status == nil {
		// The unit disappeared from the manager's listing entirely
		// (removed + reloaded); report it inactive so callers treat it
		// the same as a normal stop.
		return Event{Unit: name, ActiveState: ActiveStateInactive}
	}
	return Event{Unit: name, ActiveState: ActiveState(status.ActiveState), SubState: status.SubState}
}

func (b *Bridge) resultOf(ctx context.Context, name string) string {
	prop, err := b.conn.GetUnitPropertyContext(ctx, name, "Result")
	if err != nil {
		return ""
	}
	return fmt.Sprint(prop.Value.Value())
}
