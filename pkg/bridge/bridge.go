// Package bridge speaks to systemd over D-Bus through
// github.com/coreos/go-systemd/v22/dbus, serializing all bus writes
// through a single owning task per scope so that concurrent pod
// starts/stops never race the connection.
package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	systemddbus "github.com/coreos/go-systemd/v22/dbus"
	"k8s.io/klog/v2"
)

// Scope selects the system-wide or per-user systemd instance.
type Scope int

const (
	ScopeSystem Scope = iota
	ScopeSession
)

func (s Scope) String() string {
	if s == ScopeSession {
		return "session"
	}
	return "system"
}

// UnitDir returns the directory unit files for this scope are written to.
func (s Scope) UnitDir() (string, error) {
	if s == ScopeSystem {
		return "/etc/systemd/system", nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory for session scope: %w", err)
	}
	return filepath.Join(home, ".config", "systemd", "user"), nil
}

// request is one unit of work handed to the bridge's writer task. op is
// run on the goroutine that exclusively owns the bus connection.
type request struct {
	op    func(conn *systemddbus.Conn) (any, error)
	reply chan result
}

type result struct {
	value any
	err   error
}

// Bridge owns one D-Bus connection for a scope. All bus writes are
// serialized through run(), and a long-running wait (job completion)
// never blocks the writer task itself. Subscribe and its Result property
// lookups use the connection directly, outside the request channel.
type Bridge struct {
	scope   Scope
	unitDir string
	conn    *systemddbus.Conn
	reqCh   chan request
	done    chan struct{}

	managerVersion      *serviceManagerVersion
	featureLogs         bool
	featureRestartCount bool
}

// New connects to the systemd bus for scope and starts the bridge's
// writer task. The returned Bridge must be closed with Close.
func New(ctx context.Context, scope Scope) (*Bridge, error) {
	unitDir, err := scope.UnitDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return nil, fmt.Errorf("create unit directory %q: %w", unitDir, err)
	}

	var conn *systemddbus.Conn
	if scope == ScopeSystem {
		conn, err = systemddbus.NewSystemConnectionContext(ctx)
	} else {
		conn, err = systemddbus.NewUserConnectionContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s systemd bus: %w", scope, err)
	}

	b := &Bridge{
		scope:   scope,
		unitDir: unitDir,
		conn:    conn,
		reqCh:   make(chan request),
		done:    make(chan struct{}),
	}

	version, err := detectVersion(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("detect service-manager version: %w", err)
	}
	b.managerVersion = version
	b.featureLogs = version.atLeast(232)
	b.featureRestartCount = version.atLeast(235)
	klog.Infof("service-manager version %s detected (featureLogs=%t, featureRestartCount=%t)", version.raw, b.featureLogs, b.featureRestartCount)

	go b.run()
	return b, nil
}

// Close stops the writer task and the underlying bus connection. Units
// created through this bridge are not affected: they outlive the agent.
func (b *Bridge) Close() {
	close(b.done)
	b.conn.Close()
}

// FeatureLogs reports whether the detected service-manager version
// supports journal reads.
func (b *Bridge) FeatureLogs() bool { return b.featureLogs }

// FeatureRestartCount reports whether the detected service-manager
// version supports restart-counter reads.
func (b *Bridge) FeatureRestartCount() bool { return b.featureRestartCount }

func (b *Bridge) run() {
	for {
		select {
		case req := <-b.reqCh:
			v, err := req.op(b.conn)
			req.reply <- result{value: v, err: err}
		case <-b.done:
			return
		}
	}
}

// do submits op to the writer task and waits for it to run. op must not
// block on anything that itself depends on another do() call completing,
// or the bridge deadlocks.
func (b *Bridge) do(ctx context.Context, op func(conn *systemddbus.Conn) (any, error)) (any, error) {
	reply := make(chan result, 1)
	select {
	case b.reqCh <- request{op: op, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, fmt.Errorf("bridge closed")
	}

	select {
	case res := <-reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
