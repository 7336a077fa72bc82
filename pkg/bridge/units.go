package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	systemddbus "github.com/coreos/go-systemd/v22/dbus"

	"github.com/hostlet-sh/hostlet/pkg/agenterrors"
)

// InstallUnit writes a unit file's body under the scope's unit directory
// and asks the manager to reload its configuration.
func (b *Bridge) InstallUnit(ctx context.Context, name, body string) error {
	path := filepath.Join(b.unitDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return agenterrors.Classify(agenterrors.KindUnitFatal, fmt.Errorf("write unit file %q: %w", tmp, err))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return agenterrors.Classify(agenterrors.KindUnitFatal, fmt.Errorf("install unit file %q: %w", path, err))
	}

	_, err := b.do(ctx, func(conn *systemddbus.Conn) (any, error) {
		return nil, conn.ReloadContext(ctx)
	})
	if err != nil {
		return agenterrors.Classify(agenterrors.KindUnitFatal, fmt.Errorf("reload after installing %s: %w", name, err))
	}
	return nil
}

// Enable enables name so it is (re)started on boot; this does not start
// it immediately.
func (b *Bridge) Enable(ctx context.Context, name string) error {
	_, err := b.do(ctx, func(conn *systemddbus.Conn) (any, error) {
		_, _, err := conn.EnableUnitFilesContext(ctx, []string{name}, b.scope == ScopeSession, false)
		return nil, err
	})
	if err != nil {
		return agenterrors.Classify(agenterrors.KindUnitFatal, fmt.Errorf("enable %s: %w", name, err))
	}
	return nil
}

// Disable disables name; it does not stop a currently running unit.
func (b *Bridge) Disable(ctx context.Context, name string) error {
	_, err := b.do(ctx, func(conn *systemddbus.Conn) (any, error) {
		_, err := conn.DisableUnitFilesContext(ctx, []string{name}, b.scope == ScopeSession)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("disable %s: %w", name, err)
	}
	return nil
}

// Start requests name be started and blocks until the job leaves the
// manager's queue, returning its terminal result ("done", "failed",
// "canceled", "timeout", "dependency", "skipped"). Issuing the job is
// serialized through the writer task; waiting for its result is not, so
// many concurrent Start calls never block one another.
func (b *Bridge) Start(ctx context.Context, name string) (string, error) {
	return b.runJob(ctx, name, func(conn *systemddbus.Conn, jobCh chan<- string) (int, error) {
		return conn.StartUnitContext(ctx, name, "replace", jobCh)
	})
}

// Stop requests name be stopped and blocks until the job leaves the
// manager's queue, with the same concurrency properties as Start.
func (b *Bridge) Stop(ctx context.Context, name string) (string, error) {
	return b.runJob(ctx, name, func(conn *systemddbus.Conn, jobCh chan<- string) (int, error) {
		return conn.StopUnitContext(ctx, name, "replace", jobCh)
	})
}

func (b *Bridge) runJob(ctx context.Context, name string, issue func(conn *systemddbus.Conn, jobCh chan<- string) (int, error)) (string, error) {
	jobCh := make(chan string, 1)
	_, err := b.do(ctx, func(conn *systemddbus.Conn) (any, error) {
		_, err := issue(conn, jobCh)
		return nil, err
	})
	if err != nil {
		return "", agenterrors.Classify(agenterrors.KindUnitFatal, fmt.Errorf("issue job for %s: %w", name, err))
	}

	select {
	case jobResult := <-jobCh:
		return jobResult, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ResetFailed clears a unit's failed state so it can be started again.
func (b *Bridge) ResetFailed(ctx context.Context, name string) error {
	_, err := b.do(ctx, func(conn *systemddbus.Conn) (any, error) {
		return nil, conn.ResetFailedUnitContext(ctx, name)
	})
	if err != nil {
		return fmt.Errorf("reset-failed %s: %w", name, err)
	}
	return nil
}

// Remove disables name, deletes its unit file, and reloads the manager.
// Failure to disable is ignored; the file removal and reload
// always run so a unit is never left orphaned on disk after Remove
// returns nil.
func (b *Bridge) Remove(ctx context.Context, name string) error {
	_ = b.Disable(ctx, name)

	path := filepath.Join(b.unitDir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file %q: %w", path, err)
	}

	_, err := b.do(ctx, func(conn *systemddbus.Conn) (any, error) {
		return nil, conn.ReloadContext(ctx)
	})
	if err != nil {
		return fmt.Errorf("reload after removing %s: %w", name, err)
	}
	return nil
}

// ListManagedUnits returns every unit the service manager has loaded in
// the scope, without filtering by name. The cleanup reconciler does not
// use it; it uses ListInstalledUnitNames.
func (b *Bridge) ListManagedUnits(ctx context.Context) ([]systemddbus.UnitStatus, error) {
	v, err := b.do(ctx, func(conn *systemddbus.Conn) (any, error) {
		return conn.ListUnitsContext(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	return v.([]systemddbus.UnitStatus), nil
}
