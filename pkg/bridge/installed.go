package bridge

import (
	"fmt"
	"os"
	"strings"
)

// ListInstalledUnitNames returns the bare names of every ".service" file
// present in this scope's unit directory. Unlike ListManagedUnits (which
// asks the service manager for everything it has loaded, host-wide), this
// only reports what this agent itself has written there, which is what
// the cleanup reconciler needs to safely identify units it is allowed to
// remove without touching unrelated host units that merely happen to
// also be loaded.
func (b *Bridge) ListInstalledUnitNames() ([]string, error) {
	entries, err := os.ReadDir(b.unitDir)
	if err != nil {
		return nil, fmt.Errorf("read unit directory %q: %w", b.unitDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".service") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
