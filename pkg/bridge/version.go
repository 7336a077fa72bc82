package bridge

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	systemddbus "github.com/coreos/go-systemd/v22/dbus"
)

// serviceManagerVersion is the systemd version detected once at startup
// and cached for the lifetime of the bridge, exposed as feature booleans
// on every pod status rather than re-queried per call.
type serviceManagerVersion struct {
	raw   string
	major int
}

func (v *serviceManagerVersion) atLeast(major int) bool {
	return v.major >= major
}

var leadingDigits = regexp.MustCompile(`^\d+`)

// detectVersion queries the manager's Version property, which systemd
// reports as a quoted string such as "249.11-0ubuntu3.9" or "245". Only
// the leading major-version digits are used; the agent never branches
// logic on anything finer than that.
func detectVersion(ctx context.Context, conn *systemddbus.Conn) (*serviceManagerVersion, error) {
	raw, err := conn.GetManagerProperty("Version")
	if err != nil {
		return nil, fmt.Errorf("query manager Version property: %w", err)
	}
	return parseVersion(raw)
}

func parseVersion(raw string) (*serviceManagerVersion, error) {
	unquoted := raw
	if len(unquoted) >= 2 && unquoted[0] == '"' && unquoted[len(unquoted)-1] == '"' {
		unquoted = unquoted[1 : len(unquoted)-1]
	}

	digits := leadingDigits.FindString(unquoted)
	if digits == "" {
		return nil, fmt.Errorf("could not parse major version from manager Version %q", raw)
	}
	major, err := strconv.Atoi(digits)
	if err != nil {
		return nil, fmt.Errorf("parse major version %q: %w", digits, err)
	}

	return &serviceManagerVersion{raw: unquoted, major: major}, nil
}
