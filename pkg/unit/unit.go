// Package unit translates a container spec into a service-manager unit
// description, rendered with text/template and gated on the detected
// service-manager version the way flags are commonly gated on a
// detected component version.
package unit

import (
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/semver/v3"

	corev1 "k8s.io/api/core/v1"
)

// restartDirective maps a pod restart policy to the unit Restart=
// directive.
var restartDirective = map[corev1.RestartPolicy]string{
	corev1.RestartPolicyAlways:    "always",
	corev1.RestartPolicyOnFailure: "on-failure",
	corev1.RestartPolicyNever:     "no",
}

// startLimitIntervalSecMinVersion is the earliest service-manager version
// that accepts the StartLimitIntervalSec= key; older versions require the
// legacy StartLimitInterval= spelling, which this builder omits rather
// than mis-render, leaving the service manager's default in effect.
var startLimitIntervalSecMinVersion = semver.MustParse("230.0.0")

// Spec describes one container's unit, already resolved by the caller:
// paths are absolute, the environment file is already rendered.
type Spec struct {
	Namespace       string
	PodName         string
	ContainerName   string
	Description     string
	ExecStart       string
	WorkingDirectory string
	EnvironmentFile string
	User            string
	RestartPolicy   corev1.RestartPolicy
	GracePeriod     time.Duration
	// ManagerVersion is the detected service-manager version, used only to
	// gate which directives are emitted; no other logic branches on it.
	ManagerVersion *semver.Version
}

var invalidUnitNameChar = regexp.MustCompile(`[^a-z0-9-]`)

// Name returns the unit name for a container: lowercased
// "<namespace>-<pod-name>-<container-name>.service", with any character
// outside [a-z0-9-] replaced by '-'.
func Name(namespace, podName, containerName string) string {
	raw := strings.ToLower(fmt.Sprintf("%s-%s-%s", namespace, podName, containerName))
	return invalidUnitNameChar.ReplaceAllString(raw, "-") + ".service"
}

// PodPrefix returns the unit-name prefix shared by every container unit
// belonging to one pod, for callers that need to recognize "any unit of
// this pod" without knowing its container names (the cleanup reconciler
// uses this).
func PodPrefix(namespace, podName string) string {
	raw := strings.ToLower(fmt.Sprintf("%s-%s-", namespace, podName))
	return invalidUnitNameChar.ReplaceAllString(raw, "-")
}

const unitTpl = `[Unit]
Description={{ .Description }}

[Service]
Type=simple
WorkingDirectory={{ .WorkingDirectory }}
EnvironmentFile={{ .EnvironmentFile }}
ExecStart={{ .ExecStart }}
User={{ .User }}
KillMode=mixed
TimeoutStopSec={{ .TimeoutStopSec }}
Restart={{ .Restart }}
{{- if .SupportsStartLimitIntervalSec }}
StartLimitIntervalSec=0
{{- end }}

[Install]
WantedBy=multi-user.target
`

type templateData struct {
	Description                   string
	WorkingDirectory              string
	EnvironmentFile               string
	ExecStart                     string
	User                          string
	TimeoutStopSec                int64
	Restart                       string
	SupportsStartLimitIntervalSec bool
}

// Build renders the unit file body for spec. It never returns a partially
// rendered body: template execution either fully succeeds or the error is
// returned with nothing usable.
func Build(spec Spec) (string, error) {
	restart, ok := restartDirective[spec.RestartPolicy]
	if !ok {
		return "", fmt.Errorf("unknown restart policy %q", spec.RestartPolicy)
	}

	supportsStartLimit := spec.ManagerVersion != nil && !spec.ManagerVersion.LessThan(startLimitIntervalSecMinVersion)

	tmpl, err := template.New("unit").Parse(unitTpl)
	if err != nil {
		return "", fmt.Errorf("parse unit template: %w", err)
	}

	data := templateData{
		Description:                   spec.Description,
		WorkingDirectory:              spec.WorkingDirectory,
		EnvironmentFile:               spec.EnvironmentFile,
		ExecStart:                     spec.ExecStart,
		User:                          spec.User,
		TimeoutStopSec:                int64(spec.GracePeriod.Round(time.Second).Seconds()),
		Restart:                       restart,
		SupportsStartLimitIntervalSec: supportsStartLimit,
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute unit template: %w", err)
	}
	return buf.String(), nil
}
