// Package render materializes a pod's config-map entries and environment
// templates into a per-run directory on disk, through a text/template +
// sprig facility.
package render

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"k8s.io/klog/v2"
)

// Vars is the variable set every rendered template can reference.
type Vars struct {
	PodName      string
	PodNamespace string
	PodUID       string
	PodIP        net.IP
	HostIP       net.IP
	NodeName     string
	InstallPath  string
	RunDir       string
	DataDir      string
	LogDir       string
	// Env holds every container environment variable already resolved by
	// the caller, made available to config-map templates as .Env.NAME.
	Env map[string]string
}

func (v Vars) data() map[string]any {
	ip := func(i net.IP) string {
		if i == nil {
			return ""
		}
		return i.String()
	}
	return map[string]any{
		"PodName":      v.PodName,
		"PodNamespace": v.PodNamespace,
		"PodUID":       v.PodUID,
		"PodIP":        ip(v.PodIP),
		"HostIP":       ip(v.HostIP),
		"NodeName":     v.NodeName,
		"InstallPath":  v.InstallPath,
		"RunDir":       v.RunDir,
		"DataDir":      v.DataDir,
		"LogDir":       v.LogDir,
		"Env":          v.Env,
	}
}

// File is a single config-map entry: a relative path (or absolute,
// honored with a warning) and its template source bytes.
type File struct {
	Path     string
	Contents []byte
}

// RunDir computes the per-start run directory path. Callers are
// responsible for ensuring uniqueness across restarts of the same pod by
// supplying a fresh timestamp.
func RunDir(configDir, namespace, podName string, ts time.Time) string {
	return filepath.Join(configDir, namespace, podName, ts.UTC().Format("20060102T150405.000000000Z"))
}

// Render writes every config-map entry to runDir, rendering each through
// text/template with vars bound. It returns the list of absolute paths
// written, in deterministic (sorted by source path) order.
//
// Rendering injects no wall-clock data into file contents, so the same
// (files, vars) pair produces the same output bytes on every render. The
// exception is a template that calls randomSecret (or one of sprig's
// random-value functions): each render of it yields new bytes.
func Render(ctx context.Context, runDir string, files []File, vars Vars) ([]string, error) {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	funcMap := txtFuncMap()
	data := vars.data()

	written := make([]string, 0, len(sorted))
	for _, f := range sorted {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		tpl, err := template.New(f.Path).Funcs(funcMap).Parse(string(f.Contents))
		if err != nil {
			return written, fmt.Errorf("parse template %q: %w", f.Path, err)
		}
		var buf bytes.Buffer
		if err := tpl.Execute(&buf, data); err != nil {
			return written, fmt.Errorf("render template %q: %w", f.Path, err)
		}

		dest := f.Path
		if filepath.IsAbs(dest) {
			klog.Warningf("config entry %q uses an absolute path; writing outside the run directory %s", f.Path, runDir)
		} else {
			dest = filepath.Join(runDir, dest)
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return written, fmt.Errorf("create parent dir for %q: %w", dest, err)
		}
		if err := os.WriteFile(dest, buf.Bytes(), 0o644); err != nil {
			return written, fmt.Errorf("write %q: %w", dest, err)
		}
		written = append(written, dest)
	}
	return written, nil
}

// RenderEnvFile renders a map of environment values (each a template
// string) into a systemd EnvironmentFile-compatible KEY=VALUE file under
// runDir, returning its path. Keys are sorted for deterministic,
// idempotent output.
func RenderEnvFile(runDir string, env map[string]string, vars Vars) (string, error) {
	funcMap := txtFuncMap()
	data := vars.data()

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		tpl, err := template.New(k).Funcs(funcMap).Parse(env[k])
		if err != nil {
			return "", fmt.Errorf("parse env template %q: %w", k, err)
		}
		var v bytes.Buffer
		if err := tpl.Execute(&v, data); err != nil {
			return "", fmt.Errorf("render env template %q: %w", k, err)
		}
		fmt.Fprintf(&buf, "%s=%s\n", k, escapeEnvValue(v.String()))
	}

	path := filepath.Join(runDir, "environment")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir %q: %w", runDir, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write environment file %q: %w", path, err)
	}
	return path, nil
}

// escapeEnvValue guards against newlines in a resolved value breaking the
// KEY=VALUE line format systemd's EnvironmentFile parser expects.
func escapeEnvValue(v string) string {
	return strings.ReplaceAll(v, "\n", "\\n")
}
