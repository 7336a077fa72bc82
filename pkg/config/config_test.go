package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func noEnv(string) string { return "" }

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	opts, err := Load(nil, noEnv)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if opts.ServerPort != 3000 {
		t.Errorf("ServerPort = %d, want 3000", opts.ServerPort)
	}
	if opts.Session != "system" {
		t.Errorf("Session = %q, want system", opts.Session)
	}
}

func TestLoad_CommandLineOverridesDefault(t *testing.T) {
	opts, err := Load([]string{"--server-port=4000", "--hostname=node-a"}, noEnv)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if opts.ServerPort != 4000 {
		t.Errorf("ServerPort = %d, want 4000", opts.ServerPort)
	}
	if opts.Hostname != "node-a" {
		t.Errorf("Hostname = %q, want node-a", opts.Hostname)
	}
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostlet.conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoad_ConfigFileIsApplied(t *testing.T) {
	path := writeConfigFile(t, "server-port=5000\nhostname=from-file\n# a comment\n\n")
	opts, err := Load([]string{"--config-file=" + path}, noEnv)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if opts.ServerPort != 5000 {
		t.Errorf("ServerPort = %d, want 5000", opts.ServerPort)
	}
	if opts.Hostname != "from-file" {
		t.Errorf("Hostname = %q, want from-file", opts.Hostname)
	}
}

func TestLoad_CommandLineWinsOverConfigFile(t *testing.T) {
	path := writeConfigFile(t, "hostname=from-file\n")
	opts, err := Load([]string{"--config-file=" + path, "--hostname=from-cli"}, noEnv)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if opts.Hostname != "from-cli" {
		t.Errorf("Hostname = %q, want from-cli (command line must win)", opts.Hostname)
	}
}

func TestLoad_TagsFromConfigFileAndCommandLineMerge(t *testing.T) {
	path := writeConfigFile(t, "tag=from-file-1\ntag=from-file-2\n")
	opts, err := Load([]string{"--config-file=" + path, "--tag=from-cli"}, noEnv)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"from-file-1", "from-file-2", "from-cli"}
	if !reflect.DeepEqual(opts.Tags, want) {
		t.Errorf("Tags = %v, want %v (merged, not replaced)", opts.Tags, want)
	}
}

func TestLoad_NoConfigDisablesFileAndEnv(t *testing.T) {
	path := writeConfigFile(t, "hostname=from-file\n")
	opts, err := Load([]string{"--no-config"}, envMap(map[string]string{"CONFIG_FILE": path}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if opts.Hostname != "" {
		t.Errorf("Hostname = %q, want empty (no-config must suppress the file)", opts.Hostname)
	}
	if !opts.NoConfig {
		t.Error("expected NoConfig to be true")
	}
}

func TestLoad_ConfigFilePathFromEnv(t *testing.T) {
	path := writeConfigFile(t, "hostname=from-env-file\n")
	opts, err := Load(nil, envMap(map[string]string{"CONFIG_FILE": path}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if opts.Hostname != "from-env-file" {
		t.Errorf("Hostname = %q, want from-env-file", opts.Hostname)
	}
}

func TestLoad_AgentConfEnvIsFallback(t *testing.T) {
	path := writeConfigFile(t, "hostname=from-agent-conf\n")
	opts, err := Load(nil, envMap(map[string]string{"AGENT_CONF": path}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if opts.Hostname != "from-agent-conf" {
		t.Errorf("Hostname = %q, want from-agent-conf", opts.Hostname)
	}
}

func TestLoad_ConfigFileEnvTakesPrecedenceOverAgentConf(t *testing.T) {
	configFilePath := writeConfigFile(t, "hostname=from-config-file-env\n")
	agentConfPath := writeConfigFile(t, "hostname=from-agent-conf\n")
	opts, err := Load(nil, envMap(map[string]string{
		"CONFIG_FILE": configFilePath,
		"AGENT_CONF":  agentConfPath,
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if opts.Hostname != "from-config-file-env" {
		t.Errorf("Hostname = %q, want from-config-file-env", opts.Hostname)
	}
}

func TestLoad_KubeconfigFallsBackToEnv(t *testing.T) {
	opts, err := Load(nil, envMap(map[string]string{"KUBECONFIG": "/home/user/.kube/config"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if opts.Kubeconfig != "/home/user/.kube/config" {
		t.Errorf("Kubeconfig = %q, want /home/user/.kube/config", opts.Kubeconfig)
	}
}

func TestLoad_MalformedConfigFileLineErrors(t *testing.T) {
	path := writeConfigFile(t, "this-is-not-key-value\n")
	if _, err := Load([]string{"--config-file=" + path}, noEnv); err == nil {
		t.Fatal("expected an error for a malformed config file line")
	}
}

func TestLoad_UnrecognizedConfigFileKeyErrors(t *testing.T) {
	path := writeConfigFile(t, "not-a-real-option=value\n")
	if _, err := Load([]string{"--config-file=" + path}, noEnv); err == nil {
		t.Fatal("expected an error for an unrecognized config file option")
	}
}
