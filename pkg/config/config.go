// Package config resolves the agent's command-line flags, an optional
// "key=value"-per-line config file, and a handful of recognized
// environment variables into one Options value, using pflag the way the
// rest of this repository's binaries register their flags, with a
// config-file layer added on top.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// Options holds every recognized agent option, after flags, config file,
// and environment variables have all been merged.
type Options struct {
	NoConfig   bool
	ConfigFile string

	Kubeconfig string
	PodCIDR    string

	BootstrapFile string

	ServerBindIP   string
	ServerCertFile string
	ServerKeyFile  string
	ServerPort     int

	PackageDirectory string
	ConfigDirectory  string
	LogDirectory     string
	DataDirectory    string

	Hostname string
	Session  string
	Tags     []string
}

// Load resolves Options from args (normally os.Args[1:]) and the process
// environment. Precedence, per option: command-line flag wins over a
// config-file entry, except the repeatable "tag" option, where config-
// file and command-line values are merged rather than one replacing the
// other.
func Load(args []string, getenv func(string) string) (*Options, error) {
	configPath, disabled := resolveConfigPath(args, getenv)

	fs := newFlagSet()
	if !disabled && configPath != "" {
		lines, err := readConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %q: %w", configPath, err)
		}
		for _, kv := range lines {
			if err := fs.set.Set(kv.key, kv.value); err != nil {
				return nil, fmt.Errorf("config file %q: unrecognized option %q: %w", configPath, kv.key, err)
			}
		}
	}

	if err := fs.set.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	opts := fs.options()
	opts.ConfigFile = configPath
	opts.NoConfig = disabled || opts.NoConfig

	if opts.Kubeconfig == "" {
		opts.Kubeconfig = getenv("KUBECONFIG")
	}
	return opts, nil
}

// resolveConfigPath determines which config file (if any) to load,
// without fully parsing args: --no-config short-circuits everything;
// otherwise an explicit --config-file flag wins, then $CONFIG_FILE, then
// the legacy $AGENT_CONF alias.
func resolveConfigPath(args []string, getenv func(string) string) (path string, disabled bool) {
	pre := pflag.NewFlagSet("hostlet-preparse", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist = pflag.ParseErrorsWhitelist{UnknownFlags: true}
	pre.Usage = func() {}
	noConfig := pre.Bool("no-config", false, "")
	configFile := pre.String("config-file", "", "")
	_ = pre.Parse(args)

	if *noConfig {
		return "", true
	}
	if *configFile != "" {
		return *configFile, false
	}
	if v := getenv("CONFIG_FILE"); v != "" {
		return v, false
	}
	if v := getenv("AGENT_CONF"); v != "" {
		return v, false
	}
	return "", false
}

type configLine struct {
	key, value string
}

// readConfigFile parses a "key=value" per line file: blank lines and
// lines starting with "#" are skipped, surrounding whitespace on both
// sides of "=" is trimmed.
func readConfigFile(path string) ([]configLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []configLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("malformed line %q: expected key=value", line)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		lines = append(lines, configLine{key: key, value: value})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// flagSet wraps a pflag.FlagSet with pointers to every recognized option,
// so both the config-file pass (fs.Set by name) and the final read-back
// share one registration.
type flagSet struct {
	set *pflag.FlagSet

	noConfig   *bool
	configFile *string

	kubeconfig *string
	podCIDR    *string

	bootstrapFile *string

	serverBindIP   *string
	serverCertFile *string
	serverKeyFile  *string
	serverPort     *int

	packageDirectory *string
	configDirectory  *string
	logDirectory     *string
	dataDirectory    *string

	hostname *string
	session  *string
	tags     *[]string
}

func newFlagSet() *flagSet {
	set := pflag.NewFlagSet("hostlet", pflag.ContinueOnError)
	fs := &flagSet{set: set}

	fs.noConfig = set.Bool("no-config", false, "disable config-file and AGENT_CONF resolution entirely")
	fs.configFile = set.String("config-file", "", "path to a key=value config file")
	fs.kubeconfig = set.String("kubeconfig", "", "path to a kubeconfig; defaults to $KUBECONFIG or in-cluster config")
	fs.podCIDR = set.String("pod-cidr", "", "CIDR this node's pod IPs are assigned from")
	fs.bootstrapFile = set.String("bootstrap-file", "", "path to the bootstrap credentials bundle")
	fs.serverBindIP = set.String("server-bind-ip", "", "address reported as the node's address; defaults to the first non-loopback interface")
	fs.serverCertFile = set.String("server-cert-file", "", "PEM file holding a TLS certificate and its key, checked at startup for upcoming expiry; the health/metrics server serves plain HTTP")
	fs.serverKeyFile = set.String("server-key-file", "", "TLS key file; accepted but not read by the agent")
	fs.serverPort = set.Int("server-port", 3000, "port the health/metrics server listens on")
	fs.packageDirectory = set.String("package-directory", "/opt/hostlet/pkg", "package store root")
	fs.configDirectory = set.String("config-directory", "/var/lib/hostlet/run", "rendered per-pod config root")
	fs.logDirectory = set.String("log-directory", "/var/log/hostlet", "per-pod log directory root")
	fs.dataDirectory = set.String("data-directory", "/var/lib/hostlet/data", "per-pod persistent data root")
	fs.hostname = set.String("hostname", "", "node name to register as; defaults to the OS hostname")
	fs.session = set.String("session", "system", "systemd scope to manage units in: system or session")
	fs.tags = set.StringArray("tag", nil, "repeatable node label/taint tag; may be given multiple times")
	return fs
}

func (fs *flagSet) options() *Options {
	return &Options{
		NoConfig:         *fs.noConfig,
		Kubeconfig:       *fs.kubeconfig,
		PodCIDR:          *fs.podCIDR,
		BootstrapFile:    *fs.bootstrapFile,
		ServerBindIP:     *fs.serverBindIP,
		ServerCertFile:   *fs.serverCertFile,
		ServerKeyFile:    *fs.serverKeyFile,
		ServerPort:       *fs.serverPort,
		PackageDirectory: *fs.packageDirectory,
		ConfigDirectory:  *fs.configDirectory,
		LogDirectory:     *fs.logDirectory,
		DataDirectory:    *fs.dataDirectory,
		Hostname:         *fs.hostname,
		Session:          *fs.session,
		Tags:             *fs.tags,
	}
}
