package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moraydb/moray/pkg/consts"
	"github.com/moraydb/moray/pkg/errors"
)

// Config is the root configuration for the morayd supervisor.
type Config struct {
	// Path remembers where the configuration was loaded from, so a
	// reload request can re-read the same file.
	Path string `yaml:"-"`

	Version       string              `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Launch        LaunchConfig        `yaml:"launch"`
	Auth          AuthConfig          `yaml:"auth"`
	Services      ServicesConfig      `yaml:"services"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	// ListenAddresses is a whitespace-separated list of host tokens.
	// "*" binds the wildcard address.
	ListenAddresses string `yaml:"listen_addresses"`
	Port            int    `yaml:"port"`
	UnixSocketDir   string `yaml:"unix_socket_dir"`
	DataDir         string `yaml:"data_dir"`
	// MaxBackends caps the number of admitted workers. The admission
	// predicate allows up to twice this many live children, leaving
	// slack for sessions that are still authenticating.
	MaxBackends int `yaml:"max_backends"`
	// ExternalPidFile, when set, receives the supervisor pid at startup.
	ExternalPidFile string `yaml:"external_pid_file"`
	TLSCertFile     string `yaml:"tls_cert_file"`
	TLSKeyFile      string `yaml:"tls_key_file"`
	LogConnections  bool   `yaml:"log_connections"`
}

type LaunchConfig struct {
	Strategy consts.LaunchStrategy `yaml:"strategy"`
	// ExtraWorkerOptions are operator-supplied switches placed on the
	// secure side of the worker argument vector.
	ExtraWorkerOptions string `yaml:"extra_worker_options"`
	DebugLevel         int    `yaml:"debug_level"`
	// SendStop delivers SIGSTOP instead of SIGQUIT during crash
	// containment, so a debugger can be attached for a postmortem.
	SendStop bool `yaml:"send_stop"`
}

type AuthConfig struct {
	HBAFile   string `yaml:"hba_file"`
	UserFile  string `yaml:"user_file"`
	GroupFile string `yaml:"group_file"`
	// WatchFiles reloads the cached credential tables when the files
	// change on disk, in addition to the explicit reload paths.
	WatchFiles bool `yaml:"watch_files"`
}

type ServicesConfig struct {
	ArchivingEnabled    bool `yaml:"archiving_enabled"`
	LogCollectorEnabled bool `yaml:"log_collector_enabled"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "config.Load", "reading config file", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "config.Load", "parsing config file", err)
	}
	cfg.Path = path
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddresses == "" {
		c.Server.ListenAddresses = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5454
	}
	if c.Server.UnixSocketDir == "" {
		c.Server.UnixSocketDir = "/tmp"
	}
	if c.Server.MaxBackends == 0 {
		c.Server.MaxBackends = 100
	}
	if c.Launch.Strategy == "" {
		c.Launch.Strategy = consts.LaunchDirect
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
}

// Validate rejects configurations the supervisor cannot run with.
func (c *Config) Validate() error {
	if c.Server.DataDir == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "config.Validate", "server.data_dir must be set", nil)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New(errors.ErrCodeConfigInvalid, "config.Validate",
			fmt.Sprintf("server.port %d out of range", c.Server.Port), nil)
	}
	if c.Server.MaxBackends < 1 {
		return errors.New(errors.ErrCodeConfigInvalid, "config.Validate", "server.max_backends must be positive", nil)
	}
	switch c.Launch.Strategy {
	case consts.LaunchDirect, consts.LaunchReexec:
	default:
		return errors.New(errors.ErrCodeConfigInvalid, "config.Validate",
			fmt.Sprintf("unknown launch.strategy %q", c.Launch.Strategy), nil)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New(errors.ErrCodeConfigInvalid, "config.Validate",
			"tls_cert_file and tls_key_file must be set together", nil)
	}
	return nil
}

// TLSEnabled reports whether a server certificate is configured.
func (c *Config) TLSEnabled() bool {
	return c.Server.TLSCertFile != "" && c.Server.TLSKeyFile != ""
}

// LoopTimeout is how long the main loop waits before running its
// housekeeping pass when nothing else happens.
func (c *Config) LoopTimeout() time.Duration {
	return consts.ServerLoopTimeout
}
