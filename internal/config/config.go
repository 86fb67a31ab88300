// Package config handles ssh-liaison configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Host key policies.
const (
	HostKeyPolicyAuto       = "auto"
	HostKeyPolicyKnownHosts = "known_hosts"
	HostKeyPolicyInsecure   = "insecure"
)

// Config is the root configuration structure for ssh-liaison.
type Config struct {
	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// SSH transport and authentication settings
	SSH SSHConfig `yaml:"ssh" mapstructure:"ssh"`

	// Shell session protocol settings
	Shell ShellConfig `yaml:"shell" mapstructure:"shell"`

	// Health checking of idle sessions
	Health HealthConfig `yaml:"health" mapstructure:"health"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// SSHConfig contains transport settings.
type SSHConfig struct {
	// ConnectTimeout bounds the TCP dial plus handshake of one attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`

	// ConfigPath is the OpenSSH client config used to resolve aliases.
	ConfigPath string `yaml:"config_path" mapstructure:"config_path"`

	// KnownHostsPath is the known_hosts file for host key verification.
	KnownHostsPath string `yaml:"known_hosts_path" mapstructure:"known_hosts_path"`

	// HostKeyPolicy is one of auto, known_hosts, insecure.
	HostKeyPolicy string `yaml:"host_key_policy" mapstructure:"host_key_policy"`

	// DefaultKeyPaths are tried after the agent and identity file.
	DefaultKeyPaths []string `yaml:"default_key_paths" mapstructure:"default_key_paths"`

	// AgentSocket overrides SSH_AUTH_SOCK.
	AgentSocket string `yaml:"agent_socket" mapstructure:"agent_socket"`
}

// ShellConfig contains shell session protocol settings.
type ShellConfig struct {
	// CommandTimeout is the default deadline for one command.
	CommandTimeout time.Duration `yaml:"command_timeout" mapstructure:"command_timeout"`

	// StartTimeout bounds shell startup and dialect detection.
	StartTimeout time.Duration `yaml:"start_timeout" mapstructure:"start_timeout"`

	// Dialect is auto, posix, fish or csh.
	Dialect string `yaml:"dialect" mapstructure:"dialect"`

	// RequestPTY allocates a pseudo-terminal for the shell channel.
	RequestPTY bool `yaml:"request_pty" mapstructure:"request_pty"`

	// Term is the TERM value sent with the PTY request.
	Term string `yaml:"term" mapstructure:"term"`

	// MaxOutputBytes caps the output retained per command.
	MaxOutputBytes int `yaml:"max_output_bytes" mapstructure:"max_output_bytes"`

	// InterruptOnTimeout sends an interrupt when a command times out.
	InterruptOnTimeout bool `yaml:"interrupt_on_timeout" mapstructure:"interrupt_on_timeout"`

	// MaxLogLines caps the line count accepted by read_log.
	MaxLogLines int `yaml:"max_log_lines" mapstructure:"max_log_lines"`
}

// HealthConfig contains session health check settings.
type HealthConfig struct {
	// Interval is how often idle sessions are checked. Zero disables.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// MaxConcurrent limits simultaneous checks.
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	sshDir := filepath.Join(homeDir, ".ssh")

	return &Config{
		Logging: LoggingConfig{
			Level:        "warn",
			Format:       "console",
			EnableCaller: false,
		},
		SSH: SSHConfig{
			ConnectTimeout: 10 * time.Second,
			ConfigPath:     filepath.Join(sshDir, "config"),
			KnownHostsPath: filepath.Join(sshDir, "known_hosts"),
			HostKeyPolicy:  HostKeyPolicyAuto,
			DefaultKeyPaths: []string{
				filepath.Join(sshDir, "id_ed25519"),
				filepath.Join(sshDir, "id_rsa"),
				filepath.Join(sshDir, "id_ecdsa"),
				filepath.Join(sshDir, "id_dsa"),
			},
		},
		Shell: ShellConfig{
			CommandTimeout:     30 * time.Second,
			StartTimeout:       15 * time.Second,
			Dialect:            "auto",
			RequestPTY:         true,
			Term:               "xterm",
			MaxOutputBytes:     4 << 20,
			InterruptOnTimeout: true,
			MaxLogLines:        10000,
		},
		Health: HealthConfig{
			Interval:      30 * time.Second,
			MaxConcurrent: 4,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.SSH.ConnectTimeout <= 0 {
		return fmt.Errorf("ssh.connect_timeout must be positive")
	}

	switch c.SSH.HostKeyPolicy {
	case HostKeyPolicyAuto, HostKeyPolicyKnownHosts, HostKeyPolicyInsecure:
	default:
		return fmt.Errorf("ssh.host_key_policy must be one of auto, known_hosts, insecure")
	}

	if c.Shell.CommandTimeout < 100*time.Millisecond {
		return fmt.Errorf("shell.command_timeout must be at least 100ms")
	}

	if c.Shell.StartTimeout < 100*time.Millisecond {
		return fmt.Errorf("shell.start_timeout must be at least 100ms")
	}

	switch c.Shell.Dialect {
	case "auto", "posix", "fish", "csh":
	default:
		return fmt.Errorf("shell.dialect must be one of auto, posix, fish, csh")
	}

	if c.Shell.MaxOutputBytes < 1024 {
		return fmt.Errorf("shell.max_output_bytes must be at least 1024")
	}

	if c.Shell.MaxLogLines < 1 {
		return fmt.Errorf("shell.max_log_lines must be at least 1")
	}

	if c.Health.Interval < 0 {
		return fmt.Errorf("health.interval must not be negative")
	}

	if c.Health.MaxConcurrent < 1 {
		return fmt.Errorf("health.max_concurrent must be at least 1")
	}

	return nil
}
