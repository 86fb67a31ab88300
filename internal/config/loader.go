package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// envPrefix is the prefix for environment overrides (LIAISON_SHELL_COMMAND_TIMEOUT).
const envPrefix = "LIAISON"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.SSH.ConfigPath = expandTilde(cfg.SSH.ConfigPath)
	cfg.SSH.KnownHostsPath = expandTilde(cfg.SSH.KnownHostsPath)
	cfg.SSH.AgentSocket = expandTilde(cfg.SSH.AgentSocket)
	for i := range cfg.SSH.DefaultKeyPaths {
		cfg.SSH.DefaultKeyPaths[i] = expandTilde(cfg.SSH.DefaultKeyPaths[i])
	}
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "ssh-liaison"))
	}

	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "ssh-liaison"))
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)

	// Unmarshal only sees env vars for keys Viper already knows about.
	bindEnvVars(v)

	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// SSH
	v.SetDefault("ssh.connect_timeout", cfg.SSH.ConnectTimeout)
	v.SetDefault("ssh.config_path", cfg.SSH.ConfigPath)
	v.SetDefault("ssh.known_hosts_path", cfg.SSH.KnownHostsPath)
	v.SetDefault("ssh.host_key_policy", cfg.SSH.HostKeyPolicy)
	v.SetDefault("ssh.default_key_paths", cfg.SSH.DefaultKeyPaths)
	v.SetDefault("ssh.agent_socket", cfg.SSH.AgentSocket)

	// Shell
	v.SetDefault("shell.command_timeout", cfg.Shell.CommandTimeout)
	v.SetDefault("shell.start_timeout", cfg.Shell.StartTimeout)
	v.SetDefault("shell.dialect", cfg.Shell.Dialect)
	v.SetDefault("shell.request_pty", cfg.Shell.RequestPTY)
	v.SetDefault("shell.term", cfg.Shell.Term)
	v.SetDefault("shell.max_output_bytes", cfg.Shell.MaxOutputBytes)
	v.SetDefault("shell.interrupt_on_timeout", cfg.Shell.InterruptOnTimeout)
	v.SetDefault("shell.max_log_lines", cfg.Shell.MaxLogLines)

	// Health
	v.SetDefault("health.interval", cfg.Health.Interval)
	v.SetDefault("health.max_concurrent", cfg.Health.MaxConcurrent)
}

// loadConfigFile attempts to load the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set overrides a key, typically from a CLI flag. Call before Load.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	loader := NewLoader()
	return loader.Load()
}

// bindEnvVars binds LIAISON_* environment variables for every config key.
func bindEnvVars(v *viper.Viper) {
	envBindings := []string{
		// Logging
		"logging.level",
		"logging.format",
		"logging.enable_caller",
		// SSH
		"ssh.connect_timeout",
		"ssh.config_path",
		"ssh.known_hosts_path",
		"ssh.host_key_policy",
		"ssh.default_key_paths",
		"ssh.agent_socket",
		// Shell
		"shell.command_timeout",
		"shell.start_timeout",
		"shell.dialect",
		"shell.request_pty",
		"shell.term",
		"shell.max_output_bytes",
		"shell.interrupt_on_timeout",
		"shell.max_log_lines",
		// Health
		"health.interval",
		"health.max_concurrent",
	}

	for _, key := range envBindings {
		envVar := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, envVar)
	}
}
