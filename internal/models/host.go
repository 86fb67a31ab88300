// Package models defines the core domain types for ssh-liaison.
package models

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the SSH port used when none is configured.
const DefaultPort = 22

// Validation errors for connection parameters.
var (
	ErrInvalidHostID   = errors.New("host id is required")
	ErrInvalidHostname = errors.New("hostname is required")
	ErrInvalidUser     = errors.New("user is required")
	ErrInvalidPort     = errors.New("port must be between 1 and 65535")
)

// CredentialSource identifies one kind of credential tried during
// authentication.
type CredentialSource string

const (
	CredentialAgent        CredentialSource = "agent"
	CredentialIdentityFile CredentialSource = "identity_file"
	CredentialDefaultKey   CredentialSource = "default_key"
	CredentialPassword     CredentialSource = "password"
)

// Credentials holds every credential source available for a host.
// The negotiator tries them in a fixed order: agent, identity file,
// default keys, password.
type Credentials struct {
	// AgentSocket overrides SSH_AUTH_SOCK when set.
	AgentSocket string `json:"agent_socket,omitempty"`

	// AgentDisabled skips the agent, including SSH_AUTH_SOCK and any
	// configured default socket (ssh_config "IdentityAgent none").
	AgentDisabled bool `json:"agent_disabled,omitempty"`

	// IdentityFile is an explicit private key path for this host.
	IdentityFile string `json:"identity_file,omitempty"`

	// IdentitiesOnly restricts authentication to IdentityFile, skipping the
	// agent and default keys.
	IdentitiesOnly bool `json:"identities_only,omitempty"`

	// DefaultKeyPaths are conventional key locations (~/.ssh/id_*).
	DefaultKeyPaths []string `json:"default_key_paths,omitempty"`

	// Password is tried last. Never serialized or logged.
	Password string `json:"-"`
}

// HasPassword reports whether a password credential is present.
func (c Credentials) HasPassword() bool {
	return c.Password != ""
}

// ConnectionParams is everything needed to reach and authenticate to one
// host. It is immutable once a session has been created from it.
type ConnectionParams struct {
	// HostID is the caller-chosen identifier (alias or user@host:port).
	HostID string `json:"host_id"`

	// Hostname is the network address to dial.
	Hostname string `json:"hostname"`

	// Port defaults to 22.
	Port int `json:"port"`

	// User is the remote login name.
	User string `json:"user"`

	Credentials Credentials `json:"credentials"`
}

// EffectivePort returns Port, or DefaultPort when unset.
func (p ConnectionParams) EffectivePort() int {
	if p.Port == 0 {
		return DefaultPort
	}
	return p.Port
}

// Addr returns the host:port dial address.
func (p ConnectionParams) Addr() string {
	return net.JoinHostPort(p.Hostname, strconv.Itoa(p.EffectivePort()))
}

// Target returns user@host:port. It never includes credentials.
func (p ConnectionParams) Target() string {
	return fmt.Sprintf("%s@%s", p.User, p.Addr())
}

// Validate checks that the parameters are complete.
func (p ConnectionParams) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(p.HostID) == "" {
		validation.Add("host_id", ErrInvalidHostID)
	}
	if strings.TrimSpace(p.Hostname) == "" {
		validation.Add("hostname", ErrInvalidHostname)
	}
	if strings.TrimSpace(p.User) == "" {
		validation.Add("user", ErrInvalidUser)
	}
	if p.Port < 0 || p.Port > 65535 {
		validation.Add("port", ErrInvalidPort)
	}
	return validation.Err()
}

// DirectHostID builds the identifier for a session created from explicit
// parameters rather than an alias.
func DirectHostID(user, hostname string, port int) string {
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s@%s", user, net.JoinHostPort(hostname, strconv.Itoa(port)))
}
