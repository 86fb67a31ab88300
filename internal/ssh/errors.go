package ssh

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPassphraseRequired  = errors.New("passphrase required for private key")
	ErrSSHAgentUnavailable = errors.New("ssh agent not available")
	ErrNoAgentIdentities   = errors.New("ssh agent holds no identities")
	ErrKeyNotFound         = errors.New("private key not found")
	ErrAuthRejected        = errors.New("rejected by server")
)

// ConnectReason classifies a failed connection attempt.
type ConnectReason string

const (
	// ReasonUnreachable means the TCP connection could not be established.
	ReasonUnreachable ConnectReason = "unreachable"
	// ReasonHandshake means the SSH protocol handshake failed before or
	// outside of user authentication (version, kex, host key).
	ReasonHandshake ConnectReason = "handshake"
	// ReasonAuthRejected means the server refused the offered credential.
	ReasonAuthRejected ConnectReason = "auth_rejected"
)

// ConnectError describes why a single connection attempt failed.
type ConnectError struct {
	Reason ConnectReason
	Addr   string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ssh %s: %s: %v", e.Addr, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// isAuthRejection reports whether a handshake error came from the server
// refusing every offered authentication method.
func isAuthRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}
