// Package shell implements the stateful shell session protocol: one
// long-lived interactive shell per host, with each command's output and exit
// status delimited by a unique sentinel line.
package shell

import "io"

// Channel is an open, authenticated byte stream to an interactive shell.
// Reads return merged stdout and stderr and fail with io.EOF once the shell
// or its transport is gone.
type Channel interface {
	io.Reader
	io.Writer

	// Interrupt asks the shell to abort its foreground command.
	Interrupt() error

	// Ping checks that the transport is still alive.
	Ping() error

	// PTY reports whether a pseudo-terminal backs the channel.
	PTY() bool

	// RemoteAddr identifies the peer for diagnostics.
	RemoteAddr() string

	Close() error
}
