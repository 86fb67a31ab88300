// Package ssh provides the transport layer for ssh-liaison: dialing hosts,
// negotiating authentication, and opening interactive shell channels.
package ssh

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"

	"github.com/tOgg1/ssh-liaison/internal/logging"
	"github.com/tOgg1/ssh-liaison/internal/models"
)

// DefaultConnectTimeout bounds one dial plus handshake.
const DefaultConnectTimeout = 10 * time.Second

// DialFunc opens the raw network connection for an attempt.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Connector opens authenticated SSH client connections, one per call.
type Connector struct {
	timeout         time.Duration
	hostKeyCallback xssh.HostKeyCallback
	dial            DialFunc
	logger          zerolog.Logger
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithConnectTimeout sets the per-attempt dial and handshake timeout.
func WithConnectTimeout(timeout time.Duration) ConnectorOption {
	return func(c *Connector) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithHostKeyCallback sets the host key verification callback.
func WithHostKeyCallback(cb xssh.HostKeyCallback) ConnectorOption {
	return func(c *Connector) {
		c.hostKeyCallback = cb
	}
}

// WithDialFunc replaces the network dialer.
func WithDialFunc(dial DialFunc) ConnectorOption {
	return func(c *Connector) {
		c.dial = dial
	}
}

// WithConnectorLogger sets the logger.
func WithConnectorLogger(logger zerolog.Logger) ConnectorOption {
	return func(c *Connector) {
		c.logger = logger
	}
}

// NewConnector creates a Connector. Without WithHostKeyCallback host keys
// are not verified.
func NewConnector(opts ...ConnectorOption) *Connector {
	c := &Connector{
		timeout: DefaultConnectTimeout,
		logger:  logging.Component("ssh"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hostKeyCallback == nil {
		c.hostKeyCallback = xssh.InsecureIgnoreHostKey()
	}
	if c.dial == nil {
		dialer := &net.Dialer{Timeout: c.timeout, KeepAlive: 30 * time.Second}
		c.dial = dialer.DialContext
	}
	return c
}

// Dial opens one TCP connection to params and runs the SSH handshake with
// the given auth methods. Failures are returned as *ConnectError.
func (c *Connector) Dial(ctx context.Context, params models.ConnectionParams, methods ...xssh.AuthMethod) (*xssh.Client, error) {
	addr := params.Addr()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Reason: ReasonUnreachable, Addr: addr, Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	cfg := &xssh.ClientConfig{
		User:            params.User,
		Auth:            methods,
		HostKeyCallback: c.hostKeyCallback,
		Timeout:         c.timeout,
	}

	sshConn, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			_ = sshConn.Close()
		}
		return nil, &ConnectError{Reason: ReasonHandshake, Addr: addr, Err: errors.Join(ctx.Err(), err)}
	}
	if err != nil {
		_ = conn.Close()
		reason := ReasonHandshake
		if isAuthRejection(err) {
			reason = ReasonAuthRejected
		}
		c.logger.Debug().
			Str("addr", addr).
			Str("reason", string(reason)).
			Err(err).
			Msg("ssh handshake failed")
		return nil, &ConnectError{Reason: reason, Addr: addr, Err: err}
	}

	_ = conn.SetDeadline(time.Time{})
	return xssh.NewClient(sshConn, chans, reqs), nil
}
