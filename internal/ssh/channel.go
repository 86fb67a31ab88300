package ssh

import (
	"fmt"
	"io"
	"sync"

	xssh "golang.org/x/crypto/ssh"
)

// ShellOptions configures the interactive shell channel.
type ShellOptions struct {
	// PTY requests a pseudo-terminal. Without one, job control and
	// interactive programs may behave differently.
	PTY  bool
	Term string
	Rows int
	Cols int
}

// DefaultShellOptions returns a wide PTY so long lines are not wrapped.
func DefaultShellOptions() ShellOptions {
	return ShellOptions{
		PTY:  true,
		Term: "xterm",
		Rows: 40,
		Cols: 200,
	}
}

// ShellChannel is an interactive login shell running over an SSH session.
// Stdout and stderr are merged into a single stream, in arrival order.
type ShellChannel struct {
	client  *xssh.Client
	session *xssh.Session
	stdin   io.WriteCloser
	output  *io.PipeReader
	pty     bool

	closeOnce sync.Once
}

// OpenShell starts an interactive shell on client. The channel owns the
// client and closes it on Close.
func OpenShell(client *xssh.Client, opts ShellOptions) (*ShellChannel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	if opts.PTY {
		modes := xssh.TerminalModes{
			xssh.ECHO:          0,
			xssh.TTY_OP_ISPEED: 14400,
			xssh.TTY_OP_OSPEED: 14400,
		}
		if err := session.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("request pty: %w", err)
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	go func() {
		_ = session.Wait()
		_ = pw.Close()
	}()

	return &ShellChannel{
		client:  client,
		session: session,
		stdin:   stdin,
		output:  pr,
		pty:     opts.PTY,
	}, nil
}

// Read reads merged shell output. It returns io.EOF once the remote shell
// exits or the connection drops.
func (c *ShellChannel) Read(p []byte) (int, error) {
	return c.output.Read(p)
}

// Write sends input to the shell.
func (c *ShellChannel) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

// Interrupt aborts the foreground command: Ctrl-C through the PTY, or a
// SIGINT channel request without one.
func (c *ShellChannel) Interrupt() error {
	if c.pty {
		_, err := c.stdin.Write([]byte{0x03})
		return err
	}
	return c.session.Signal(xssh.SIGINT)
}

// Ping sends an OpenSSH keepalive request over the connection.
func (c *ShellChannel) Ping() error {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

// PTY reports whether a pseudo-terminal backs the shell.
func (c *ShellChannel) PTY() bool {
	return c.pty
}

// RemoteAddr returns the server address.
func (c *ShellChannel) RemoteAddr() string {
	return c.client.RemoteAddr().String()
}

// Close tears down the session and the underlying connection.
func (c *ShellChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// Unblocks the session's stdout copier if nobody is reading.
		_ = c.output.Close()
		_ = c.session.Close()
		err = c.client.Close()
	})
	return err
}
