package ssh

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tOgg1/ssh-liaison/internal/apperr"
	"github.com/tOgg1/ssh-liaison/internal/logging"
	"github.com/tOgg1/ssh-liaison/internal/models"
	"github.com/tOgg1/ssh-liaison/internal/shell"
)

// Opener authenticates to a host and starts its interactive shell.
type Opener struct {
	negotiator *Negotiator
	shell      ShellOptions
	logger     zerolog.Logger
}

// NewOpener creates an Opener using negotiator for authentication.
func NewOpener(negotiator *Negotiator, opts ShellOptions) *Opener {
	return &Opener{
		negotiator: negotiator,
		shell:      opts,
		logger:     logging.Component("ssh"),
	}
}

// Open returns a shell channel for params. Authentication failures keep the
// negotiator's error kind; failing to start the shell is a connect_error.
func (o *Opener) Open(ctx context.Context, params models.ConnectionParams) (shell.Channel, error) {
	result, err := o.negotiator.Negotiate(ctx, params)
	if err != nil {
		return nil, err
	}

	ch, err := OpenShell(result.Client, o.shell)
	if err != nil {
		_ = result.Client.Close()
		return nil, apperr.Wrap(apperr.KindConnect, "start shell on "+params.Target(), err)
	}

	logger := logging.WithHost(o.logger, params.HostID)
	logger.Debug().
		Str("source", string(result.Source)).
		Bool("pty", o.shell.PTY).
		Msg("shell channel open")
	return ch, nil
}

// LocalOpener starts shells on this machine instead of a remote host. It
// ignores the connection target.
type LocalOpener struct {
	// Shell is the program to run. Defaults to $SHELL, then /bin/sh.
	Shell string
	Rows  int
	Cols  int
}

// Open starts a local shell.
func (o LocalOpener) Open(_ context.Context, params models.ConnectionParams) (shell.Channel, error) {
	ch, err := OpenLocalShell(o.Shell, o.Rows, o.Cols)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConnect, fmt.Sprintf("start local shell for %s", params.HostID), err)
	}
	return ch, nil
}
