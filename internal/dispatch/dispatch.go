// Package dispatch implements the public operations of ssh-liaison:
// connect, run-command and read-log, plus disconnect and session listing.
// Every error it returns carries an apperr.Kind.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/ssh-liaison/internal/apperr"
	"github.com/tOgg1/ssh-liaison/internal/logging"
	"github.com/tOgg1/ssh-liaison/internal/models"
	"github.com/tOgg1/ssh-liaison/internal/registry"
	"github.com/tOgg1/ssh-liaison/internal/shell"
)

// DefaultLogLines is used by ReadLog when no line count is given.
const DefaultLogLines = 50

// AliasResolver turns a configured host alias into connection parameters.
type AliasResolver interface {
	Resolve(alias string) (models.ConnectionParams, error)
}

// Defaults fills credential sources that a request or alias leaves unset.
type Defaults struct {
	AgentSocket     string
	DefaultKeyPaths []string

	// MaxLogLines caps ReadLog line counts.
	MaxLogLines int
}

// Dispatcher maps operations onto the session registry.
type Dispatcher struct {
	registry *registry.Registry
	aliases  AliasResolver
	defaults Defaults
	logger   zerolog.Logger
}

// New creates a Dispatcher. aliases may be nil, in which case alias connects
// fail with config_not_found.
func New(reg *registry.Registry, aliases AliasResolver, defaults Defaults) *Dispatcher {
	if defaults.MaxLogLines <= 0 {
		defaults.MaxLogLines = 10000
	}
	return &Dispatcher{
		registry: reg,
		aliases:  aliases,
		defaults: defaults,
		logger:   logging.Component("dispatch"),
	}
}

// DirectParams are caller-supplied connection fields for a host that has no
// configured alias.
type DirectParams struct {
	// HostID defaults to user@hostname:port.
	HostID       string
	Hostname     string
	Port         int
	User         string
	Password     string
	IdentityFile string
}

// ConnectResult describes a successful connect.
type ConnectResult struct {
	HostID     string        `json:"host_id"`
	Connected  bool          `json:"connected"`
	Reused     bool          `json:"reused"`
	Dialect    shell.Dialect `json:"dialect"`
	RemoteAddr string        `json:"remote_addr"`
}

// Connect opens, or reuses, the session for a configured host alias.
func (d *Dispatcher) Connect(ctx context.Context, alias string) (*ConnectResult, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "host alias is required")
	}

	return d.connect(ctx, alias, func() (models.ConnectionParams, error) {
		if d.aliases == nil {
			return models.ConnectionParams{}, apperr.Newf(apperr.KindConfigNotFound, "no ssh config available to resolve %q", alias)
		}
		params, err := d.aliases.Resolve(alias)
		if err != nil {
			return models.ConnectionParams{}, err
		}
		return d.withDefaults(params), nil
	})
}

// ConnectDirect opens, or reuses, a session from explicit parameters.
func (d *Dispatcher) ConnectDirect(ctx context.Context, direct DirectParams) (*ConnectResult, error) {
	direct.Hostname = strings.TrimSpace(direct.Hostname)
	direct.User = strings.TrimSpace(direct.User)
	if direct.Hostname == "" || direct.User == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "user and hostname are required")
	}
	if direct.Port < 0 || direct.Port > 65535 {
		return nil, apperr.Newf(apperr.KindInvalidRequest, "port %d is out of range", direct.Port)
	}

	hostID := strings.TrimSpace(direct.HostID)
	if hostID == "" {
		hostID = models.DirectHostID(direct.User, direct.Hostname, direct.Port)
	}

	return d.connect(ctx, hostID, func() (models.ConnectionParams, error) {
		return d.withDefaults(models.ConnectionParams{
			HostID:   hostID,
			Hostname: direct.Hostname,
			Port:     direct.Port,
			User:     direct.User,
			Credentials: models.Credentials{
				IdentityFile: direct.IdentityFile,
				Password:     direct.Password,
			},
		}), nil
	})
}

func (d *Dispatcher) connect(ctx context.Context, hostID string, supply registry.ParamsSupplier) (*ConnectResult, error) {
	s, created, err := d.registry.GetOrCreate(ctx, hostID, supply)
	if err != nil {
		logger := logging.WithHost(d.logger, hostID)
		logger.Debug().
			Str("kind", string(apperr.KindOf(err))).
			Msg("connect failed")
		return nil, err
	}

	info := s.Info()
	return &ConnectResult{
		HostID:     hostID,
		Connected:  true,
		Reused:     !created,
		Dialect:    info.Dialect,
		RemoteAddr: info.RemoteAddr,
	}, nil
}

func (d *Dispatcher) withDefaults(params models.ConnectionParams) models.ConnectionParams {
	if params.Credentials.AgentSocket == "" && !params.Credentials.AgentDisabled {
		params.Credentials.AgentSocket = d.defaults.AgentSocket
	}
	if len(params.Credentials.DefaultKeyPaths) == 0 {
		params.Credentials.DefaultKeyPaths = append([]string(nil), d.defaults.DefaultKeyPaths...)
	}
	return params
}

// RunRequest is one run-command call.
type RunRequest struct {
	HostID  string
	Command string

	// Timeout overrides the configured command timeout when positive.
	Timeout time.Duration

	// SudoPassword answers a sudo prompt once.
	SudoPassword string
}

// CommandResult is the outcome of run-command or read-log.
type CommandResult struct {
	HostID     string        `json:"host_id"`
	Output     string        `json:"output"`
	ExitStatus int           `json:"exit_status"`
	Truncated  bool          `json:"truncated,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Text renders the result as a single block: the output, followed by the
// exit status when it is not zero.
func (r *CommandResult) Text() string {
	var b strings.Builder
	b.WriteString(r.Output)
	if r.Truncated {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("[output truncated]")
	}
	if r.ExitStatus != 0 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[exit status: %d]", r.ExitStatus)
	}
	return b.String()
}

// RunCommand executes a command in the connected session for req.HostID.
func (d *Dispatcher) RunCommand(ctx context.Context, req RunRequest) (*CommandResult, error) {
	hostID := strings.TrimSpace(req.HostID)
	if hostID == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "host identifier is required")
	}
	if req.Timeout < 0 {
		return nil, apperr.New(apperr.KindInvalidRequest, "timeout must not be negative")
	}

	res, err := d.registry.Execute(ctx, hostID, req.Command, shell.ExecOptions{
		Timeout:      req.Timeout,
		SudoPassword: req.SudoPassword,
	})
	if err != nil {
		return nil, err
	}

	return &CommandResult{
		HostID:     hostID,
		Output:     res.Output,
		ExitStatus: res.ExitStatus,
		Truncated:  res.Truncated,
		Duration:   res.Duration,
	}, nil
}

// ReadLogRequest is one read-log call.
type ReadLogRequest struct {
	HostID string
	Path   string

	// Lines defaults to DefaultLogLines.
	Lines int

	Timeout time.Duration
}

// ReadLog returns the last lines of a remote file by running tail in the
// host's session.
func (d *Dispatcher) ReadLog(ctx context.Context, req ReadLogRequest) (*CommandResult, error) {
	path := strings.TrimSpace(req.Path)
	if path == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "file path is required")
	}
	if strings.ContainsAny(path, "\n\r\x00") {
		return nil, apperr.New(apperr.KindInvalidRequest, "file path must be a single line")
	}

	lines := req.Lines
	if lines == 0 {
		lines = DefaultLogLines
	}
	if lines < 0 || lines > d.defaults.MaxLogLines {
		return nil, apperr.Newf(apperr.KindInvalidRequest, "lines must be between 1 and %d", d.defaults.MaxLogLines)
	}

	s, err := d.registry.Lookup(strings.TrimSpace(req.HostID))
	if err != nil {
		return nil, err
	}

	return d.RunCommand(ctx, RunRequest{
		HostID:  req.HostID,
		Command: TailCommand(s.Dialect(), path, lines),
		Timeout: req.Timeout,
	})
}

// TailCommand composes the command that prints the last lines of path.
func TailCommand(dialect shell.Dialect, path string, lines int) string {
	return fmt.Sprintf("tail -n %d -- %s", lines, dialect.Quote(path))
}

// Disconnect closes the session for hostID.
func (d *Dispatcher) Disconnect(hostID string) error {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return apperr.New(apperr.KindInvalidRequest, "host identifier is required")
	}
	return d.registry.Disconnect(hostID)
}

// Sessions lists registered sessions.
func (d *Dispatcher) Sessions() []shell.Info {
	return d.registry.List()
}

// Close closes every session.
func (d *Dispatcher) Close() {
	d.registry.CloseAll()
}
