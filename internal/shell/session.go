package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/rs/zerolog"

	"github.com/tOgg1/ssh-liaison/internal/apperr"
	"github.com/tOgg1/ssh-liaison/internal/logging"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateStarting State = "starting"
	StateAlive    State = "alive"
	StateBusy     State = "busy"
	StateDead     State = "dead"
)

const (
	chunkBuffer         = 64
	readBufferSize      = 32 * 1024
	versionProbeTimeout = 5 * time.Second
	closeWait           = 2 * time.Second
	promptWindow        = 256
	promptSettle        = 200 * time.Millisecond
)

// ErrSessionClosed is the cause recorded for sessions closed locally.
var ErrSessionClosed = errors.New("session closed")

// ErrPasswordRequired is wrapped by Execute when a command stops at a
// password prompt and no sudo password was supplied.
var ErrPasswordRequired = errors.New("command is waiting for a password")

var (
	errAwaitTimeout     = errors.New("sentinel not received before deadline")
	errPasswordRejected = errors.New("password prompt repeated after answering")
)

// Options configures a Session.
type Options struct {
	// Dialect is auto, posix, fish or csh.
	Dialect string

	// CommandTimeout is the default per-command deadline.
	CommandTimeout time.Duration

	// StartTimeout bounds each startup round trip.
	StartTimeout time.Duration

	// MaxOutputBytes caps retained output per command. Zero is unlimited.
	MaxOutputBytes int

	// InterruptOnTimeout sends Ctrl-C to a command that missed its deadline.
	InterruptOnTimeout bool
}

// DefaultOptions returns the default session options.
func DefaultOptions() Options {
	return Options{
		Dialect:            string(DialectAuto),
		CommandTimeout:     30 * time.Second,
		StartTimeout:       15 * time.Second,
		MaxOutputBytes:     4 << 20,
		InterruptOnTimeout: true,
	}
}

// ExecOptions tunes a single Execute call.
type ExecOptions struct {
	// Timeout overrides the session's CommandTimeout when positive.
	Timeout time.Duration

	// SudoPassword answers a sudo password prompt once. It is masked out
	// of the returned output and never logged.
	SudoPassword string
}

// Result is the outcome of one command.
type Result struct {
	Output     string        `json:"output"`
	ExitStatus int           `json:"exit_status"`
	Truncated  bool          `json:"truncated,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Info is a point-in-time description of a Session.
type Info struct {
	HostID     string    `json:"host_id"`
	State      State     `json:"state"`
	Dialect    Dialect   `json:"dialect"`
	RemoteAddr string    `json:"remote_addr"`
	PTY        bool      `json:"pty"`
	StartedAt  time.Time `json:"started_at"`
	LastUsed   time.Time `json:"last_used"`
	Commands   uint64    `json:"commands"`
}

// Session is one long-lived interactive shell. Working directory,
// environment, shell variables and history persist across commands. At most
// one command runs at a time; callers queue in arrival order.
type Session struct {
	hostID string
	ch     Channel
	opts   Options
	logger zerolog.Logger

	dialect   Dialect
	echo      bool
	startedAt time.Time

	exec      chan struct{}
	chunks    chan []byte
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once

	seq      atomic.Uint64
	commands atomic.Uint64

	mu           sync.Mutex
	state        State
	resyncNeeded bool
	lastUsed     time.Time
	cause        error
}

// Start takes ownership of ch, quiets the shell and detects its dialect. On
// failure the channel is closed.
func Start(ctx context.Context, hostID string, ch Channel, opts Options) (*Session, error) {
	dialect, err := ParseDialect(opts.Dialect)
	if err != nil {
		_ = ch.Close()
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "shell dialect", err)
	}

	defaults := DefaultOptions()
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaults.CommandTimeout
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaults.StartTimeout
	}
	if opts.MaxOutputBytes < 0 {
		opts.MaxOutputBytes = 0
	}

	now := time.Now()
	s := &Session{
		hostID:    hostID,
		ch:        ch,
		opts:      opts,
		logger:    logging.WithHost(logging.Component("shell"), hostID),
		startedAt: now,
		exec:      make(chan struct{}, 1),
		chunks:    make(chan []byte, chunkBuffer),
		done:      make(chan struct{}),
		closing:   make(chan struct{}),
		state:     StateStarting,
		lastUsed:  now,
	}

	go s.pump()

	if err := s.bootstrap(ctx, dialect); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StateAlive
	}
	s.mu.Unlock()

	s.logger.Debug().
		Str("dialect", string(s.dialect)).
		Bool("pty", ch.PTY()).
		Bool("echo", s.echo).
		Msg("shell session ready")
	return s, nil
}

// pump moves channel output into the chunk queue until the channel fails.
func (s *Session) pump() {
	defer close(s.done)
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.ch.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-s.closing:
				return
			}
		}
		if err != nil {
			s.markDead(err)
			return
		}
	}
}

func (s *Session) bootstrap(ctx context.Context, dialect Dialect) error {
	if dialect == DialectAuto {
		detected, err := s.detectDialect(ctx)
		if err != nil {
			return err
		}
		dialect = detected
	}
	s.dialect = dialect

	if !s.ch.PTY() && !dialect.mergesStderr() {
		return apperr.Newf(apperr.KindConnect, "%s runs a %s login shell, which needs a pseudo-terminal; enable shell.request_pty", s.hostID, dialect)
	}

	if _, err := s.roundTrip(ctx, dialect.initScript(s.ch.PTY()), dialect.statusExpr(), s.opts.StartTimeout); err != nil {
		return s.startError("initialize shell", err)
	}

	// Echo settings from the init script apply to input written after it ran.
	m, err := s.roundTrip(ctx, "", dialect.statusExpr(), s.opts.StartTimeout)
	if err != nil {
		return s.startError("synchronize shell", err)
	}
	s.echo = strings.Contains(cleanOutput(m.output), echoMarker)
	return nil
}

func (s *Session) detectDialect(ctx context.Context) (Dialect, error) {
	m, err := s.roundTrip(ctx, "", `"$status"`, s.opts.StartTimeout)
	if errors.Is(err, errAwaitTimeout) {
		s.logger.Warn().Msg("shell did not answer dialect probe, assuming posix")
		return DialectPOSIX, nil
	}
	if err != nil {
		return "", s.startError("probe shell", err)
	}
	if d, ok := dialectFromStatusProbe(m.status); ok {
		return d, nil
	}

	timeout := min(versionProbeTimeout, s.opts.StartTimeout)
	m, err = s.roundTrip(ctx, versionProbe, `"$status"`, timeout)
	if errors.Is(err, errAwaitTimeout) {
		return DialectCsh, nil
	}
	if err != nil {
		return "", s.startError("probe shell", err)
	}
	return dialectFromVersionProbe(cleanOutput(m.output)), nil
}

// startError reports a startup failure as connect_error.
func (s *Session) startError(step string, err error) error {
	if errors.Is(err, errAwaitTimeout) {
		return apperr.Newf(apperr.KindConnect, "%s on %s: no response within %s", step, s.hostID, s.opts.StartTimeout)
	}
	return apperr.Wrap(apperr.KindConnect, fmt.Sprintf("%s on %s", step, s.hostID), err)
}

// roundTrip writes pre, if any, followed by a fresh sentinel statement and
// waits for the sentinel.
func (s *Session) roundTrip(ctx context.Context, pre, statusExpr string, timeout time.Duration) (*scanMatch, error) {
	sent := newSentinel(s.seq.Add(1))

	var b strings.Builder
	if pre != "" {
		b.WriteString(strings.TrimRight(pre, "\n"))
		b.WriteByte('\n')
	}
	b.WriteString(sent.statement(statusExpr))
	b.WriteByte('\n')

	if _, err := io.WriteString(s.ch, b.String()); err != nil {
		return nil, s.lost(err)
	}
	return s.await(ctx, sent, timeout, "")
}

// await consumes output until the sentinel line for sent arrives. A
// password prompt that stays on screen for promptSettle is answered once
// with sudoPassword, or aborts the wait when there is nothing to answer.
func (s *Session) await(ctx context.Context, sent sentinel, timeout time.Duration, sudoPassword string) (*scanMatch, error) {
	sc := newScanner(sent.token(), s.opts.MaxOutputBytes)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	prompt := time.NewTimer(promptSettle)
	prompt.Stop()
	defer prompt.Stop()
	answered := false

	for {
		select {
		case chunk := <-s.chunks:
			if m, ok := sc.feed(chunk); ok {
				return m, nil
			}
			if looksLikePasswordPrompt(sc.recent(promptWindow)) {
				prompt.Reset(promptSettle)
			} else {
				prompt.Stop()
			}

		case <-prompt.C:
			if answered {
				return nil, errPasswordRejected
			}
			if sudoPassword == "" {
				return nil, ErrPasswordRequired
			}
			if _, err := io.WriteString(s.ch, sudoPassword+"\n"); err != nil {
				return nil, s.lost(err)
			}
			answered = true
			s.logger.Debug().Uint64("seq", sent.seq).Msg("answered password prompt")

		case <-s.done:
			for {
				select {
				case chunk := <-s.chunks:
					if m, ok := sc.feed(chunk); ok {
						return m, nil
					}
				default:
					return nil, s.lost(s.Err())
				}
			}

		case <-timer.C:
			return nil, errAwaitTimeout

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Execute runs command in the shell and returns its merged output and exit
// status. A command that misses its deadline yields command_timeout and the
// session stays usable; a broken transport yields session_lost.
func (s *Session) Execute(ctx context.Context, command string, eo ExecOptions) (*Result, error) {
	if strings.TrimSpace(command) == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "command is required")
	}
	timeout := eo.Timeout
	if timeout <= 0 {
		timeout = s.opts.CommandTimeout
	}

	select {
	case s.exec <- struct{}{}:
	case <-ctx.Done():
		return nil, contextError(ctx.Err())
	}
	defer func() { <-s.exec }()

	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	start := time.Now()
	if s.needsResync() {
		if err := s.resync(ctx, timeout); err != nil {
			return nil, err
		}
	}
	s.drain()

	sent := newSentinel(s.seq.Add(1))
	payload := s.dialect.submission(command, sent, eo.SudoPassword != "", s.ch.PTY())
	if s.ch.PTY() && longestLine(payload) > maxCanonicalLine {
		return nil, apperr.Newf(apperr.KindInvalidRequest,
			"command has a line longer than %d bytes, which the terminal would truncate; split it or run it from a script file", maxCanonicalLine)
	}

	s.logger.Debug().
		Uint64("seq", sent.seq).
		Str("command", logging.Redact(command)).
		Bool("sudo_password", eo.SudoPassword != "").
		Msg("executing command")

	if _, err := io.WriteString(s.ch, payload); err != nil {
		return nil, s.lost(err)
	}

	m, err := s.await(ctx, sent, timeout, eo.SudoPassword)
	switch {
	case err == nil:
	case errors.Is(err, errAwaitTimeout):
		s.abandon()
		s.logger.Warn().Uint64("seq", sent.seq).Dur("timeout", timeout).Msg("command timed out")
		return nil, apperr.Newf(apperr.KindCommandTimeout, "command did not complete within %s", timeout)
	case errors.Is(err, ErrPasswordRequired):
		s.abandon()
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "no sudo password supplied", ErrPasswordRequired)
	case errors.Is(err, errPasswordRejected):
		s.abandon()
		return nil, apperr.New(apperr.KindInvalidRequest, "sudo password was not accepted")
	case ctx.Err() != nil:
		s.abandon()
		return nil, contextError(err)
	default:
		return nil, err
	}

	output := cleanOutput(m.output)
	if s.echo {
		output = stripEcho(output, command)
	}
	output = logging.Mask(output, eo.SudoPassword)

	result := &Result{
		Output:     output,
		ExitStatus: parseExitStatus(m.status),
		Truncated:  m.truncated,
		Duration:   time.Since(start),
	}
	s.commands.Add(1)

	s.logger.Debug().
		Uint64("seq", sent.seq).
		Int("exit_status", result.ExitStatus).
		Int("output_bytes", len(result.Output)).
		Dur("duration", result.Duration).
		Msg("command finished")
	return result, nil
}

// abandon gives up on the in-flight command. The shell may still emit its
// output and sentinel, so the next Execute resynchronizes first.
func (s *Session) abandon() {
	s.mu.Lock()
	s.resyncNeeded = true
	s.mu.Unlock()

	if s.opts.InterruptOnTimeout {
		if err := s.ch.Interrupt(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to interrupt command")
		}
	}
}

// resync discards everything up to a fresh sentinel so leftovers of an
// abandoned command cannot leak into the next result.
func (s *Session) resync(ctx context.Context, timeout time.Duration) error {
	s.drain()
	_, err := s.roundTrip(ctx, "", s.dialect.statusExpr(), timeout)
	switch {
	case err == nil:
		s.mu.Lock()
		s.resyncNeeded = false
		s.mu.Unlock()
		s.logger.Debug().Msg("session resynchronized")
		return nil
	case errors.Is(err, errAwaitTimeout):
		if s.opts.InterruptOnTimeout {
			_ = s.ch.Interrupt()
		}
		return apperr.Newf(apperr.KindCommandTimeout, "session %s is still busy with a previous command", s.hostID)
	case ctx.Err() != nil:
		return contextError(err)
	default:
		return err
	}
}

func (s *Session) drain() {
	dropped := 0
	for {
		select {
		case chunk := <-s.chunks:
			dropped += len(chunk)
		default:
			if dropped > 0 {
				s.logger.Trace().Int("bytes", dropped).Msg("discarded stray output")
			}
			return
		}
	}
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDead {
		return s.lostErrorLocked()
	}
	s.state = StateBusy
	s.lastUsed = time.Now()
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateBusy {
		s.state = StateAlive
	}
	s.lastUsed = time.Now()
}

func (s *Session) needsResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncNeeded
}

// Ping checks an idle session's transport. Busy sessions are considered
// healthy. A failed or stalled ping marks the session dead.
func (s *Session) Ping(ctx context.Context) error {
	switch s.State() {
	case StateDead:
		return s.lost(s.Err())
	case StateBusy, StateStarting:
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ch.Ping()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return s.lost(fmt.Errorf("keepalive: %w", err))
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return s.lost(fmt.Errorf("keepalive: %w", ctx.Err()))
	}
}

// lost marks the session dead and returns a session_lost error.
func (s *Session) lost(err error) error {
	s.markDead(err)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lostErrorLocked()
}

func (s *Session) lostErrorLocked() error {
	return apperr.Wrap(apperr.KindSessionLost, fmt.Sprintf("session %s lost", s.hostID), s.cause)
}

func (s *Session) markDead(err error) {
	if err == nil {
		err = io.EOF
	}

	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.state = StateDead
	s.cause = err
	s.mu.Unlock()

	if errors.Is(err, ErrSessionClosed) {
		s.logger.Debug().Msg("shell session closed")
	} else {
		s.logger.Info().Err(err).Msg("shell session lost")
	}

	s.closeOnce.Do(func() {
		close(s.closing)
		_ = s.ch.Close()
	})
}

// Close terminates the shell and its transport.
func (s *Session) Close() error {
	s.markDead(ErrSessionClosed)
	select {
	case <-s.done:
	case <-time.After(closeWait):
		s.logger.Warn().Msg("shell output reader did not stop")
	}
	return nil
}

// HostID returns the identifier the session was created for.
func (s *Session) HostID() string {
	return s.hostID
}

// Dialect returns the detected or configured shell dialect.
func (s *Session) Dialect() Dialect {
	return s.dialect
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Alive reports whether the session can accept commands.
func (s *Session) Alive() bool {
	return s.State() != StateDead
}

// Err returns why the session died, or nil while it is alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Info returns a snapshot for listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		HostID:     s.hostID,
		State:      s.state,
		Dialect:    s.dialect,
		RemoteAddr: s.ch.RemoteAddr(),
		PTY:        s.ch.PTY(),
		StartedAt:  s.startedAt,
		LastUsed:   s.lastUsed,
		Commands:   s.commands.Load(),
	}
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindCommandTimeout, "command deadline exceeded", err)
	}
	return err
}

// looksLikePasswordPrompt reports whether the trailing, unterminated line of
// output is a password prompt such as sudo's.
func looksLikePasswordPrompt(recent []byte) bool {
	text := ansi.Strip(string(recent))
	line := text[strings.LastIndexByte(text, '\n')+1:]
	line = strings.TrimRight(line, "\r")
	if i := strings.LastIndexByte(line, '\r'); i >= 0 {
		line = line[i+1:]
	}
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "[sudo] password for") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(line), "password:")
}
