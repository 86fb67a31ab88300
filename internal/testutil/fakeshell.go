package testutil

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// FakeShellOptions configures a FakeShell.
type FakeShellOptions struct {
	// Kind is the emulated shell: bash (default), zsh, fish, csh or tcsh.
	Kind string

	// Echo keeps input echo on regardless of stty.
	Echo bool

	// SudoPassword is accepted by the sudo command.
	SudoPassword string

	// Cwd is the initial working directory. Defaults to /home/pi.
	Cwd string

	// Mute makes the shell swallow all input without answering.
	Mute bool

	// NoPTY reports the channel as a plain pipe without a terminal.
	NoPTY bool
}

type fakeResponse struct {
	output string
	status int
}

// FakeShell is an in-memory interactive shell speaking the subset of syntax
// the session protocol writes. It implements the shell channel interface and
// understands a few commands:
//
//	cd DIR, pwd, echo ARGS, true, false, exit-with N,
//	hang (reads input until interrupted), drop (closes the transport),
//	sudo CMD (prompts for SudoPassword), no-newline
//
// Other commands answer with responses registered through On, or "not
// found" and status 127. Output uses CRLF line endings like a terminal.
type FakeShell struct {
	opts FakeShellOptions

	lines chan string
	intr  chan struct{}
	done  chan struct{}

	outR *io.PipeReader
	outW *io.PipeWriter
	wmu  sync.Mutex

	mu         sync.Mutex
	partial    string
	status     int
	cwd        string
	env        map[string]string
	waiting    bool
	interrupts int
	received   []string
	responses  map[string]fakeResponse
	closed     bool
	closeOnce  sync.Once
}

var statementPattern = regexp.MustCompile(`^printf '\\n%s%s:%s\\n' '([^']*)' '([^']*)' (\S+)$`)

// NewFakeShell starts a fake shell that is closed when the test ends.
func NewFakeShell(t *testing.T, opts FakeShellOptions) *FakeShell {
	t.Helper()
	if opts.Kind == "" {
		opts.Kind = "bash"
	}
	if opts.Cwd == "" {
		opts.Cwd = "/home/pi"
	}
	outR, outW := io.Pipe()
	f := &FakeShell{
		opts:      opts,
		lines:     make(chan string, 256),
		intr:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		outR:      outR,
		outW:      outW,
		cwd:       opts.Cwd,
		env:       map[string]string{},
		responses: map[string]fakeResponse{},
	}
	go f.loop()
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// On registers a fixed response for an exact command line.
func (f *FakeShell) On(command, output string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[command] = fakeResponse{output: output, status: status}
}

// Received returns every input line the shell consumed.
func (f *FakeShell) Received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

// Interrupts returns how many times Interrupt was called.
func (f *FakeShell) Interrupts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

// Closed reports whether the transport was closed.
func (f *FakeShell) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeShell) Read(p []byte) (int, error) {
	return f.outR.Read(p)
}

func (f *FakeShell) Write(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	f.partial += string(p)
	var complete []string
	for {
		i := strings.IndexByte(f.partial, '\n')
		if i < 0 {
			break
		}
		complete = append(complete, f.partial[:i])
		f.partial = f.partial[i+1:]
	}
	f.mu.Unlock()

	if f.opts.Echo {
		f.emit(strings.ReplaceAll(string(p), "\n", "\r\n"))
	}
	for _, line := range complete {
		select {
		case f.lines <- line:
		case <-f.done:
			return 0, io.ErrClosedPipe
		}
	}
	return len(p), nil
}

// Interrupt aborts a command that is reading input, like Ctrl-C.
func (f *FakeShell) Interrupt() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return io.ErrClosedPipe
	}
	f.interrupts++
	waiting := f.waiting
	f.mu.Unlock()

	if waiting {
		select {
		case f.intr <- struct{}{}:
		default:
		}
		return nil
	}
	f.emit("^C\r\n")
	return nil
}

func (f *FakeShell) Ping() error {
	if f.Closed() {
		return errors.New("fake shell closed")
	}
	return nil
}

func (f *FakeShell) PTY() bool { return !f.opts.NoPTY }

func (f *FakeShell) RemoteAddr() string { return "fake:22" }

// Close drops the transport. Pending reads return io.EOF.
func (f *FakeShell) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
		_ = f.outW.CloseWithError(io.EOF)
	})
	return nil
}

func (f *FakeShell) emit(s string) {
	if s == "" {
		return
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_, _ = io.WriteString(f.outW, s)
}

func (f *FakeShell) emitLine(s string) {
	f.emit(s + "\r\n")
}

func (f *FakeShell) setStatus(n int) {
	f.mu.Lock()
	f.status = n
	f.mu.Unlock()
}

func (f *FakeShell) next() (string, bool) {
	select {
	case line := <-f.lines:
		f.mu.Lock()
		f.received = append(f.received, line)
		f.mu.Unlock()
		return line, true
	case <-f.done:
		return "", false
	}
}

// input reads a line on behalf of a running command. It returns false when
// the command was interrupted or the shell closed.
func (f *FakeShell) input() (string, bool) {
	f.mu.Lock()
	f.waiting = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.waiting = false
		f.mu.Unlock()
	}()

	select {
	case <-f.intr:
		f.emitLine("^C")
		return "", false
	default:
	}

	select {
	case line := <-f.lines:
		f.mu.Lock()
		f.received = append(f.received, line)
		f.mu.Unlock()
		return line, true
	case <-f.intr:
		f.emitLine("^C")
		return "", false
	case <-f.done:
		return "", false
	}
}

func (f *FakeShell) loop() {
	for {
		line, ok := f.next()
		if !ok {
			return
		}
		if f.opts.Mute {
			continue
		}
		f.handle(line)
	}
}

func (f *FakeShell) handle(line string) {
	if body, ok := cutAny(line, "{ ", "begin; "); ok {
		closing, ok := f.next()
		if !ok {
			return
		}
		f.run(body)
		if rest, ok := cutAny(closing, "}; ", "end 2>&1; ", "end; "); ok && rest != "" {
			f.handle(rest)
		}
		return
	}
	for _, part := range strings.Split(line, "; ") {
		f.run(part)
	}
}

func cutAny(s string, prefixes ...string) (string, bool) {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return strings.TrimPrefix(s, p), true
		}
	}
	return s, false
}

func (f *FakeShell) run(cmd string) {
	cmd = strings.TrimSpace(cmd)

	if m := statementPattern.FindStringSubmatch(cmd); m != nil {
		f.emit("\r\n" + m[1] + m[2] + ":" + f.expand(m[3]) + "\r\n")
		return
	}

	switch {
	case cmd == "":
	case f.isSetup(cmd):
		f.setStatus(0)
	case cmd == `printf '%s\n' "$version"`:
		f.versionProbe()
	case cmd == "pwd":
		f.mu.Lock()
		cwd := f.cwd
		f.mu.Unlock()
		f.emitLine(cwd)
		f.setStatus(0)
	case strings.HasPrefix(cmd, "cd "):
		f.mu.Lock()
		f.cwd = strings.Trim(strings.TrimPrefix(cmd, "cd "), `'"`)
		f.mu.Unlock()
		f.setStatus(0)
	case strings.HasPrefix(cmd, "export "):
		k, v, _ := strings.Cut(strings.TrimPrefix(cmd, "export "), "=")
		f.mu.Lock()
		f.env[k] = strings.Trim(v, `'"`)
		f.mu.Unlock()
		f.setStatus(0)
	case strings.HasPrefix(cmd, "echo "):
		f.emitLine(f.expandVars(strings.TrimPrefix(cmd, "echo ")))
		f.setStatus(0)
	case cmd == "true":
		f.setStatus(0)
	case cmd == "false":
		f.setStatus(1)
	case strings.HasPrefix(cmd, "exit-with "):
		n, _ := strconv.Atoi(strings.TrimPrefix(cmd, "exit-with "))
		f.setStatus(n)
	case cmd == "no-newline":
		f.emit("partial")
		f.setStatus(0)
	case cmd == "hang":
		for {
			if _, ok := f.input(); !ok {
				break
			}
		}
		f.setStatus(130)
	case cmd == "drop", cmd == "exit":
		_ = f.Close()
	case strings.HasPrefix(cmd, "sudo "):
		f.sudo(strings.TrimPrefix(cmd, "sudo "))
	default:
		f.mu.Lock()
		resp, ok := f.responses[cmd]
		f.mu.Unlock()
		if !ok {
			f.emitLine(fmt.Sprintf("sh: %s: command not found", strings.Fields(cmd)[0]))
			f.setStatus(127)
			return
		}
		if resp.output != "" {
			f.emit(strings.ReplaceAll(resp.output, "\n", "\r\n"))
		}
		f.setStatus(resp.status)
	}
}

func (f *FakeShell) isSetup(cmd string) bool {
	if cmd == "end" {
		return true
	}
	for _, prefix := range []string{"stty ", "command set +o", "unsetopt", "PS1=", "PS2=", "PROMPT", "RPROMPT", "PROMPT_COMMAND", "PROMPT_EOL_MARK", "export PAGER", "function fish_", "set -gx", "unset ", "set prompt", "setenv ", "exec 2>&1"} {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

func (f *FakeShell) versionProbe() {
	switch f.opts.Kind {
	case "fish":
		f.emitLine("3.6.1")
		f.setStatus(0)
	case "tcsh":
		f.emitLine("tcsh 6.24.07 (Astron) 2022-12-21 (x86_64-amd-linux) options wide,nls,dl,al,kan,sm,rh,color,filec")
		f.setStatus(0)
	case "csh":
		f.emitLine("version: Undefined variable.")
		f.setStatus(1)
	default:
		f.emitLine("")
		f.setStatus(0)
	}
}

// expand evaluates the status expression of a sentinel statement.
func (f *FakeShell) expand(expr string) string {
	f.mu.Lock()
	status := f.status
	f.mu.Unlock()

	switch expr {
	case `"$?"`:
		if f.opts.Kind == "fish" || f.opts.Kind == "csh" || f.opts.Kind == "tcsh" {
			return ""
		}
		return strconv.Itoa(status)
	case `"$status"`:
		if f.opts.Kind == "bash" {
			return ""
		}
		return strconv.Itoa(status)
	default:
		return ""
	}
}

func (f *FakeShell) expandVars(s string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s = strings.Trim(s, `'"`)
	for k, v := range f.env {
		s = strings.ReplaceAll(s, "$"+k, v)
	}
	return s
}

func (f *FakeShell) sudo(cmd string) {
	const prompt = "[sudo] password for pi: "
	f.emit(prompt)
	for attempt := 1; attempt <= 3; attempt++ {
		line, ok := f.input()
		if !ok {
			f.setStatus(1)
			return
		}
		if f.opts.SudoPassword != "" && line == f.opts.SudoPassword {
			f.emit("\r\n")
			f.run(cmd)
			return
		}
		if attempt < 3 {
			f.emit("\r\nSorry, try again.\r\n" + prompt)
		}
	}
	f.emitLine("\r\nsudo: 3 incorrect password attempts")
	f.setStatus(1)
}
