package ssh

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

var errLocalShellExited = errors.New("local shell exited")

// LocalShell is an interactive shell on this machine behind a PTY. It
// satisfies the same channel contract as ShellChannel.
type LocalShell struct {
	path string
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}

	closeOnce sync.Once
}

// OpenLocalShell starts path (default $SHELL, then /bin/sh) on a new PTY.
func OpenLocalShell(path string, rows, cols int) (*LocalShell, error) {
	if path == "" {
		path = os.Getenv("SHELL")
	}
	if path == "" {
		path = "/bin/sh"
	}
	if rows <= 0 {
		rows = 40
	}
	if cols <= 0 {
		cols = 200
	}

	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), "TERM=dumb")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("start local shell %s: %w", path, err)
	}

	l := &LocalShell{
		path: path,
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(l.done)
	}()
	return l, nil
}

// Read reads shell output. The PTY reports EIO once the shell exits; that
// is surfaced as io.EOF.
func (l *LocalShell) Read(p []byte) (int, error) {
	n, err := l.ptmx.Read(p)
	if err != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		err = io.EOF
	}
	return n, err
}

func (l *LocalShell) Write(p []byte) (int, error) {
	return l.ptmx.Write(p)
}

// Interrupt sends Ctrl-C through the PTY.
func (l *LocalShell) Interrupt() error {
	_, err := l.ptmx.Write([]byte{0x03})
	return err
}

// Ping fails once the shell process has exited.
func (l *LocalShell) Ping() error {
	select {
	case <-l.done:
		return errLocalShellExited
	default:
		return nil
	}
}

func (l *LocalShell) PTY() bool {
	return true
}

func (l *LocalShell) RemoteAddr() string {
	return "local:" + l.path
}

// Close kills the shell and releases the PTY.
func (l *LocalShell) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.cmd.Process != nil {
			_ = l.cmd.Process.Kill()
		}
		<-l.done
		err = l.ptmx.Close()
	})
	return err
}
