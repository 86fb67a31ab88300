package testutil

import (
	"os"
	"os/exec"
	"testing"
)

// SkipIfNoNetwork skips the test if LIAISON_TEST_SKIP_NETWORK is set.
// Use this for tests that listen on or dial TCP sockets, which may not be
// available in sandboxed environments.
func SkipIfNoNetwork(t *testing.T) {
	t.Helper()
	if os.Getenv("LIAISON_TEST_SKIP_NETWORK") != "" {
		t.Skip("skipping network test: LIAISON_TEST_SKIP_NETWORK is set")
	}
}

// RequireShell skips the test unless /bin/sh exists and a pseudo-terminal
// can be allocated. It returns the shell path.
func RequireShell(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("/bin/sh")
	if err != nil {
		t.Skip("/bin/sh not available")
	}
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("pseudo-terminals not available")
	}
	return path
}
