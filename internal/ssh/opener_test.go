package ssh

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"

	"github.com/tOgg1/ssh-liaison/internal/apperr"
	"github.com/tOgg1/ssh-liaison/internal/models"
	"github.com/tOgg1/ssh-liaison/internal/shell"
	"github.com/tOgg1/ssh-liaison/internal/testutil"
)

func startRemoteSession(t *testing.T, srv *testutil.SSHServer, keyPath string, opts ShellOptions) *shell.Session {
	t.Helper()
	opener := NewOpener(NewNegotiator(NewConnector(WithConnectTimeout(5*time.Second))), opts)

	ch, err := opener.Open(context.Background(), serverParams(srv, models.Credentials{IdentityFile: keyPath}))
	require.NoError(t, err)

	sessOpts := shell.DefaultOptions()
	sessOpts.StartTimeout = 10 * time.Second
	sessOpts.CommandTimeout = 10 * time.Second
	s, err := shell.Start(context.Background(), "remote", ch, sessOpts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenerRunsStatefulShell(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	dir := t.TempDir()
	pub := testutil.GenerateKey(t, dir, "id_test")
	srv := testutil.StartSSHServer(t, testutil.SSHServerOptions{AuthorizedKeys: []xssh.PublicKey{pub}})

	s := startRemoteSession(t, srv, filepath.Join(dir, "id_test"), DefaultShellOptions())
	ctx := context.Background()

	res, err := s.Execute(ctx, "cd /", shell.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitStatus)

	res, err = s.Execute(ctx, "pwd", shell.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/", res.Output)

	res, err = s.Execute(ctx, "(exit 7)", shell.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitStatus)

	require.NoError(t, s.Ping(ctx))
	assert.True(t, s.Info().PTY)
}

func TestOpenerWithoutPTY(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	dir := t.TempDir()
	pub := testutil.GenerateKey(t, dir, "id_test")
	srv := testutil.StartSSHServer(t, testutil.SSHServerOptions{AuthorizedKeys: []xssh.PublicKey{pub}})

	opts := DefaultShellOptions()
	opts.PTY = false
	s := startRemoteSession(t, srv, filepath.Join(dir, "id_test"), opts)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		res, err := s.Execute(ctx, "echo out; echo ERRTEXT >&2", shell.ExecOptions{})
		require.NoError(t, err)
		assert.Equal(t, "out\nERRTEXT", res.Output)

		res, err = s.Execute(ctx, "echo next", shell.ExecOptions{})
		require.NoError(t, err)
		assert.Equal(t, "next", res.Output)
	}
	assert.False(t, s.Info().PTY)
}

func TestOpenerWithPTYRejectsOverlongLine(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	dir := t.TempDir()
	pub := testutil.GenerateKey(t, dir, "id_test")
	srv := testutil.StartSSHServer(t, testutil.SSHServerOptions{AuthorizedKeys: []xssh.PublicKey{pub}})

	s := startRemoteSession(t, srv, filepath.Join(dir, "id_test"), DefaultShellOptions())
	ctx := context.Background()

	_, err := s.Execute(ctx, "printf %s "+strings.Repeat("x", 5000)+" | wc -c", shell.ExecOptions{})
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))

	res, err := s.Execute(ctx, "printf %s "+strings.Repeat("x", 1000)+" | wc -c", shell.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1000", strings.TrimSpace(res.Output))
}

func TestOpenerDroppedConnectionLosesSession(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	dir := t.TempDir()
	pub := testutil.GenerateKey(t, dir, "id_test")
	srv := testutil.StartSSHServer(t, testutil.SSHServerOptions{AuthorizedKeys: []xssh.PublicKey{pub}})

	s := startRemoteSession(t, srv, filepath.Join(dir, "id_test"), DefaultShellOptions())
	srv.DropAll()

	require.Eventually(t, func() bool { return !s.Alive() }, 5*time.Second, 20*time.Millisecond)
	_, err := s.Execute(context.Background(), "pwd", shell.ExecOptions{})
	assert.Equal(t, apperr.KindSessionLost, apperr.KindOf(err))
}

func TestOpenerAuthFailureKeepsKind(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	srv := testutil.StartSSHServer(t, testutil.SSHServerOptions{})
	opener := NewOpener(NewNegotiator(NewConnector()), DefaultShellOptions())

	_, err := opener.Open(context.Background(), serverParams(srv, models.Credentials{Password: "nope"}))
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthExhausted, apperr.KindOf(err))
}

func TestLocalOpener(t *testing.T) {
	path := testutil.RequireShell(t)

	ch, err := LocalOpener{Shell: path}.Open(context.Background(), models.ConnectionParams{HostID: "local"})
	require.NoError(t, err)
	defer ch.Close()

	assert.True(t, ch.PTY())
	assert.Equal(t, "local:"+path, ch.RemoteAddr())
	require.NoError(t, ch.Ping())
}
