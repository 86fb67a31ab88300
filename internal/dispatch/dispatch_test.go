package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/ssh-liaison/internal/apperr"
	"github.com/tOgg1/ssh-liaison/internal/models"
	"github.com/tOgg1/ssh-liaison/internal/registry"
	"github.com/tOgg1/ssh-liaison/internal/shell"
	"github.com/tOgg1/ssh-liaison/internal/testutil"
)

type fakeOpener struct {
	t         *testing.T
	opts      testutil.FakeShellOptions
	responses map[string]fakeResponse

	mu     sync.Mutex
	params []models.ConnectionParams
	shells []*testutil.FakeShell
}

type fakeResponse struct {
	output string
	status int
}

func (o *fakeOpener) Open(_ context.Context, params models.ConnectionParams) (shell.Channel, error) {
	fake := testutil.NewFakeShell(o.t, o.opts)
	for cmd, resp := range o.responses {
		fake.On(cmd, resp.output, resp.status)
	}
	o.mu.Lock()
	o.params = append(o.params, params)
	o.shells = append(o.shells, fake)
	o.mu.Unlock()
	return fake, nil
}

func (o *fakeOpener) opened() []models.ConnectionParams {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.ConnectionParams(nil), o.params...)
}

type mapResolver map[string]models.ConnectionParams

func (m mapResolver) Resolve(alias string) (models.ConnectionParams, error) {
	params, ok := m[alias]
	if !ok {
		return models.ConnectionParams{}, apperr.Newf(apperr.KindConfigNotFound, "host alias %q has no HostName", alias)
	}
	return params, nil
}

var testDefaults = Defaults{
	AgentSocket:     "/tmp/agent.sock",
	DefaultKeyPaths: []string{"/home/me/.ssh/id_ed25519", "/home/me/.ssh/id_rsa"},
	MaxLogLines:     1000,
}

func newTestDispatcher(t *testing.T, opener *fakeOpener) *Dispatcher {
	t.Helper()
	opener.t = t
	opts := shell.DefaultOptions()
	opts.StartTimeout = 2 * time.Second
	opts.CommandTimeout = 2 * time.Second

	reg := registry.New(opener, opts)
	t.Cleanup(reg.CloseAll)

	aliases := mapResolver{
		"rpi": {HostID: "rpi", Hostname: "192.168.1.20", User: "pi", Port: 22,
			Credentials: models.Credentials{IdentityFile: "/home/me/.ssh/rpi"}},
		"vault": {HostID: "vault", Hostname: "10.0.0.9", User: "ops",
			Credentials: models.Credentials{IdentityFile: "/home/me/.ssh/vault", IdentitiesOnly: true, AgentSocket: "/run/agent"}},
		"bastion": {HostID: "bastion", Hostname: "10.0.0.1", User: "ops",
			Credentials: models.Credentials{AgentDisabled: true}},
	}
	return New(reg, aliases, testDefaults)
}

func TestConnectAlias(t *testing.T) {
	opener := &fakeOpener{}
	d := newTestDispatcher(t, opener)
	ctx := context.Background()

	res, err := d.Connect(ctx, "rpi")
	require.NoError(t, err)
	assert.True(t, res.Connected)
	assert.False(t, res.Reused)
	assert.Equal(t, "rpi", res.HostID)
	assert.Equal(t, shell.DialectPOSIX, res.Dialect)

	res, err = d.Connect(ctx, " rpi ")
	require.NoError(t, err)
	assert.True(t, res.Reused)

	params := opener.opened()
	require.Len(t, params, 1)
	assert.Equal(t, "/home/me/.ssh/rpi", params[0].Credentials.IdentityFile)
	assert.Equal(t, testDefaults.AgentSocket, params[0].Credentials.AgentSocket)
	assert.Equal(t, testDefaults.DefaultKeyPaths, params[0].Credentials.DefaultKeyPaths)
}

func TestConnectAliasKeepsConfiguredAgent(t *testing.T) {
	opener := &fakeOpener{}
	d := newTestDispatcher(t, opener)

	_, err := d.Connect(context.Background(), "vault")
	require.NoError(t, err)

	params := opener.opened()
	require.Len(t, params, 1)
	assert.Equal(t, "/run/agent", params[0].Credentials.AgentSocket)
	assert.True(t, params[0].Credentials.IdentitiesOnly)
}

func TestConnectAliasWithAgentDisabled(t *testing.T) {
	opener := &fakeOpener{}
	d := newTestDispatcher(t, opener)

	_, err := d.Connect(context.Background(), "bastion")
	require.NoError(t, err)

	params := opener.opened()
	require.Len(t, params, 1)
	assert.True(t, params[0].Credentials.AgentDisabled)
	assert.Empty(t, params[0].Credentials.AgentSocket)
	assert.Equal(t, testDefaults.DefaultKeyPaths, params[0].Credentials.DefaultKeyPaths)
}

func TestConnectAliasErrors(t *testing.T) {
	opener := &fakeOpener{}
	d := newTestDispatcher(t, opener)
	ctx := context.Background()

	_, err := d.Connect(ctx, "")
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))

	_, err = d.Connect(ctx, "unknown")
	assert.Equal(t, apperr.KindConfigNotFound, apperr.KindOf(err))

	noConfig := New(registry.New(opener, shell.DefaultOptions()), nil, Defaults{})
	_, err = noConfig.Connect(ctx, "rpi")
	assert.Equal(t, apperr.KindConfigNotFound, apperr.KindOf(err))

	assert.Empty(t, opener.opened())
}

func TestConnectDirect(t *testing.T) {
	opener := &fakeOpener{}
	d := newTestDispatcher(t, opener)

	res, err := d.ConnectDirect(context.Background(), DirectParams{
		Hostname: "10.0.0.2",
		User:     "pi",
		Password: "raspberry",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi@10.0.0.2:22", res.HostID)
	assert.True(t, res.Connected)

	params := opener.opened()
	require.Len(t, params, 1)
	assert.Equal(t, "raspberry", params[0].Credentials.Password)
	assert.Equal(t, "pi@10.0.0.2:22", params[0].HostID)
	assert.Equal(t, testDefaults.DefaultKeyPaths, params[0].Credentials.DefaultKeyPaths)

	res, err = d.ConnectDirect(context.Background(), DirectParams{
		HostID:   "lab",
		Hostname: "10.0.0.3",
		Port:     2222,
		User:     "root",
	})
	require.NoError(t, err)
	assert.Equal(t, "lab", res.HostID)
	assert.Len(t, d.Sessions(), 2)
}

func TestConnectDirectValidation(t *testing.T) {
	opener := &fakeOpener{}
	d := newTestDispatcher(t, opener)
	ctx := context.Background()

	tests := []struct {
		name   string
		params DirectParams
	}{
		{name: "missing user", params: DirectParams{Hostname: "10.0.0.2"}},
		{name: "missing hostname", params: DirectParams{User: "pi"}},
		{name: "bad port", params: DirectParams{Hostname: "10.0.0.2", User: "pi", Port: 70000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.ConnectDirect(ctx, tt.params)
			assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))
		})
	}
	assert.Empty(t, opener.opened())
}

func TestRunCommandScenario(t *testing.T) {
	d := newTestDispatcher(t, &fakeOpener{})
	ctx := context.Background()

	_, err := d.Connect(ctx, "rpi")
	require.NoError(t, err)

	res, err := d.RunCommand(ctx, RunRequest{HostID: "rpi", Command: "cd /var/log"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitStatus)

	res, err = d.RunCommand(ctx, RunRequest{HostID: "rpi", Command: "pwd"})
	require.NoError(t, err)
	assert.Equal(t, "/var/log", res.Output)
	assert.Equal(t, 0, res.ExitStatus)
	assert.Equal(t, "/var/log", res.Text())
}

func TestRunCommandErrors(t *testing.T) {
	d := newTestDispatcher(t, &fakeOpener{})
	ctx := context.Background()

	_, err := d.RunCommand(ctx, RunRequest{HostID: "rpi", Command: "pwd"})
	assert.Equal(t, apperr.KindSessionNotFound, apperr.KindOf(err))

	_, err = d.RunCommand(ctx, RunRequest{Command: "pwd"})
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))

	_, err = d.RunCommand(ctx, RunRequest{HostID: "rpi", Command: "pwd", Timeout: -time.Second})
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))
}

func TestRunCommandTimeoutThenRecovers(t *testing.T) {
	d := newTestDispatcher(t, &fakeOpener{})
	ctx := context.Background()
	_, err := d.Connect(ctx, "rpi")
	require.NoError(t, err)

	_, err = d.RunCommand(ctx, RunRequest{HostID: "rpi", Command: "hang", Timeout: 200 * time.Millisecond})
	assert.Equal(t, apperr.KindCommandTimeout, apperr.KindOf(err))

	res, err := d.RunCommand(ctx, RunRequest{HostID: "rpi", Command: "echo ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
}

func TestRunCommandLostThenReconnect(t *testing.T) {
	opener := &fakeOpener{}
	d := newTestDispatcher(t, opener)
	ctx := context.Background()
	_, err := d.Connect(ctx, "rpi")
	require.NoError(t, err)

	opener.mu.Lock()
	first := opener.shells[0]
	opener.mu.Unlock()
	require.NoError(t, first.Close())

	_, err = d.RunCommand(ctx, RunRequest{HostID: "rpi", Command: "pwd"})
	assert.Equal(t, apperr.KindSessionLost, apperr.KindOf(err))

	res, err := d.Connect(ctx, "rpi")
	require.NoError(t, err)
	assert.False(t, res.Reused)

	out, err := d.RunCommand(ctx, RunRequest{HostID: "rpi", Command: "pwd"})
	require.NoError(t, err)
	assert.Equal(t, "/home/pi", out.Output)
}

func TestRunCommandSudo(t *testing.T) {
	d := newTestDispatcher(t, &fakeOpener{opts: testutil.FakeShellOptions{SudoPassword: "hunter2"}})
	ctx := context.Background()
	_, err := d.Connect(ctx, "rpi")
	require.NoError(t, err)

	res, err := d.RunCommand(ctx, RunRequest{HostID: "rpi", Command: "sudo echo root", SudoPassword: "hunter2"})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "root")
	assert.NotContains(t, res.Text(), "hunter2")
}

func TestCommandResultText(t *testing.T) {
	tests := []struct {
		name   string
		result CommandResult
		want   string
	}{
		{name: "success", result: CommandResult{Output: "ok"}, want: "ok"},
		{name: "failure", result: CommandResult{Output: "no such file", ExitStatus: 2}, want: "no such file\n[exit status: 2]"},
		{name: "failure without output", result: CommandResult{ExitStatus: 1}, want: "[exit status: 1]"},
		{name: "truncated", result: CommandResult{Output: "tail", Truncated: true}, want: "tail\n[output truncated]"},
		{name: "empty", result: CommandResult{}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Text())
		})
	}
}

func TestReadLog(t *testing.T) {
	opener := &fakeOpener{responses: map[string]fakeResponse{
		"tail -n 2 -- '/var/log/syslog'":         {output: "line two\nline three\n"},
		"tail -n 50 -- '/var/log/auth.log'":      {output: "accepted\n"},
		"tail -n 5 -- '/var/log/missing'":        {output: "tail: cannot open '/var/log/missing' for reading: No such file or directory\n", status: 1},
		"tail -n 1 -- '/var/log/it'\\''s here'": {output: "quoted\n"},
	}}
	d := newTestDispatcher(t, opener)
	ctx := context.Background()
	_, err := d.Connect(ctx, "rpi")
	require.NoError(t, err)

	res, err := d.ReadLog(ctx, ReadLogRequest{HostID: "rpi", Path: "/var/log/syslog", Lines: 2})
	require.NoError(t, err)
	assert.Equal(t, "line two\nline three", res.Output)

	res, err = d.ReadLog(ctx, ReadLogRequest{HostID: "rpi", Path: "/var/log/auth.log"})
	require.NoError(t, err)
	assert.Equal(t, "accepted", res.Output)

	res, err = d.ReadLog(ctx, ReadLogRequest{HostID: "rpi", Path: "/var/log/missing", Lines: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitStatus)
	assert.Contains(t, res.Text(), "[exit status: 1]")

	res, err = d.ReadLog(ctx, ReadLogRequest{HostID: "rpi", Path: "/var/log/it's here", Lines: 1})
	require.NoError(t, err)
	assert.Equal(t, "quoted", res.Output)
}

func TestReadLogValidation(t *testing.T) {
	d := newTestDispatcher(t, &fakeOpener{})
	ctx := context.Background()

	_, err := d.ReadLog(ctx, ReadLogRequest{HostID: "rpi", Path: "/var/log/syslog"})
	assert.Equal(t, apperr.KindSessionNotFound, apperr.KindOf(err))

	tests := []struct {
		name string
		req  ReadLogRequest
	}{
		{name: "empty path", req: ReadLogRequest{HostID: "rpi", Lines: 10}},
		{name: "multi-line path", req: ReadLogRequest{HostID: "rpi", Path: "/tmp/a\nrm -rf /", Lines: 10}},
		{name: "negative lines", req: ReadLogRequest{HostID: "rpi", Path: "/var/log/syslog", Lines: -1}},
		{name: "too many lines", req: ReadLogRequest{HostID: "rpi", Path: "/var/log/syslog", Lines: 1001}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.ReadLog(ctx, tt.req)
			assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))
		})
	}
}

func TestTailCommand(t *testing.T) {
	tests := []struct {
		dialect shell.Dialect
		path    string
		want    string
	}{
		{dialect: shell.DialectPOSIX, path: "/var/log/syslog", want: "tail -n 20 -- '/var/log/syslog'"},
		{dialect: shell.DialectPOSIX, path: "/tmp/it's", want: `tail -n 20 -- '/tmp/it'\''s'`},
		{dialect: shell.DialectFish, path: "/tmp/it's", want: `tail -n 20 -- '/tmp/it\'s'`},
		{dialect: shell.DialectCsh, path: "/tmp/bang!", want: `tail -n 20 -- '/tmp/bang\!'`},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect)+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, TailCommand(tt.dialect, tt.path, 20))
		})
	}
}

func TestDisconnectAndSessions(t *testing.T) {
	d := newTestDispatcher(t, &fakeOpener{})
	ctx := context.Background()

	_, err := d.Connect(ctx, "rpi")
	require.NoError(t, err)
	require.Len(t, d.Sessions(), 1)

	require.NoError(t, d.Disconnect("rpi"))
	assert.Empty(t, d.Sessions())

	err = d.Disconnect("rpi")
	assert.Equal(t, apperr.KindSessionNotFound, apperr.KindOf(err))

	err = d.Disconnect(" ")
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))
}
