package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/ssh-liaison/internal/apperr"
	"github.com/tOgg1/ssh-liaison/internal/events"
	"github.com/tOgg1/ssh-liaison/internal/models"
	"github.com/tOgg1/ssh-liaison/internal/shell"
	"github.com/tOgg1/ssh-liaison/internal/testutil"
)

// pingFailShell lets a test break keepalives while the byte stream stays up.
type pingFailShell struct {
	*testutil.FakeShell
	failPing atomic.Bool
}

func (p *pingFailShell) Ping() error {
	if p.failPing.Load() {
		return errors.New("keepalive timed out")
	}
	return p.FakeShell.Ping()
}

type fakeOpener struct {
	t    *testing.T
	gate chan struct{}
	err  error

	mu     sync.Mutex
	opens  map[string]int
	shells map[string][]*pingFailShell
}

func newFakeOpener(t *testing.T) *fakeOpener {
	return &fakeOpener{
		t:      t,
		opens:  map[string]int{},
		shells: map[string][]*pingFailShell{},
	}
}

func (o *fakeOpener) Open(ctx context.Context, params models.ConnectionParams) (shell.Channel, error) {
	o.mu.Lock()
	o.opens[params.HostID]++
	gate := o.gate
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if o.err != nil {
		return nil, o.err
	}

	ch := &pingFailShell{FakeShell: testutil.NewFakeShell(o.t, testutil.FakeShellOptions{})}
	o.mu.Lock()
	o.shells[params.HostID] = append(o.shells[params.HostID], ch)
	o.mu.Unlock()
	return ch, nil
}

func (o *fakeOpener) openCount(hostID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[hostID]
}

func (o *fakeOpener) latest(hostID string) *pingFailShell {
	o.mu.Lock()
	defer o.mu.Unlock()
	shells := o.shells[hostID]
	require.NotEmpty(o.t, shells)
	return shells[len(shells)-1]
}

func testShellOptions() shell.Options {
	opts := shell.DefaultOptions()
	opts.StartTimeout = 2 * time.Second
	opts.CommandTimeout = 2 * time.Second
	return opts
}

func supplier(hostID string, calls *atomic.Int32) ParamsSupplier {
	return func() (models.ConnectionParams, error) {
		if calls != nil {
			calls.Add(1)
		}
		return models.ConnectionParams{HostID: hostID, Hostname: "10.0.0.2", User: "pi"}, nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []*models.Event
}

func (r *recorder) handle(e *models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(eventType models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T) (*Registry, *fakeOpener, *recorder) {
	t.Helper()
	opener := newFakeOpener(t)
	pub := events.NewBus()
	rec := &recorder{}
	require.NoError(t, pub.Subscribe("test", events.Filter{}, rec.handle))

	r := New(opener, testShellOptions(), WithPublisher(pub))
	t.Cleanup(r.CloseAll)
	return r, opener, rec
}

func connect(t *testing.T, r *Registry, hostID string) *shell.Session {
	t.Helper()
	s, _, err := r.GetOrCreate(context.Background(), hostID, supplier(hostID, nil))
	require.NoError(t, err)
	return s
}

func TestGetOrCreateReusesLiveSession(t *testing.T) {
	r, opener, rec := newTestRegistry(t)
	var calls atomic.Int32

	first, created, err := r.GetOrCreate(context.Background(), "rpi", supplier("rpi", &calls))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := r.GetOrCreate(context.Background(), "rpi", supplier("rpi", &calls))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, opener.openCount("rpi"))
	assert.Equal(t, 1, rec.count(models.EventTypeSessionConnected))
}

func TestConcurrentFirstConnectOpensOnce(t *testing.T) {
	r, opener, _ := newTestRegistry(t)
	opener.gate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	sessions := make([]*shell.Session, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], _, errs[i] = r.GetOrCreate(context.Background(), "rpi", supplier("rpi", nil))
		}(i)
	}

	require.Eventually(t, func() bool { return opener.openCount("rpi") == 1 }, time.Second, 5*time.Millisecond)
	close(opener.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.Equal(t, 1, opener.openCount("rpi"))
}

func TestGetOrCreateCallerGivesUp(t *testing.T) {
	r, opener, _ := newTestRegistry(t)
	opener.gate = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := r.GetOrCreate(ctx, "rpi", supplier("rpi", nil))
	require.Error(t, err)
	assert.Equal(t, apperr.KindConnect, apperr.KindOf(err))

	// The shared connect still completes and registers the session.
	close(opener.gate)
	require.Eventually(t, func() bool {
		_, err := r.Lookup("rpi")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetOrCreateValidation(t *testing.T) {
	r, opener, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.GetOrCreate(ctx, "  ", supplier("rpi", nil))
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))

	_, _, err = r.GetOrCreate(ctx, "rpi", nil)
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))

	_, _, err = r.GetOrCreate(ctx, "rpi", func() (models.ConnectionParams, error) {
		return models.ConnectionParams{Hostname: "10.0.0.2"}, nil
	})
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))

	_, _, err = r.GetOrCreate(ctx, "web", func() (models.ConnectionParams, error) {
		return models.ConnectionParams{}, apperr.New(apperr.KindConfigNotFound, "host alias \"web\" not found")
	})
	assert.Equal(t, apperr.KindConfigNotFound, apperr.KindOf(err))

	assert.Equal(t, 0, opener.openCount("rpi"))
	assert.Empty(t, r.List())
}

func TestGetOrCreateOpenFailureRegistersNothing(t *testing.T) {
	r, opener, rec := newTestRegistry(t)
	opener.err = apperr.New(apperr.KindAuthExhausted, "all credentials rejected for pi@10.0.0.2:22")

	_, _, err := r.GetOrCreate(context.Background(), "rpi", supplier("rpi", nil))
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthExhausted, apperr.KindOf(err))

	_, err = r.Lookup("rpi")
	assert.Equal(t, apperr.KindSessionNotFound, apperr.KindOf(err))
	assert.Equal(t, 0, rec.count(models.EventTypeSessionConnected))
}

func TestExecuteNeverConnected(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, err := r.Execute(context.Background(), "rpi", "pwd", shell.ExecOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrSessionNotFound))
}

func TestExecuteKeepsShellState(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	connect(t, r, "rpi")
	ctx := context.Background()

	res, err := r.Execute(ctx, "rpi", "cd /var/log", shell.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitStatus)

	res, err = r.Execute(ctx, "rpi", "pwd", shell.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/var/log", res.Output)
	assert.Equal(t, 0, res.ExitStatus)
}

func TestLostSessionIsEvictedAndReconnects(t *testing.T) {
	r, opener, rec := newTestRegistry(t)
	first := connect(t, r, "rpi")
	ctx := context.Background()

	require.NoError(t, opener.latest("rpi").Close())

	_, err := r.Execute(ctx, "rpi", "pwd", shell.ExecOptions{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindSessionLost, apperr.KindOf(err))

	// The tombstone keeps reporting the loss instead of "never connected".
	_, err = r.Execute(ctx, "rpi", "pwd", shell.ExecOptions{})
	assert.Equal(t, apperr.KindSessionLost, apperr.KindOf(err))

	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, shell.StateDead, infos[0].State)

	second, created, err := r.GetOrCreate(ctx, "rpi", supplier("rpi", nil))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, opener.openCount("rpi"))

	res, err := r.Execute(ctx, "rpi", "echo back", shell.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "back", res.Output)

	assert.Equal(t, 1, rec.count(models.EventTypeSessionLost))
	assert.Equal(t, 2, rec.count(models.EventTypeSessionConnected))
}

func TestGetOrCreateReplacesDeadSession(t *testing.T) {
	r, opener, _ := newTestRegistry(t)
	first := connect(t, r, "rpi")

	require.NoError(t, opener.latest("rpi").Close())
	require.Eventually(t, func() bool { return !first.Alive() }, time.Second, 5*time.Millisecond)

	second, created, err := r.GetOrCreate(context.Background(), "rpi", supplier("rpi", nil))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, first, second)
}

func TestTimeoutKeepsSessionRegistered(t *testing.T) {
	r, _, rec := newTestRegistry(t)
	connect(t, r, "rpi")
	ctx := context.Background()

	_, err := r.Execute(ctx, "rpi", "hang", shell.ExecOptions{Timeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, apperr.KindCommandTimeout, apperr.KindOf(err))
	assert.Equal(t, 1, rec.count(models.EventTypeCommandTimeout))

	res, err := r.Execute(ctx, "rpi", "echo still-here", shell.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "still-here", res.Output)
}

func TestHostsRunInParallel(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	connect(t, r, "slow")
	connect(t, r, "fast")
	ctx := context.Background()

	slowDone := make(chan error, 1)
	go func() {
		_, err := r.Execute(ctx, "slow", "hang", shell.ExecOptions{Timeout: 1500 * time.Millisecond})
		slowDone <- err
	}()

	require.Eventually(t, func() bool {
		s, err := r.Lookup("slow")
		return err == nil && s.State() == shell.StateBusy
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	res, err := r.Execute(ctx, "fast", "echo quick", shell.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "quick", res.Output)
	assert.Less(t, time.Since(start), time.Second)

	err = <-slowDone
	assert.Equal(t, apperr.KindCommandTimeout, apperr.KindOf(err))
}

func TestDisconnect(t *testing.T) {
	r, opener, rec := newTestRegistry(t)
	connect(t, r, "rpi")

	require.NoError(t, r.Disconnect("rpi"))
	assert.True(t, opener.latest("rpi").Closed())
	assert.Equal(t, 1, rec.count(models.EventTypeSessionDisconnected))

	_, err := r.Execute(context.Background(), "rpi", "pwd", shell.ExecOptions{})
	assert.Equal(t, apperr.KindSessionNotFound, apperr.KindOf(err))

	err = r.Disconnect("rpi")
	assert.Equal(t, apperr.KindSessionNotFound, apperr.KindOf(err))
}

func TestDisconnectClearsTombstone(t *testing.T) {
	r, opener, _ := newTestRegistry(t)
	connect(t, r, "rpi")
	require.NoError(t, opener.latest("rpi").Close())

	_, err := r.Execute(context.Background(), "rpi", "pwd", shell.ExecOptions{})
	require.Equal(t, apperr.KindSessionLost, apperr.KindOf(err))

	require.NoError(t, r.Disconnect("rpi"))
	_, err = r.Lookup("rpi")
	assert.Equal(t, apperr.KindSessionNotFound, apperr.KindOf(err))
}

func TestListAndCloseAll(t *testing.T) {
	r, opener, _ := newTestRegistry(t)
	connect(t, r, "web1")
	connect(t, r, "db1")

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "db1", infos[0].HostID)
	assert.Equal(t, "web1", infos[1].HostID)
	assert.Equal(t, shell.StateAlive, infos[0].State)
	assert.Equal(t, shell.DialectPOSIX, infos[0].Dialect)

	r.CloseAll()
	assert.Empty(t, r.List())
	assert.True(t, opener.latest("web1").Closed())
	assert.True(t, opener.latest("db1").Closed())
}
