package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/ssh-liaison/internal/apperr"
	"github.com/tOgg1/ssh-liaison/internal/models"
	"github.com/tOgg1/ssh-liaison/internal/shell"
)

func TestDefaultHealthConfig(t *testing.T) {
	config := DefaultHealthConfig()
	assert.Positive(t, config.Interval)
	assert.Positive(t, config.MaxConcurrent)

	h := NewHealthChecker(HealthConfig{}, nil)
	assert.Equal(t, config, h.config)
}

func TestHealthCheckerStartStop(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	h := NewHealthChecker(HealthConfig{Interval: time.Hour}, r)

	assert.ErrorIs(t, h.Stop(), ErrCheckerNotRunning)
	require.NoError(t, h.Start(context.Background()))
	assert.True(t, h.IsRunning())
	assert.ErrorIs(t, h.Start(context.Background()), ErrCheckerAlreadyRunning)
	require.NoError(t, h.Stop())
	assert.False(t, h.IsRunning())
}

func TestCheckNowHealthySessions(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	connect(t, r, "web1")
	connect(t, r, "web2")

	h := NewHealthChecker(HealthConfig{Interval: time.Second, MaxConcurrent: 1}, r)
	assert.Empty(t, h.CheckNow(context.Background()))

	for _, info := range r.List() {
		assert.Equal(t, shell.StateAlive, info.State)
	}
}

func TestCheckNowMarksFailedSessionDead(t *testing.T) {
	r, opener, rec := newTestRegistry(t)
	connect(t, r, "rpi")
	connect(t, r, "web1")

	opener.latest("rpi").failPing.Store(true)

	h := NewHealthChecker(HealthConfig{Interval: time.Second}, r)
	assert.Equal(t, []string{"rpi"}, h.CheckNow(context.Background()))

	// Eviction happens on the next use.
	_, err := r.Execute(context.Background(), "rpi", "pwd", shell.ExecOptions{})
	assert.Equal(t, apperr.KindSessionLost, apperr.KindOf(err))
	assert.Equal(t, 1, rec.count(models.EventTypeSessionLost))

	_, err = r.Execute(context.Background(), "web1", "pwd", shell.ExecOptions{})
	assert.NoError(t, err)
}

func TestHealthCheckerLoopPings(t *testing.T) {
	r, opener, _ := newTestRegistry(t)
	s := connect(t, r, "rpi")
	opener.latest("rpi").failPing.Store(true)

	h := NewHealthChecker(HealthConfig{Interval: 20 * time.Millisecond}, r)
	require.NoError(t, h.Start(context.Background()))
	defer func() { _ = h.Stop() }()

	require.Eventually(t, func() bool { return !s.Alive() }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckNowSkipsBusySessions(t *testing.T) {
	r, opener, _ := newTestRegistry(t)
	s := connect(t, r, "rpi")
	opener.latest("rpi").failPing.Store(true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Execute(context.Background(), "rpi", "hang", shell.ExecOptions{Timeout: 500 * time.Millisecond})
	}()
	require.Eventually(t, func() bool { return s.State() == shell.StateBusy }, time.Second, 5*time.Millisecond)

	h := NewHealthChecker(HealthConfig{Interval: time.Second}, r)
	assert.Empty(t, h.CheckNow(context.Background()))
	<-done
}
