// Package registry maps host identifiers to live shell sessions.
//
// The registry holds at most one session per identifier. Concurrent first
// connects for the same identifier share a single dial, authentication and
// shell start. Sessions whose transport died are evicted lazily, on the next
// call that touches them, and leave a tombstone so callers learn the session
// was lost rather than never connected.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tOgg1/ssh-liaison/internal/apperr"
	"github.com/tOgg1/ssh-liaison/internal/events"
	"github.com/tOgg1/ssh-liaison/internal/logging"
	"github.com/tOgg1/ssh-liaison/internal/models"
	"github.com/tOgg1/ssh-liaison/internal/shell"
)

// Opener authenticates to a host and returns its interactive shell channel.
type Opener interface {
	Open(ctx context.Context, params models.ConnectionParams) (shell.Channel, error)
}

// ParamsSupplier produces connection parameters for a host identifier. It is
// only called when a new session has to be opened.
type ParamsSupplier func() (models.ConnectionParams, error)

// entry is either a live session or the tombstone of a lost one.
type entry struct {
	session *shell.Session
	lost    error
}

// Registry is the process-wide table of shell sessions.
type Registry struct {
	opener    Opener
	shellOpts shell.Options
	publisher events.Publisher
	logger    zerolog.Logger

	connects singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithPublisher publishes session lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) {
		r.publisher = p
	}
}

// WithLogger overrides the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty registry that opens channels with opener and runs
// shells with shellOpts.
func New(opener Opener, shellOpts shell.Options, opts ...Option) *Registry {
	r := &Registry{
		opener:    opener,
		shellOpts: shellOpts,
		logger:    logging.Component("registry"),
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type connectResult struct {
	session *shell.Session
	created bool
}

// GetOrCreate returns the live session for hostID, opening one with the
// parameters from supply when there is none. created reports whether a new
// session was opened rather than an existing one reused. Concurrent callers
// for the same hostID wait for one shared connect; a caller whose ctx ends
// first stops waiting, but the shared connect still completes and registers.
func (r *Registry) GetOrCreate(ctx context.Context, hostID string, supply ParamsSupplier) (*shell.Session, bool, error) {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return nil, false, apperr.New(apperr.KindInvalidRequest, "host identifier is required")
	}
	if supply == nil {
		return nil, false, apperr.New(apperr.KindInvalidRequest, "connection parameters are required")
	}

	if s := r.live(hostID); s != nil {
		return s, false, nil
	}

	connectCtx := context.WithoutCancel(ctx)
	ch := r.connects.DoChan(hostID, func() (any, error) {
		if s := r.live(hostID); s != nil {
			return connectResult{session: s}, nil
		}
		s, err := r.open(connectCtx, hostID, supply)
		if err != nil {
			return nil, err
		}
		return connectResult{session: s, created: true}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		cr := res.Val.(connectResult)
		return cr.session, cr.created, nil
	case <-ctx.Done():
		return nil, false, apperr.Wrap(apperr.KindConnect, "connect to "+hostID+" abandoned", ctx.Err())
	}
}

// live returns the alive session for hostID, evicting a dead one.
func (r *Registry) live(hostID string) *shell.Session {
	r.mu.RLock()
	e := r.entries[hostID]
	r.mu.RUnlock()

	if e == nil || e.session == nil {
		return nil
	}
	if e.session.Alive() {
		return e.session
	}
	r.evict(hostID, e.session, e.session.Err())
	return nil
}

func (r *Registry) open(ctx context.Context, hostID string, supply ParamsSupplier) (*shell.Session, error) {
	params, err := supply()
	if err != nil {
		return nil, err
	}
	if params.HostID == "" {
		params.HostID = hostID
	}
	if err := params.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "invalid connection parameters for "+hostID, err)
	}

	logger := logging.WithHost(r.logger, hostID)
	logger.Debug().
		Str("target", params.Target()).
		Bool("password_attempted", params.Credentials.HasPassword()).
		Msg("opening session")

	ch, err := r.opener.Open(ctx, params)
	if err != nil {
		return nil, err
	}

	s, err := shell.Start(ctx, hostID, ch, r.shellOpts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	previous := r.entries[hostID]
	r.entries[hostID] = &entry{session: s}
	r.mu.Unlock()

	if previous != nil && previous.session != nil && previous.session != s {
		_ = previous.session.Close()
	}

	logger.Info().
		Str("remote_addr", ch.RemoteAddr()).
		Str("dialect", string(s.Dialect())).
		Msg("session connected")
	r.publish(models.NewEvent(models.EventTypeSessionConnected, hostID).
		WithMetadata("remote_addr", ch.RemoteAddr()).
		WithMetadata("dialect", string(s.Dialect())))
	return s, nil
}

// Lookup returns the live session for hostID. It fails with
// session_not_found when hostID was never connected (or was disconnected)
// and with session_lost when its session died.
func (r *Registry) Lookup(hostID string) (*shell.Session, error) {
	r.mu.RLock()
	e := r.entries[hostID]
	r.mu.RUnlock()

	switch {
	case e == nil:
		return nil, apperr.Newf(apperr.KindSessionNotFound, "no session for %s; connect first", hostID)
	case e.session == nil:
		return nil, lostError(hostID, e.lost)
	case !e.session.Alive():
		cause := e.session.Err()
		r.evict(hostID, e.session, cause)
		return nil, lostError(hostID, cause)
	}
	return e.session, nil
}

// Execute runs command on hostID's session. A session_lost failure evicts
// the session so the next connect opens a fresh one.
func (r *Registry) Execute(ctx context.Context, hostID, command string, eo shell.ExecOptions) (*shell.Result, error) {
	s, err := r.Lookup(hostID)
	if err != nil {
		return nil, err
	}

	res, err := s.Execute(ctx, command, eo)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindSessionLost:
			r.evict(hostID, s, s.Err())
		case apperr.KindCommandTimeout:
			r.publish(models.NewEvent(models.EventTypeCommandTimeout, hostID).WithReason(err.Error()))
		}
		return nil, err
	}
	return res, nil
}

// evict replaces s with a tombstone if it is still hostID's session.
func (r *Registry) evict(hostID string, s *shell.Session, cause error) {
	r.mu.Lock()
	e := r.entries[hostID]
	if e == nil || e.session != s {
		r.mu.Unlock()
		return
	}
	if cause == nil {
		cause = errors.New("session ended")
	}
	r.entries[hostID] = &entry{lost: cause}
	r.mu.Unlock()

	_ = s.Close()

	logger := logging.WithHost(r.logger, hostID)
	logger.Info().Err(cause).Msg("session evicted")
	r.publish(models.NewEvent(models.EventTypeSessionLost, hostID).WithReason(cause.Error()))
}

// Disconnect closes hostID's session and forgets it, including a tombstone.
func (r *Registry) Disconnect(hostID string) error {
	r.mu.Lock()
	e, ok := r.entries[hostID]
	delete(r.entries, hostID)
	r.mu.Unlock()

	if !ok {
		return apperr.Newf(apperr.KindSessionNotFound, "no session for %s", hostID)
	}
	if e.session != nil {
		_ = e.session.Close()
	}

	logger := logging.WithHost(r.logger, hostID)
	logger.Info().Msg("session disconnected")
	r.publish(models.NewEvent(models.EventTypeSessionDisconnected, hostID))
	return nil
}

// List describes every registered host, sorted by identifier. Lost sessions
// are reported in the dead state until reconnected or disconnected.
func (r *Registry) List() []shell.Info {
	r.mu.RLock()
	infos := make([]shell.Info, 0, len(r.entries))
	for hostID, e := range r.entries {
		if e.session != nil {
			infos = append(infos, e.session.Info())
			continue
		}
		infos = append(infos, shell.Info{HostID: hostID, State: shell.StateDead})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].HostID < infos[j].HostID
	})
	return infos
}

// Sessions returns the currently registered live-or-dying sessions.
func (r *Registry) Sessions() []*shell.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*shell.Session, 0, len(r.entries))
	for _, e := range r.entries {
		if e.session != nil {
			sessions = append(sessions, e.session)
		}
	}
	return sessions
}

// CloseAll closes every session and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		if e.session == nil {
			continue
		}
		wg.Add(1)
		go func(s *shell.Session) {
			defer wg.Done()
			_ = s.Close()
		}(e.session)
	}
	wg.Wait()
}

func (r *Registry) publish(event *models.Event) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(context.Background(), event)
}

func lostError(hostID string, cause error) error {
	return apperr.Wrap(apperr.KindSessionLost, fmt.Sprintf("session %s lost; connect again", hostID), cause)
}
