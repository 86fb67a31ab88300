package cli

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tOgg1/ssh-liaison/internal/config"
	"github.com/tOgg1/ssh-liaison/internal/dispatch"
	"github.com/tOgg1/ssh-liaison/internal/events"
	"github.com/tOgg1/ssh-liaison/internal/logging"
	"github.com/tOgg1/ssh-liaison/internal/models"
	"github.com/tOgg1/ssh-liaison/internal/registry"
	"github.com/tOgg1/ssh-liaison/internal/shell"
	"github.com/tOgg1/ssh-liaison/internal/ssh"
)

// engine is the wired session stack shared by serve and the REPL.
type engine struct {
	publisher  *events.Bus
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	health     *registry.HealthChecker

	// healthLoop runs health in the background; otherwise it only serves
	// on-demand checks.
	healthLoop bool
}

// engineOptions selects how sessions are opened.
type engineOptions struct {
	// local runs shells on this machine instead of dialing hosts.
	local      bool
	localShell string

	// passphrase unlocks encrypted keys; nil leaves them unusable.
	passphrase ssh.PassphrasePrompt
}

func newEngine(cfg *config.Config, ro engineOptions) (*engine, error) {
	opener, err := newOpener(cfg, ro)
	if err != nil {
		return nil, err
	}

	publisher := events.NewBus()
	reg := registry.New(opener, shellOptions(cfg), registry.WithPublisher(publisher))

	rt := &engine{
		publisher: publisher,
		registry:  reg,
		dispatcher: dispatch.New(reg, config.NewAliasResolver(cfg.SSH.ConfigPath), dispatch.Defaults{
			AgentSocket:     cfg.SSH.AgentSocket,
			DefaultKeyPaths: cfg.SSH.DefaultKeyPaths,
			MaxLogLines:     cfg.Shell.MaxLogLines,
		}),
	}
	rt.health = registry.NewHealthChecker(registry.HealthConfig{
		Interval:      cfg.Health.Interval,
		MaxConcurrent: cfg.Health.MaxConcurrent,
	}, reg)
	rt.healthLoop = cfg.Health.Interval > 0
	return rt, nil
}

func newOpener(cfg *config.Config, ro engineOptions) (registry.Opener, error) {
	if ro.local {
		return ssh.LocalOpener{Shell: ro.localShell}, nil
	}

	hostKeys, err := ssh.HostKeyCallback(cfg.SSH.HostKeyPolicy, cfg.SSH.KnownHostsPath, logging.Component("hostkey"))
	if err != nil {
		return nil, err
	}

	connector := ssh.NewConnector(
		ssh.WithConnectTimeout(cfg.SSH.ConnectTimeout),
		ssh.WithHostKeyCallback(hostKeys),
	)

	var negotiatorOpts []ssh.NegotiatorOption
	if ro.passphrase != nil {
		negotiatorOpts = append(negotiatorOpts, ssh.WithPassphrasePrompt(ro.passphrase))
	}
	negotiator := ssh.NewNegotiator(connector, negotiatorOpts...)

	shellOpts := ssh.DefaultShellOptions()
	shellOpts.PTY = cfg.Shell.RequestPTY
	if cfg.Shell.Term != "" {
		shellOpts.Term = cfg.Shell.Term
	}
	return ssh.NewOpener(negotiator, shellOpts), nil
}

func shellOptions(cfg *config.Config) shell.Options {
	return shell.Options{
		Dialect:            cfg.Shell.Dialect,
		CommandTimeout:     cfg.Shell.CommandTimeout,
		StartTimeout:       cfg.Shell.StartTimeout,
		MaxOutputBytes:     cfg.Shell.MaxOutputBytes,
		InterruptOnTimeout: cfg.Shell.InterruptOnTimeout,
	}
}

// start begins background health checks and event logging.
func (rt *engine) start(ctx context.Context) error {
	logger := logging.Component("events")
	if err := rt.publisher.Subscribe("log", events.Filter{}, logEvent(logger)); err != nil {
		return err
	}
	if rt.healthLoop {
		return rt.health.Start(ctx)
	}
	return nil
}

// close stops background work and closes every session.
func (rt *engine) close() {
	if rt.health.IsRunning() {
		_ = rt.health.Stop()
	}
	rt.dispatcher.Close()
	rt.publisher.Close()
}

func logEvent(logger zerolog.Logger) events.Handler {
	return func(event *models.Event) {
		e := logger.Debug()
		if event.Type == models.EventTypeSessionLost {
			e = logger.Warn()
		}
		e = e.Str("event", string(event.Type)).Str("host_id", event.HostID)
		if event.Reason != "" {
			e = e.Str("reason", event.Reason)
		}
		for k, v := range event.Metadata {
			e = e.Str(k, v)
		}
		e.Msg("session event")
	}
}
