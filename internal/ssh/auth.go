package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"

	"github.com/tOgg1/ssh-liaison/internal/apperr"
	"github.com/tOgg1/ssh-liaison/internal/logging"
	"github.com/tOgg1/ssh-liaison/internal/models"
)

// Attempt records one credential source considered during negotiation.
// Label is a key path or agent socket and never holds secret material.
type Attempt struct {
	Source models.CredentialSource
	Label  string
	// Skipped is true when the source was unusable locally and no
	// connection was opened for it.
	Skipped bool
	Err     error
}

func (a Attempt) String() string {
	name := string(a.Source)
	if a.Label != "" {
		name += " " + a.Label
	}
	if a.Err == nil {
		return name
	}
	return fmt.Sprintf("%s (%v)", name, a.Err)
}

// AuthResult is a successful negotiation.
type AuthResult struct {
	Client   *xssh.Client
	Source   models.CredentialSource
	Label    string
	Attempts []Attempt
}

// AuthExhaustedError reports that every credential source failed.
type AuthExhaustedError struct {
	Target            string
	Attempts          []Attempt
	PasswordAttempted bool
}

func (e *AuthExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no credentials available for %s; password attempted: %t", e.Target, e.PasswordAttempted)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		parts = append(parts, attempt.String())
	}
	return fmt.Sprintf("tried %s; password attempted: %t", strings.Join(parts, ", "), e.PasswordAttempted)
}

// credential is one source the negotiator can try. load returns the auth
// methods for a single connection attempt plus a release func, or an error
// when the source cannot be used locally.
type credential struct {
	source models.CredentialSource
	label  string
	load   func() ([]xssh.AuthMethod, func(), error)
}

// Negotiator authenticates to a host by trying each credential source in
// order, opening a fresh connection per attempt.
type Negotiator struct {
	connector *Connector
	prompt    PassphrasePrompt
	logger    zerolog.Logger
}

// NegotiatorOption configures a Negotiator.
type NegotiatorOption func(*Negotiator)

// WithPassphrasePrompt enables unlocking encrypted keys interactively.
func WithPassphrasePrompt(prompt PassphrasePrompt) NegotiatorOption {
	return func(n *Negotiator) {
		n.prompt = prompt
	}
}

// WithNegotiatorLogger sets the logger.
func WithNegotiatorLogger(logger zerolog.Logger) NegotiatorOption {
	return func(n *Negotiator) {
		n.logger = logger
	}
}

// NewNegotiator creates a Negotiator that dials through connector.
func NewNegotiator(connector *Connector, opts ...NegotiatorOption) *Negotiator {
	n := &Negotiator{
		connector: connector,
		logger:    logging.Component("auth"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Negotiate returns an authenticated client for params. Sources are tried in
// the order agent, identity file, default keys, password. A rejected
// credential moves on to the next source; an unreachable host or a failed
// handshake aborts immediately with a connect_error. When every source fails
// the error is auth_exhausted.
func (n *Negotiator) Negotiate(ctx context.Context, params models.ConnectionParams) (*AuthResult, error) {
	if err := params.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "invalid connection parameters", err)
	}

	logger := logging.WithHost(n.logger, params.HostID)
	var attempts []Attempt
	passwordAttempted := false

	for _, cred := range n.credentials(params) {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.KindConnect, "connect to "+params.Target(), err)
		}

		methods, release, err := cred.load()
		if err != nil {
			logger.Debug().
				Str("source", string(cred.source)).
				Str("label", cred.label).
				Err(err).
				Msg("credential source skipped")
			attempts = append(attempts, Attempt{Source: cred.source, Label: cred.label, Skipped: true, Err: err})
			continue
		}

		if cred.source == models.CredentialPassword {
			passwordAttempted = true
		}

		client, err := n.connector.Dial(ctx, params, methods...)
		release()
		if err == nil {
			logger.Info().
				Str("source", string(cred.source)).
				Str("label", cred.label).
				Msg("authenticated")
			return &AuthResult{
				Client:   client,
				Source:   cred.source,
				Label:    cred.label,
				Attempts: attempts,
			}, nil
		}

		var connErr *ConnectError
		if errors.As(err, &connErr) && connErr.Reason == ReasonAuthRejected {
			logger.Debug().
				Str("source", string(cred.source)).
				Str("label", cred.label).
				Msg("credential rejected")
			attempts = append(attempts, Attempt{Source: cred.source, Label: cred.label, Err: ErrAuthRejected})
			continue
		}

		logger.Warn().
			Str("addr", params.Addr()).
			Bool("password_attempted", passwordAttempted).
			Err(err).
			Msg("connection failed")
		return nil, apperr.Wrap(apperr.KindConnect, "connect to "+params.Target(), err)
	}

	exhausted := &AuthExhaustedError{
		Target:            params.Target(),
		Attempts:          attempts,
		PasswordAttempted: passwordAttempted,
	}
	logger.Warn().
		Int("sources", len(attempts)).
		Bool("password_attempted", passwordAttempted).
		Msg("authentication exhausted")
	return nil, apperr.Wrap(apperr.KindAuthExhausted, "authentication failed for "+params.Target(), exhausted)
}

// credentials builds the ordered source list for params.
func (n *Negotiator) credentials(params models.ConnectionParams) []credential {
	creds := params.Credentials
	var list []credential

	if !creds.IdentitiesOnly && !creds.AgentDisabled {
		list = append(list, n.agentCredential(creds.AgentSocket))
	}

	if creds.IdentityFile != "" {
		list = append(list, n.keyCredential(models.CredentialIdentityFile, creds.IdentityFile))
	}

	if !creds.IdentitiesOnly {
		for _, path := range creds.DefaultKeyPaths {
			if path == "" || path == creds.IdentityFile {
				continue
			}
			list = append(list, n.keyCredential(models.CredentialDefaultKey, path))
		}
	}

	if creds.HasPassword() {
		list = append(list, passwordCredential(creds.Password))
	}

	return list
}

func (n *Negotiator) agentCredential(sock string) credential {
	label := sock
	if label == "" {
		label = os.Getenv("SSH_AUTH_SOCK")
	}
	return credential{
		source: models.CredentialAgent,
		label:  label,
		load: func() ([]xssh.AuthMethod, func(), error) {
			conn, err := ConnectAgent(sock)
			if err != nil {
				return nil, nil, err
			}
			signers, err := conn.Signers()
			if err != nil {
				_ = conn.Close()
				return nil, nil, fmt.Errorf("list agent identities: %w", err)
			}
			if len(signers) == 0 {
				_ = conn.Close()
				return nil, nil, ErrNoAgentIdentities
			}
			return []xssh.AuthMethod{xssh.PublicKeys(signers...)}, func() { _ = conn.Close() }, nil
		},
	}
}

func (n *Negotiator) keyCredential(source models.CredentialSource, path string) credential {
	return credential{
		source: source,
		label:  path,
		load: func() ([]xssh.AuthMethod, func(), error) {
			if mode, insecure := InsecureKeyPermissions(path); insecure {
				n.logger.Warn().
					Str("key", path).
					Str("mode", fmt.Sprintf("%04o", mode)).
					Msg("private key is accessible by other users")
			}
			signer, err := LoadPrivateKey(path, n.prompt)
			if err != nil {
				return nil, nil, err
			}
			return []xssh.AuthMethod{xssh.PublicKeys(signer)}, func() {}, nil
		},
	}
}

func passwordCredential(password string) credential {
	return credential{
		source: models.CredentialPassword,
		load: func() ([]xssh.AuthMethod, func(), error) {
			answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}
			return []xssh.AuthMethod{
				xssh.Password(password),
				xssh.KeyboardInteractive(answer),
			}, func() {}, nil
		},
	}
}
