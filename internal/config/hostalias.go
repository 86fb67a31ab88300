package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"

	"github.com/tOgg1/ssh-liaison/internal/apperr"
	"github.com/tOgg1/ssh-liaison/internal/models"
)

// AliasResolver resolves host aliases against an OpenSSH client config file.
// The file is re-read on every lookup so edits apply without a restart.
type AliasResolver struct {
	path string
}

// NewAliasResolver creates a resolver for the config file at path.
func NewAliasResolver(path string) *AliasResolver {
	return &AliasResolver{path: expandTilde(path)}
}

// Path returns the config file consulted by the resolver.
func (r *AliasResolver) Path() string {
	return r.path
}

// Resolve returns connection parameters for alias. The alias must have a
// HostName and a User; Port and IdentityFile are optional.
func (r *AliasResolver) Resolve(alias string) (models.ConnectionParams, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return models.ConnectionParams{}, apperr.New(apperr.KindInvalidRequest, "host alias is required")
	}

	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.ConnectionParams{}, apperr.Newf(apperr.KindConfigNotFound, "ssh config %s does not exist", r.path)
		}
		return models.ConnectionParams{}, apperr.Wrap(apperr.KindConfigNotFound, "open ssh config "+r.path, err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return models.ConnectionParams{}, apperr.Wrap(apperr.KindConfigNotFound, "parse ssh config "+r.path, err)
	}

	get := func(key string) string {
		value, _ := cfg.Get(alias, key)
		return strings.TrimSpace(value)
	}

	hostname := get("HostName")
	if hostname == "" {
		return models.ConnectionParams{}, apperr.Newf(apperr.KindConfigNotFound, "host alias %q has no HostName in %s", alias, r.path)
	}
	hostname = strings.ReplaceAll(hostname, "%h", alias)

	user := get("User")
	if user == "" {
		return models.ConnectionParams{}, apperr.Newf(apperr.KindConfigNotFound, "host alias %q has no User in %s", alias, r.path)
	}

	port := models.DefaultPort
	if raw := get("Port"); raw != "" {
		port, err = strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			return models.ConnectionParams{}, apperr.Newf(apperr.KindConfigNotFound, "host alias %q has invalid Port %q", alias, raw)
		}
	}

	params := models.ConnectionParams{
		HostID:   alias,
		Hostname: hostname,
		Port:     port,
		User:     user,
	}

	if identity := get("IdentityFile"); identity != "" {
		params.Credentials.IdentityFile = expandIdentityPath(identity, alias, hostname, user)
	}
	params.Credentials.IdentitiesOnly = strings.EqualFold(get("IdentitiesOnly"), "yes")

	switch agent := get("IdentityAgent"); {
	case strings.EqualFold(agent, "none"):
		params.Credentials.AgentDisabled = true
	case agent != "":
		params.Credentials.AgentSocket = expandTilde(agent)
	}

	return params, nil
}

// expandIdentityPath applies the ssh_config tokens that commonly appear in
// IdentityFile values.
func expandIdentityPath(path, alias, hostname, user string) string {
	home, _ := os.UserHomeDir()
	replacer := strings.NewReplacer(
		"%d", home,
		"%h", hostname,
		"%n", alias,
		"%r", user,
		"%%", "%",
	)
	return expandTilde(replacer.Replace(path))
}
