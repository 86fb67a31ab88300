package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tOgg1/ssh-liaison/internal/config"
)

// HostKeyCallback builds the host key verification callback for a policy.
//
//	insecure     accept any key
//	known_hosts  require a matching known_hosts entry
//	auto         verify hosts present in known_hosts, accept unknown hosts
//	             with a warning, and reject changed keys
func HostKeyCallback(policy, knownHostsPath string, logger zerolog.Logger) (xssh.HostKeyCallback, error) {
	switch policy {
	case config.HostKeyPolicyInsecure:
		return xssh.InsecureIgnoreHostKey(), nil

	case config.HostKeyPolicyKnownHosts:
		cb, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", knownHostsPath, err)
		}
		return cb, nil

	case config.HostKeyPolicyAuto, "":
		if _, err := os.Stat(knownHostsPath); err != nil {
			logger.Warn().
				Str("known_hosts", knownHostsPath).
				Msg("known_hosts not found, host keys will not be verified")
			return xssh.InsecureIgnoreHostKey(), nil
		}
		strict, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", knownHostsPath, err)
		}
		return func(hostname string, remote net.Addr, key xssh.PublicKey) error {
			err := strict(hostname, remote, key)
			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
				logger.Warn().
					Str("host", hostname).
					Str("fingerprint", xssh.FingerprintSHA256(key)).
					Msg("host not in known_hosts, accepting key")
				return nil
			}
			return err
		}, nil

	default:
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}
}
