package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/creack/pty"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// SSHServerOptions configures StartSSHServer.
type SSHServerOptions struct {
	// User is the only accepted login name. Defaults to "tester".
	User string

	// Password enables password authentication when non-empty.
	Password string

	// AuthorizedKeys are accepted for public key authentication.
	AuthorizedKeys []xssh.PublicKey

	// Shell is the program started for shell requests. Defaults to /bin/sh.
	Shell string
}

// SSHServer is an in-process SSH server for tests. Shell requests run a real
// shell under a pseudo-terminal, or over plain pipes when no PTY was asked
// for.
type SSHServer struct {
	User    string
	HostKey xssh.PublicKey

	opts     SSHServerOptions
	config   *xssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup

	mu               sync.Mutex
	authorized       map[string]bool
	conns            map[*xssh.ServerConn]struct{}
	accepted         int
	passwordAttempts int
	closed           bool
}

// StartSSHServer listens on a random loopback port. The server is closed
// when the test ends.
func StartSSHServer(t *testing.T, opts SSHServerOptions) *SSHServer {
	t.Helper()
	SkipIfNoNetwork(t)

	if opts.User == "" {
		opts.User = "tester"
	}
	if opts.Shell == "" {
		opts.Shell = RequireShell(t)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := xssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	s := &SSHServer{
		User:       opts.User,
		HostKey:    hostSigner.PublicKey(),
		opts:       opts,
		authorized: map[string]bool{},
		conns:      map[*xssh.ServerConn]struct{}{},
	}
	for _, key := range opts.AuthorizedKeys {
		s.Authorize(key)
	}

	s.config = &xssh.ServerConfig{
		PublicKeyCallback: func(meta xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			s.mu.Lock()
			ok := s.authorized[xssh.FingerprintSHA256(key)]
			s.mu.Unlock()
			if ok && meta.User() == s.User {
				return &xssh.Permissions{}, nil
			}
			return nil, errors.New("unknown public key")
		},
	}
	if opts.Password != "" {
		s.config.PasswordCallback = func(meta xssh.ConnMetadata, password []byte) (*xssh.Permissions, error) {
			s.mu.Lock()
			s.passwordAttempts++
			s.mu.Unlock()
			if meta.User() == s.User && string(password) == opts.Password {
				return &xssh.Permissions{}, nil
			}
			return nil, errors.New("wrong password")
		}
	}
	s.config.AddHostKey(hostSigner)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Authorize accepts key for public key authentication.
func (s *SSHServer) Authorize(key xssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized[xssh.FingerprintSHA256(key)] = true
}

// Addr returns host:port of the listener.
func (s *SSHServer) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listener IP.
func (s *SSHServer) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listener port.
func (s *SSHServer) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Connections returns how many TCP connections were accepted.
func (s *SSHServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// PasswordAttempts returns how many password authentications were tried.
func (s *SSHServer) PasswordAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passwordAttempts
}

// DropAll closes every established connection, as a network failure would.
func (s *SSHServer) DropAll() {
	s.mu.Lock()
	conns := make([]*xssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops the listener, drops all connections and waits for their
// shells to exit.
func (s *SSHServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.listener.Close()
	s.DropAll()
	s.wg.Wait()
}

func (s *SSHServer) serve() {
	defer s.wg.Done()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(netConn)
	}
}

func (s *SSHServer) handleConn(netConn net.Conn) {
	defer s.wg.Done()

	sshConn, chans, reqs, err := xssh.NewServerConn(netConn, s.config)
	if err != nil {
		_ = netConn.Close()
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sshConn.Close()
		return
	}
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
		_ = sshConn.Close()
	}()

	go xssh.DiscardRequests(reqs)

	var sessions sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(xssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			s.handleSession(ch, requests)
		}()
	}
	sessions.Wait()
}

type ptyRequest struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type signalRequest struct {
	Signal string
}

type exitStatus struct {
	Status uint32
}

func (s *SSHServer) handleSession(ch xssh.Channel, requests <-chan *xssh.Request) {
	defer ch.Close()

	var (
		ptyReq  *ptyRequest
		cmd     *exec.Cmd
		started chan struct{}
	)

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := xssh.Unmarshal(req.Payload, &p); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			ptyReq = &p
			_ = req.Reply(true, nil)

		case "shell":
			if cmd != nil {
				_ = req.Reply(false, nil)
				continue
			}
			cmd = exec.Command(s.opts.Shell)
			cmd.Env = append(os.Environ(), "PS1=$ ")
			started = make(chan struct{})
			if err := s.startShell(ch, cmd, ptyReq, started); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)

		case "signal":
			var sig signalRequest
			if cmd != nil && xssh.Unmarshal(req.Payload, &sig) == nil && sig.Signal == string(xssh.SIGINT) {
				<-started
				_ = cmd.Process.Signal(os.Interrupt)
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}

	// The client went away. Make sure the shell does not outlive it.
	if cmd != nil {
		<-started
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

// startShell runs cmd attached to ch and reports its exit status when it
// ends. The channel is closed after the shell exits.
func (s *SSHServer) startShell(ch xssh.Channel, cmd *exec.Cmd, ptyReq *ptyRequest, started chan struct{}) error {
	if ptyReq != nil {
		cmd.Env = append(cmd.Env, "TERM="+ptyReq.Term)
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(ptyReq.Rows), Cols: uint16(ptyReq.Columns)})
		close(started)
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			go func() {
				_, _ = io.Copy(ptmx, ch)
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			}()
			_, _ = io.Copy(ch, ptmx)
			s.finish(ch, cmd)
			_ = ptmx.Close()
		}()
		return nil
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		close(started)
		return err
	}
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	err = cmd.Start()
	close(started)
	if err != nil {
		return err
	}
	go func() {
		_, _ = io.Copy(stdin, ch)
		_ = stdin.Close()
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.finish(ch, cmd)
	}()
	return nil
}

func (s *SSHServer) finish(ch xssh.Channel, cmd *exec.Cmd) {
	status := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitCode()
		} else {
			status = 255
		}
	}
	if status < 0 {
		status = 255
	}
	_, _ = ch.SendRequest("exit-status", false, xssh.Marshal(exitStatus{Status: uint32(status)}))
	_ = ch.Close()
}

// GenerateKey writes a new unencrypted ed25519 private key in OpenSSH format
// to dir/name with mode 0600 and returns its public key.
func GenerateKey(t *testing.T, dir, name string) xssh.PublicKey {
	t.Helper()
	return writeKey(t, filepath.Join(dir, name), "")
}

// GenerateEncryptedKey is GenerateKey with a passphrase-protected key.
func GenerateEncryptedKey(t *testing.T, dir, name, passphrase string) xssh.PublicKey {
	t.Helper()
	return writeKey(t, filepath.Join(dir, name), passphrase)
}

func writeKey(t *testing.T, path, passphrase string) xssh.PublicKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var block *pem.Block
	if passphrase == "" {
		block, err = xssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = xssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	sshPub, err := xssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return sshPub
}

// StartAgent serves an in-memory SSH agent holding keys on a unix socket
// and returns the socket path.
func StartAgent(t *testing.T, keys ...ed25519.PrivateKey) (string, []xssh.PublicKey) {
	t.Helper()

	keyring := agent.NewKeyring()
	pubs := make([]xssh.PublicKey, 0, len(keys))
	for _, key := range keys {
		if err := keyring.Add(agent.AddedKey{PrivateKey: key}); err != nil {
			t.Fatalf("add agent key: %v", err)
		}
		pub, err := xssh.NewPublicKey(key.Public())
		if err != nil {
			t.Fatalf("agent public key: %v", err)
		}
		pubs = append(pubs, pub)
	}

	dir, err := os.MkdirTemp("", "agent")
	if err != nil {
		t.Fatalf("agent dir: %v", err)
	}
	sock := filepath.Join(dir, "agent.sock")
	listener, err := net.Listen("unix", sock)
	if err != nil {
		_ = os.RemoveAll(dir)
		t.Skipf("unix sockets not available: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				_ = agent.ServeAgent(keyring, conn)
			}()
		}
	}()

	t.Cleanup(func() {
		_ = listener.Close()
		wg.Wait()
		_ = os.RemoveAll(dir)
	})
	return sock, pubs
}

// NewAgentKey returns a fresh ed25519 key for StartAgent.
func NewAgentKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate agent key: %v", err)
	}
	return priv
}
