package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tOgg1/ssh-liaison/internal/apperr"
	"github.com/tOgg1/ssh-liaison/internal/dispatch"
	"github.com/tOgg1/ssh-liaison/internal/logging"
	"github.com/tOgg1/ssh-liaison/internal/registry"
	"github.com/tOgg1/ssh-liaison/internal/shell"
	"github.com/tOgg1/ssh-liaison/internal/ssh"
)

// localHostID names the session opened by 'cli --local'.
const localHostID = "local"

const replHelp = `Commands:
  connect <alias>                  connect using an ssh_config host alias
  connect <user> <host> [port]     connect directly, prompting for a password
  disconnect [host]                close a session (default: current)
  sessions                         list open sessions
  check                            ping idle sessions and report dead ones
  use <host>                       switch the current session
  help                             show this help
  exit, quit                       leave
Anything else runs on the current host. Prefix a line with '!' to send it
verbatim, even when it starts with a command name above.`

func newREPLCmd(opts *globalOptions) *cobra.Command {
	var (
		local      bool
		localShell string
	)

	cmd := &cobra.Command{
		Use:   "cli",
		Short: "Interactive prompt over stateful shells",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(cmd, opts, engineOptions{local: local, localShell: localShell}, func(ctx context.Context, r *repl) error {
				if !local {
					return nil
				}
				return r.connectDirect(ctx, dispatch.DirectParams{
					HostID:   localHostID,
					Hostname: "localhost",
					User:     currentUsername(),
				})
			})
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "open a shell on this machine instead of connecting over SSH")
	cmd.Flags().StringVar(&localShell, "shell", "", "shell for --local (default $SHELL)")

	return cmd
}

func newConnectCmd(opts *globalOptions) *cobra.Command {
	var direct dispatch.DirectParams

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a host directly and open the interactive prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(cmd, opts, engineOptions{}, func(ctx context.Context, r *repl) error {
				return r.connectDirect(ctx, direct)
			})
		},
	}
	cmd.Flags().StringVar(&direct.User, "user", "", "remote user")
	cmd.Flags().StringVar(&direct.Hostname, "hostname", "", "remote host name or address")
	cmd.Flags().IntVar(&direct.Port, "port", 22, "remote port")
	cmd.Flags().StringVar(&direct.Password, "password", "", "password (prefer keys or the agent)")
	cmd.Flags().StringVar(&direct.IdentityFile, "identity-file", "", "private key file")
	cmd.Flags().StringVar(&direct.HostID, "host-id", "", "session identifier (default user@hostname:port)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("hostname")

	return cmd
}

// runREPL wires an engine, runs first against it, then reads commands until
// EOF or exit.
func runREPL(cmd *cobra.Command, opts *globalOptions, eo engineOptions, first func(context.Context, *repl) error) error {
	ctx := cmd.Context()
	in := cmd.InOrStdin()
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	secret := terminalSecret(in, errOut)
	if secret != nil {
		eo.passphrase = ssh.TerminalPassphrasePrompt
	}

	rt, err := newEngine(opts.cfg, eo)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.start(ctx); err != nil {
		return err
	}

	r := newREPL(rt.dispatcher, in, out, errOut, secret)
	r.checker = rt.health
	r.styles = newStyles(isTerminal(out))
	if err := first(ctx, r); err != nil {
		return err
	}
	return r.loop(ctx)
}

// repl is the line-oriented prompt shared by 'cli' and 'connect'.
type repl struct {
	dispatcher *dispatch.Dispatcher
	checker    *registry.HealthChecker
	in         *bufio.Reader
	out        io.Writer
	errOut     io.Writer
	styles     styles

	// readSecret reads a line without echo. It is nil when input is not a
	// terminal, which disables password prompts.
	readSecret func(prompt string) (string, error)

	current string
	now     func() time.Time
}

func newREPL(d *dispatch.Dispatcher, in io.Reader, out, errOut io.Writer, readSecret func(string) (string, error)) *repl {
	return &repl{
		dispatcher: d,
		in:         bufio.NewReader(in),
		out:        out,
		errOut:     errOut,
		styles:     newStyles(false),
		readSecret: readSecret,
		now:        time.Now,
	}
}

func (r *repl) loop(ctx context.Context) error {
	fmt.Fprintln(r.out, r.styles.info.Render("Type 'help' for commands."))
	for {
		fmt.Fprint(r.out, r.prompt())

		line, err := r.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if line == "" && errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out)
			return nil
		}

		quit, herr := r.handle(ctx, strings.TrimRight(line, "\r\n"))
		if herr != nil {
			r.printError(herr)
		}
		if quit || errors.Is(err, io.EOF) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) prompt() string {
	if r.current == "" {
		return r.styles.prompt.Render("liaison> ")
	}
	return r.styles.host.Render(r.current) + r.styles.prompt.Render("> ")
}

// handle runs one input line. It reports true when the user asked to leave.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false, nil
	}
	if raw, ok := strings.CutPrefix(trimmed, "!"); ok {
		return false, r.run(ctx, raw)
	}

	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "exit", "quit":
		return true, nil
	case "help":
		fmt.Fprintln(r.out, replHelp)
		return false, nil
	case "connect":
		return false, r.connect(ctx, fields[1:])
	case "disconnect":
		return false, r.disconnect(fields[1:])
	case "sessions":
		return false, writeSessions(r.out, r.dispatcher.Sessions(), r.current, r.now())
	case "use":
		return false, r.use(fields[1:])
	case "check":
		return false, r.check(ctx)
	default:
		return false, r.run(ctx, line)
	}
}

func (r *repl) connect(ctx context.Context, args []string) error {
	switch len(args) {
	case 1:
		res, err := r.dispatcher.Connect(ctx, args[0])
		if err != nil {
			return err
		}
		r.connected(res)
		return nil
	case 2, 3:
		direct := dispatch.DirectParams{User: args[0], Hostname: args[1]}
		if len(args) == 3 {
			port, err := strconv.Atoi(args[2])
			if err != nil {
				return apperr.Newf(apperr.KindInvalidRequest, "invalid port %q", args[2])
			}
			direct.Port = port
		}
		if r.readSecret != nil {
			password, err := r.readSecret(fmt.Sprintf("Password for %s@%s (empty for keys): ", direct.User, direct.Hostname))
			if err != nil {
				return err
			}
			direct.Password = password
		}
		return r.connectDirect(ctx, direct)
	default:
		return apperr.New(apperr.KindInvalidRequest, "usage: connect <alias> | connect <user> <host> [port]")
	}
}

func (r *repl) connectDirect(ctx context.Context, direct dispatch.DirectParams) error {
	res, err := r.dispatcher.ConnectDirect(ctx, direct)
	if err != nil {
		return err
	}
	r.connected(res)
	return nil
}

func (r *repl) connected(res *dispatch.ConnectResult) {
	r.current = res.HostID
	msg := connectSummary(res)
	fmt.Fprintln(r.out, r.styles.info.Render(msg))
}

func connectSummary(res *dispatch.ConnectResult) string {
	if res.Reused {
		return fmt.Sprintf("Already connected to %s (%s shell)", res.HostID, res.Dialect)
	}
	return fmt.Sprintf("Connected to %s (%s shell at %s)", res.HostID, res.Dialect, res.RemoteAddr)
}

func (r *repl) disconnect(args []string) error {
	hostID := r.current
	if len(args) > 0 {
		hostID = args[0]
	}
	if hostID == "" {
		return apperr.New(apperr.KindInvalidRequest, "usage: disconnect <host>")
	}
	if err := r.dispatcher.Disconnect(hostID); err != nil {
		return err
	}
	if hostID == r.current {
		r.current = ""
	}
	fmt.Fprintln(r.out, r.styles.info.Render("Disconnected from "+hostID))
	return nil
}

func (r *repl) use(args []string) error {
	if len(args) != 1 {
		return apperr.New(apperr.KindInvalidRequest, "usage: use <host>")
	}
	for _, info := range r.dispatcher.Sessions() {
		if info.HostID == args[0] {
			r.current = info.HostID
			return nil
		}
	}
	return apperr.Newf(apperr.KindSessionNotFound, "no session for %s; connect first", args[0])
}

// check pings every idle session now instead of waiting for the next
// background round.
func (r *repl) check(ctx context.Context) error {
	if r.checker == nil {
		return apperr.New(apperr.KindInvalidRequest, "health checks are not available")
	}
	failed := r.checker.CheckNow(ctx)
	if len(failed) == 0 {
		fmt.Fprintln(r.out, r.styles.info.Render("All idle sessions responded"))
		return nil
	}
	sort.Strings(failed)
	for _, hostID := range failed {
		fmt.Fprintln(r.errOut, r.styles.err.Render(hostID+": no response (reconnect with 'connect')"))
	}
	return nil
}

// run executes command on the current host. Ctrl-C cancels the command, not
// the prompt. A command stopped at a sudo prompt is retried once with a
// password read from the terminal.
func (r *repl) run(ctx context.Context, command string) error {
	if r.current == "" {
		return apperr.New(apperr.KindInvalidRequest, "not connected; use 'connect <alias>' first")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	req := dispatch.RunRequest{HostID: r.current, Command: command}
	res, err := r.dispatcher.RunCommand(ctx, req)
	if errors.Is(err, shell.ErrPasswordRequired) && r.readSecret != nil {
		password, perr := r.readSecret("[sudo] password: ")
		if perr != nil {
			return perr
		}
		req.SudoPassword = password
		res, err = r.dispatcher.RunCommand(ctx, req)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.New("interrupted")
		}
		return err
	}

	if res.Output != "" {
		fmt.Fprintln(r.out, res.Output)
	}
	if res.Truncated {
		fmt.Fprintln(r.out, r.styles.info.Render("[output truncated]"))
	}
	if res.ExitStatus != 0 {
		fmt.Fprintln(r.out, r.styles.status.Render(fmt.Sprintf("[exit status: %d]", res.ExitStatus)))
	}
	return nil
}

func (r *repl) printError(err error) {
	msg := fmt.Sprintf("error: %s", logging.Redact(err.Error()))
	if apperr.Is(err, apperr.KindSessionLost) {
		msg += " (reconnect with 'connect')"
	}
	fmt.Fprintln(r.errOut, r.styles.err.Render(msg))
}

// terminalSecret returns a no-echo reader when in is a terminal, else nil.
func terminalSecret(in io.Reader, errOut io.Writer) func(string) (string, error) {
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	fd := int(f.Fd())
	return func(prompt string) (string, error) {
		fmt.Fprint(errOut, prompt)
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(errOut)
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "local"
}
