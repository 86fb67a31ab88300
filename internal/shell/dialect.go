package shell

import (
	"fmt"
	"strings"
)

// Dialect is the syntax family of the remote login shell. It decides how the
// exit status is read, how the shell is quieted, and how arguments are quoted.
type Dialect string

const (
	// DialectPOSIX covers sh, dash, bash, ksh and zsh.
	DialectPOSIX Dialect = "posix"
	DialectFish  Dialect = "fish"
	DialectCsh   Dialect = "csh"

	// DialectAuto asks the session to probe the remote shell.
	DialectAuto Dialect = "auto"
)

// ParseDialect parses a configured dialect name.
func ParseDialect(name string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(name))); d {
	case "", DialectAuto:
		return DialectAuto, nil
	case DialectPOSIX, DialectFish, DialectCsh:
		return d, nil
	case "sh", "bash", "zsh", "ksh", "dash":
		return DialectPOSIX, nil
	case "tcsh":
		return DialectCsh, nil
	default:
		return "", fmt.Errorf("unknown shell dialect %q", name)
	}
}

// statusExpr is the expression expanding to the previous exit status.
func (d Dialect) statusExpr() string {
	switch d {
	case DialectFish, DialectCsh:
		return `"$status"`
	default:
		return `"$?"`
	}
}

// maxCanonicalLine is the longest input line a pseudo-terminal in canonical
// mode accepts before the line discipline starts dropping bytes (Linux
// N_TTY_BUF_SIZE less the newline).
const maxCanonicalLine = 4095

// initScript quiets the shell: no prompts, no line editor, no echo, no pager.
// Errors are suppressed since not every shell in a family supports every
// setting. Without a pty, POSIX shells also point stderr at stdout so both
// arrive in one ordered stream ahead of the sentinel.
func (d Dialect) initScript(pty bool) string {
	switch d {
	case DialectFish:
		return strings.Join([]string{
			"stty -echo 2>/dev/null",
			"function fish_prompt; end",
			"function fish_right_prompt; end",
			"function fish_greeting; end",
			"function fish_title; end",
			"set -gx PAGER cat",
			"set -gx GIT_PAGER cat",
			"set -gx SYSTEMD_PAGER cat",
		}, "; ")
	case DialectCsh:
		return strings.Join([]string{
			"unset edit",
			"set prompt=''",
			"set prompt2=''",
			"set prompt3=''",
			"unset autologout",
			"stty -echo >& /dev/null",
			"setenv PAGER cat",
			"setenv GIT_PAGER cat",
			"setenv SYSTEMD_PAGER cat",
		}, "; ")
	default:
		lines := []string{
			"stty -echo 2>/dev/null",
			"command set +o emacs 2>/dev/null",
			"command set +o vi 2>/dev/null",
			"unsetopt zle prompt_sp prompt_cr 2>/dev/null",
			"PS1=''",
			"PS2=''",
			"PROMPT=''",
			"RPROMPT=''",
			"PROMPT_COMMAND=''",
			"PROMPT_EOL_MARK=''",
			"export PAGER=cat GIT_PAGER=cat SYSTEMD_PAGER=cat",
		}
		if !pty {
			lines = append(lines, "exec 2>&1")
		}
		return strings.Join(lines, "; ")
	}
}

// mergesStderr reports whether the dialect can fold stderr into stdout
// without a pty. csh cannot redirect its own stderr.
func (d Dialect) mergesStderr() bool {
	return d != DialectCsh
}

// Quote returns s as a single literal argument for this dialect.
func (d Dialect) Quote(s string) string {
	switch d {
	case DialectFish:
		r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
		return "'" + r.Replace(s) + "'"
	case DialectCsh:
		r := strings.NewReplacer(`'`, `'\''`, `!`, `\!`)
		return "'" + r.Replace(s) + "'"
	default:
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
}

// dialectFromStatusProbe interprets the value printed for "$status". POSIX
// shells other than zsh leave it empty.
func dialectFromStatusProbe(value string) (Dialect, bool) {
	if value == "" {
		return DialectPOSIX, true
	}
	return "", false
}

// versionProbe prints "$version" on its own line. tcsh and fish set it,
// zsh does not, and csh rejects it as undefined.
const versionProbe = `printf '%s\n' "$version"`

// dialectFromVersionProbe interprets the cleaned output of versionProbe,
// ignoring an echoed copy of the probe itself.
func dialectFromVersionProbe(output string) Dialect {
	value := ""
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "printf") {
			continue
		}
		value = line
	}
	switch {
	case value == "":
		return DialectPOSIX
	case strings.Contains(value, "tcsh"), strings.Contains(value, "Undefined variable"):
		return DialectCsh
	default:
		return DialectFish
	}
}

// submission is the input written for one command. The sentinel statement
// normally follows on its own line so comments and here-documents in the
// command cannot swallow it. With grouped set, the command is wrapped in a
// block that the shell must read completely before running it, leaving the
// terminal input empty for a password prompt. csh has no such block and
// always uses the plain form. fish cannot redirect its own stderr, so without
// a pty (pty false) its commands always run in a block redirected to stdout.
func (d Dialect) submission(command string, sent sentinel, grouped, pty bool) string {
	command = strings.TrimRight(command, "\n")
	stmt := sent.statement(d.statusExpr())
	switch {
	case grouped && d == DialectPOSIX:
		return "{ " + command + "\n}; " + stmt + "\n"
	case !pty && d == DialectFish:
		return "begin; " + command + "\nend 2>&1; " + stmt + "\n"
	case grouped && d == DialectFish:
		return "begin; " + command + "\nend; " + stmt + "\n"
	default:
		return command + "\n" + stmt + "\n"
	}
}

// longestLine returns the length in bytes of the longest line of payload,
// not counting newlines.
func longestLine(payload string) int {
	longest := 0
	for _, line := range strings.Split(payload, "\n") {
		longest = max(longest, len(line))
	}
	return longest
}
