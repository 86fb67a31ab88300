package cli

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// styles renders REPL prompts and messages.
type styles struct {
	prompt lipgloss.Style
	host   lipgloss.Style
	err    lipgloss.Style
	info   lipgloss.Style
	status lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{prompt: plain, host: plain, err: plain, info: plain, status: plain}
	}
	return styles{
		prompt: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		host:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		err:    lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		info:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		status: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
