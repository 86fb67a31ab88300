package shell

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// cleanOutput turns raw terminal bytes into plain text: escape sequences are
// removed, CRLF becomes LF, carriage-return redraws keep only their final
// state, and the newline written ahead of the sentinel is dropped.
func cleanOutput(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	s := ansi.Strip(string(raw))
	s = strings.ReplaceAll(s, "\r\n", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		if j := strings.LastIndexByte(line, '\r'); j >= 0 {
			line = line[j+1:]
		}
		lines[i] = line
	}
	s = strings.Join(lines, "\n")

	return strings.TrimRight(s, "\n")
}

// stripEcho removes the shell's echo of the submitted command and of the
// sentinel statement from cleaned output. Only used when the shell could not
// be made to stop echoing.
func stripEcho(output, command string) string {
	lines := strings.Split(output, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !strings.Contains(line, echoMarker) {
			kept = append(kept, line)
		}
	}
	output = strings.Join(kept, "\n")

	for _, echoed := range strings.Split(strings.TrimRight(command, "\n"), "\n") {
		echoed = strings.TrimSpace(echoed)
		first, rest, found := strings.Cut(output, "\n")
		first = strings.TrimSpace(first)
		first = strings.TrimPrefix(strings.TrimPrefix(first, "{ "), "begin; ")
		if first != echoed {
			break
		}
		if !found {
			return ""
		}
		output = rest
	}
	return strings.TrimRight(output, "\n")
}
