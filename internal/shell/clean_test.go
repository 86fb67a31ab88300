package shell

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "empty", raw: "", want: ""},
		{name: "crlf", raw: "a\r\nb\r\n\r\n", want: "a\nb"},
		{name: "colors", raw: "\x1b[1;31mred\x1b[0m text\r\n", want: "red text"},
		{name: "osc title", raw: "\x1b]0;user@host: ~\x07hello\r\n", want: "hello"},
		{name: "carriage return redraw", raw: "10%\r50%\r100%\r\ndone\r\n", want: "100%\ndone"},
		{name: "keeps inner blank lines", raw: "a\r\n\r\nb\r\n", want: "a\n\nb"},
		{name: "no trailing newline", raw: "partial", want: "partial"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanOutput([]byte(tt.raw)))
		})
	}
}

func TestStripEcho(t *testing.T) {
	stmt := newSentinel(3).statement(`"$?"`)

	tests := []struct {
		name    string
		output  string
		command string
		want    string
	}{
		{
			name:    "command and statement echoed",
			output:  "ls /tmp\n" + stmt + "\nfile1\nfile2",
			command: "ls /tmp",
			want:    "file1\nfile2",
		},
		{
			name:    "statement echoed after output",
			output:  "ls /tmp\nfile1\n" + stmt,
			command: "ls /tmp",
			want:    "file1",
		},
		{
			name:    "multi-line command",
			output:  "for i in 1 2; do\necho $i\ndone\n" + stmt + "\n1\n2",
			command: "for i in 1 2; do\necho $i\ndone",
			want:    "1\n2",
		},
		{
			name:    "grouped submission",
			output:  "{ sudo id\n}; " + stmt + "\nuid=0(root)",
			command: "sudo id",
			want:    "uid=0(root)",
		},
		{
			name:    "nothing echoed",
			output:  "file1",
			command: "ls",
			want:    "file1",
		},
		{
			name:    "only echo",
			output:  "true\n" + stmt,
			command: "true",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripEcho(tt.output, tt.command))
		})
	}
}
