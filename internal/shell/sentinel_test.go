package shell

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelToken(t *testing.T) {
	s := newSentinel(12)
	assert.Regexp(t, regexp.MustCompile(`^__LIAISON_12_[0-9a-f]{12}__$`), s.token())
	assert.NotEqual(t, s.token(), newSentinel(12).token())
}

func TestSentinelStatementDoesNotContainToken(t *testing.T) {
	s := newSentinel(1)
	stmt := s.statement(`"$?"`)

	assert.NotContains(t, stmt, s.token())
	assert.Contains(t, stmt, echoMarker)
	assert.Equal(t, `printf '\n%s%s:%s\n' '__LIAISON_' '`+s.suffix()+`' "$?"`, stmt)
}

func TestParseExitStatus(t *testing.T) {
	assert.Equal(t, 0, parseExitStatus("0"))
	assert.Equal(t, 127, parseExitStatus("127"))
	assert.Equal(t, -1, parseExitStatus(""))
	assert.Equal(t, -1, parseExitStatus("-1"))
	assert.Equal(t, -1, parseExitStatus("99999999999999999999999"))
}
