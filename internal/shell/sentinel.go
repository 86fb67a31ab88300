package shell

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const sentinelPrefix = "__LIAISON_"

// echoMarker appears in an echoed sentinel statement but never in the
// sentinel line the shell prints.
const echoMarker = "'" + sentinelPrefix + "'"

// sentinel is the unique end-of-command marker for one invocation. The
// token combines the session sequence number with a random nonce so it
// cannot collide with command output.
type sentinel struct {
	seq   uint64
	nonce string
}

func newSentinel(seq uint64) sentinel {
	return sentinel{
		seq:   seq,
		nonce: strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
	}
}

func (s sentinel) suffix() string {
	return strconv.FormatUint(s.seq, 10) + "_" + s.nonce + "__"
}

// token is the marker as it appears in shell output.
func (s sentinel) token() string {
	return sentinelPrefix + s.suffix()
}

// statement prints the token at the start of a fresh line followed by
// ":<status>". The token is split across two arguments so an echo of the
// statement never contains it.
func (s sentinel) statement(statusExpr string) string {
	return fmt.Sprintf(`printf '\n%%s%%s:%%s\n' '%s' '%s' %s`, sentinelPrefix, s.suffix(), statusExpr)
}

// parseExitStatus converts the status field, returning -1 when the shell
// printed nothing usable.
func parseExitStatus(field string) int {
	if field == "" {
		return -1
	}
	n, err := strconv.Atoi(field)
	if err != nil {
		return -1
	}
	return n
}
