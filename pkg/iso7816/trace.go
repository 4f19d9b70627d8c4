package iso7816

import (
	"fmt"
	"strings"
)

// Round is one command and the response it got.
type Round struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// Trace holds every round the Client needed for one logical command: the command itself, then
// the GET RESPONSE or the re-sent command a 61xx or 6Cxx answer triggered.
type Trace []Round

// Last returns the round carrying the final response, or nil for an empty trace.
func (t Trace) Last() *Round {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// IsSuccess reports whether the final response is a success. Intermediate 61xx and 6Cxx
// answers do not count.
func (t Trace) IsSuccess() bool {
	last := t.Last()
	return last != nil && last.Response != nil && last.Response.IsSuccess()
}

// String renders one "command -> response" line per round.
func (t Trace) String() string {
	var sb strings.Builder
	for i, r := range t {
		if i > 0 {
			sb.WriteByte('\n')
		}
		raw, _ := r.Command.Bytes()
		fmt.Fprintf(&sb, "%X -> ", raw)
		if r.Response == nil {
			sb.WriteString("<none>")
			continue
		}
		fmt.Fprintf(&sb, "%X", r.Response.Bytes())
	}
	return sb.String()
}
