package transaction

import (
	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
)

// Envelope pairs a prepared command with its result, set once the PO has answered.
type Envelope struct {
	Command *command.Command
	Result  command.Result
	sent    bool
}

func newEnvelope(c *command.Command) *Envelope {
	return &Envelope{Command: c}
}

// IsSent reports whether the command has been handed to the PO reader.
func (e *Envelope) IsSent() bool {
	return e.sent
}

func (e *Envelope) setResponse(resp *iso7816.ResponseAPDU) bool {
	e.sent = true
	e.Result = e.Command.Interpret(resp)
	return e.Result.IsSuccess()
}
