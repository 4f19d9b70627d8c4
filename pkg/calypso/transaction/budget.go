package transaction

import (
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
)

// bufferOverhead is the per-command cost of the modifications buffer in bytes mode.
const bufferOverhead = 6

// budget tracks the PO modifications buffer of the current session, counted in bytes
// (data length + 6 per command) or in commands.
type budget struct {
	inBytes   bool
	max       int
	remaining int
}

func newBudget(po *calypso.PO) budget {
	return budget{inBytes: po.ModificationsInBytes, max: po.ModificationsMax, remaining: po.ModificationsMax}
}

func (b *budget) requirement(c *command.Command) int {
	if b.inBytes {
		return len(c.APDU.Data) + bufferOverhead
	}
	return 1
}

// willOverflow consumes the requirement of c when it fits and reports true when it does not.
// In bytes mode the buffer must never be completely filled.
func (b *budget) willOverflow(c *command.Command) bool {
	need := b.requirement(c)
	if b.inBytes {
		if b.remaining-need > 0 {
			b.remaining -= need
			return false
		}
		return true
	}
	if b.remaining > 0 {
		b.remaining -= need
		return false
	}
	return true
}

// charge books a deferred command in a freshly reset buffer. It does nothing when the command
// alone exceeds the buffer.
func (b *budget) charge(c *command.Command) {
	b.willOverflow(c)
}

func (b *budget) reset() {
	b.remaining = b.max
}
