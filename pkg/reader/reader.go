// Package reader defines the batch transport used to reach a portable object or a SAM.
//
// A batch is an ordered list of command APDUs sent in one round trip. A successful
// transmission returns exactly one response per command, in order, and tells whether the
// logical channel was already open before the batch started. A failed transmission returns a
// *TransmitError carrying whatever responses were received before the failure.
package reader

import (
	"fmt"

	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
)

// ChannelControl tells the reader what to do with the logical channel once the batch is done.
type ChannelControl int

const (
	// KeepOpen leaves the application selected for further batches.
	KeepOpen ChannelControl = iota
	// CloseAfter releases the logical channel after the last response.
	CloseAfter
)

func (c ChannelControl) String() string {
	switch c {
	case KeepOpen:
		return "keep-open"
	case CloseAfter:
		return "close-after"
	default:
		return fmt.Sprintf("ChannelControl(%d)", int(c))
	}
}

// Request is an ordered batch of commands.
type Request struct {
	Commands []*iso7816.CommandAPDU
}

// NewRequest builds a Request from the given commands.
func NewRequest(cmds ...*iso7816.CommandAPDU) Request {
	return Request{Commands: cmds}
}

// Response holds the responses of a batch, one per command.
type Response struct {
	ChannelPreviouslyOpen bool
	Responses             []*iso7816.ResponseAPDU
}

// Reader transmits batches of commands to a card.
type Reader interface {
	Transmit(req Request, cc ChannelControl) (*Response, error)
}

// TransmitError reports a transport failure in the middle of a batch.
// Partial holds the responses collected before the failure; it may be nil.
type TransmitError struct {
	Partial *Response
	Err     error
}

func (e *TransmitError) Error() string {
	received := 0
	if e.Partial != nil {
		received = len(e.Partial.Responses)
	}
	return fmt.Sprintf("transmit failed after %d response(s): %v", received, e.Err)
}

func (e *TransmitError) Unwrap() error {
	return e.Err
}
