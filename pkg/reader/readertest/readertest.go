// Package readertest provides a scripted reader.Reader for tests.
//
// A Reader either replays queued responses or forwards batches to another reader, and in both
// cases records every batch it was given so that tests can assert on the exact APDUs sent.
package readertest

import (
	"encoding/hex"
	"strings"

	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/gregLibert/calypso-terminal/pkg/reader"
	"github.com/pkg/errors"
)

// ErrInjected is the cause of failures triggered by FailWhen.
var ErrInjected = errors.New("injected transport failure")

// Batch is a recorded transmission.
type Batch struct {
	Commands []string
	Control  reader.ChannelControl
}

// Reader is a scripted or forwarding reader.
type Reader struct {
	// Next, when set, receives every batch. Queued responses are then ignored.
	Next reader.Reader
	// FailWhen, when set, aborts a batch at the first matching command. The commands before
	// it are still answered and returned as the partial response.
	FailWhen func(cmd *iso7816.CommandAPDU) bool
	// ChannelClosed is reported as ChannelPreviouslyOpen = false in scripted mode.
	ChannelClosed bool

	queue   []*iso7816.ResponseAPDU
	batches []Batch
}

// New returns a scripted reader with an open channel.
func New() *Reader {
	return &Reader{}
}

// Forward returns a reader recording the batches it forwards to next.
func Forward(next reader.Reader) *Reader {
	return &Reader{Next: next}
}

// Push queues raw responses given as hex strings ("0102 9000").
func (r *Reader) Push(responses ...string) {
	for _, h := range responses {
		raw, err := hex.DecodeString(strings.ReplaceAll(h, " ", ""))
		if err != nil {
			panic("readertest: bad hex " + h)
		}
		resp, err := iso7816.ParseResponseAPDU(raw)
		if err != nil {
			panic("readertest: " + err.Error())
		}
		r.queue = append(r.queue, resp)
	}
}

// Pending returns the number of queued responses not consumed yet.
func (r *Reader) Pending() int {
	return len(r.queue)
}

// Batches returns the recorded transmissions.
func (r *Reader) Batches() []Batch {
	return r.batches
}

// Last returns the most recent batch, or an empty one.
func (r *Reader) Last() Batch {
	if len(r.batches) == 0 {
		return Batch{}
	}
	return r.batches[len(r.batches)-1]
}

// Transmit implements reader.Reader.
func (r *Reader) Transmit(req reader.Request, cc reader.ChannelControl) (*reader.Response, error) {
	batch := Batch{Control: cc}
	for _, cmd := range req.Commands {
		raw, err := cmd.Bytes()
		if err != nil {
			return nil, &reader.TransmitError{Err: err}
		}
		batch.Commands = append(batch.Commands, strings.ToUpper(hex.EncodeToString(raw)))
	}
	r.batches = append(r.batches, batch)

	cmds := req.Commands
	failAt := -1
	if r.FailWhen != nil {
		for i, cmd := range cmds {
			if r.FailWhen(cmd) {
				failAt = i
				cmds = cmds[:i]
				break
			}
		}
	}

	resp, err := r.answer(cmds, cc, failAt >= 0)
	if err != nil {
		return nil, err
	}
	if failAt >= 0 {
		return nil, &reader.TransmitError{Partial: resp, Err: ErrInjected}
	}
	return resp, nil
}

func (r *Reader) answer(cmds []*iso7816.CommandAPDU, cc reader.ChannelControl, failing bool) (*reader.Response, error) {
	if r.Next != nil {
		if failing {
			cc = reader.KeepOpen
		}
		return r.Next.Transmit(reader.Request{Commands: cmds}, cc)
	}

	resp := &reader.Response{ChannelPreviouslyOpen: !r.ChannelClosed}
	for range cmds {
		if len(r.queue) == 0 {
			return nil, &reader.TransmitError{Partial: resp, Err: errors.New("readertest: no scripted response left")}
		}
		resp.Responses = append(resp.Responses, r.queue[0])
		r.queue = r.queue[1:]
	}
	if cc == reader.CloseAfter {
		r.ChannelClosed = true
	}
	return resp, nil
}
