package transaction

import (
	"log/slog"

	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
)

type readOutcome struct {
	request  *iso7816.CommandAPDU
	response *iso7816.ResponseAPDU
}

// anticipator predicts the PO responses of the modifying commands sent together with Close
// Secure Session, whose exchanges must be digested before the PO executes them.
//
// Counter values come from the Read Records exchanges seen earlier in the transaction, keyed by
// SFI. Only the first read of an SFI is kept, and the table survives session boundaries.
// A refused read (6A83 and the like) is kept too and leaves no counter data for its SFI.
type anticipator struct {
	reads map[byte]readOutcome
	log   *slog.Logger
}

func newAnticipator(log *slog.Logger) *anticipator {
	return &anticipator{reads: make(map[byte]readOutcome), log: log}
}

// recordReads keeps the Read Records exchanges of the answered envelopes.
func (a *anticipator) recordReads(envs []*Envelope) {
	for _, e := range envs {
		if e.Command.Kind != command.KindReadRecords || e.Result == nil {
			continue
		}
		sfi := command.SFIOf(e.Command.APDU)
		if _, seen := a.reads[sfi]; seen {
			continue
		}
		a.reads[sfi] = readOutcome{request: e.Command.APDU, response: e.Result.Response()}
	}
}

// predict returns one anticipated response per envelope.
//
//	Increase / Decrease  new counter value (3 bytes) | 9000
//	SV operations        6200
//	others               9000
func (a *anticipator) predict(envs []*Envelope) ([]*iso7816.ResponseAPDU, error) {
	out := make([]*iso7816.ResponseAPDU, 0, len(envs))
	for _, e := range envs {
		c := e.Command
		switch {
		case c.Kind.IsCounter():
			resp, err := a.predictCounter(c)
			if err != nil {
				return nil, err
			}
			out = append(out, resp)
		case c.Kind.IsSvOperation():
			out = append(out, iso7816.NewResponseAPDU(nil, iso7816.SW_WARN_NO_INFO))
		default:
			out = append(out, iso7816.NewResponseAPDU(nil, iso7816.SW_NO_ERROR))
		}
	}
	return out, nil
}

func (a *anticipator) predictCounter(c *command.Command) (*iso7816.ResponseAPDU, error) {
	const op = "anticipated response"
	sfi := command.SFIOf(c.APDU)
	read, ok := a.reads[sfi]
	if !ok {
		return nil, newError(KindPrediction, op, "%s: no counter value read for SFI %02X", c.Name, sfi)
	}

	// The record is a sequence of 3-byte counters, numbered from 1.
	offset := (int(c.APDU.P1) - 1) * 3
	data := read.response.Data
	if offset < 0 || len(data) < offset+3 {
		return nil, newError(KindPrediction, op, "%s: counter %d not present in SFI %02X record", c.Name, c.APDU.P1, sfi)
	}

	current := command.Uint24(data, offset)
	next := current + c.Operand()
	if c.Kind == command.KindDecrease {
		next = current - c.Operand()
	}
	a.log.Debug("anticipated counter", "command", c.Name, "sfi", sfi, "current", current, "operand", c.Operand(), "new", next)
	return iso7816.NewResponseAPDU(command.PutUint24(next), iso7816.SW_NO_ERROR), nil
}
