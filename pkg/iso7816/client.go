package iso7816

import (
	"github.com/pkg/errors"
)

// Transmitter is a raw link to a card: PC/SC, a simulator, a test script.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// Client hides the T=0 procedures from the layers above it:
//   - 61XX: XX bytes wait in the card, fetched with GET RESPONSE on the same channel.
//   - 6CXX: the Le was wrong, the command goes again with Le = XX.
//
// Send returns every round. Exchange returns only the answer a T=1 reader would have given,
// which is what the secure session layer digests.
type Client struct {
	Card Transmitter
}

func NewClient(card Transmitter) *Client {
	return &Client{Card: card}
}

// Exchange sends cmd and returns the final response.
func (c *Client) Exchange(cmd *CommandAPDU) (*ResponseAPDU, error) {
	trace, err := c.Send(cmd)
	if err != nil {
		return nil, err
	}
	if last := trace.Last(); last != nil && last.Response != nil {
		return last.Response, nil
	}
	return nil, errors.Errorf("no response to %s", cmd.Instruction.Raw)
}

// Send transmits cmd and follows 61XX and 6CXX answers. The trace is returned even when a
// later round fails.
func (c *Client) Send(cmd *CommandAPDU) (Trace, error) {
	var trace Trace
	for next := cmd; next != nil; {
		resp, err := c.roundTrip(next)
		if err != nil {
			return trace, err
		}
		trace = append(trace, Round{Command: next, Response: resp})
		next = followUp(next, resp.Status)
	}
	return trace, nil
}

func (c *Client) roundTrip(cmd *CommandAPDU) (*ResponseAPDU, error) {
	raw, err := cmd.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "encoding error")
	}
	rawResp, err := c.Card.Transmit(raw)
	if err != nil {
		return nil, errors.Wrap(err, "transmission error")
	}
	return ParseResponseAPDU(rawResp)
}

// followUp returns the command a procedure status asks for, or nil when sw is final.
func followUp(cmd *CommandAPDU, sw StatusWord) *CommandAPDU {
	switch sw.SW1() {
	case 0x61:
		cls := cmd.Class
		cls.IsChained = false
		ins, _ := NewInstruction(INS_GET_RESPONSE)
		return NewCommandAPDU(cls, ins, 0x00, 0x00, nil, leFor(sw.SW2()))
	case 0x6C:
		retry := cmd.Clone()
		retry.Ne = leFor(sw.SW2())
		return retry
	}
	return nil
}

// leFor maps a length announced in SW2 to Ne, 00 meaning 256.
func leFor(sw2 byte) int {
	if sw2 == 0 {
		return MaxShortLe
	}
	return int(sw2)
}
