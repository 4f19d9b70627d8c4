package iso7816

import (
	"fmt"

	"github.com/pkg/errors"
)

// Calypso portable objects and SAMs only speak short APDUs: a one-byte Lc and a one-byte Le,
// where Le 00 asks for up to 256 bytes.
//
// The session digest hashes a command as transmitted minus the trailing Le of a case 4 command,
// and a response as received (data, SW1, SW2). IsCase4 and ResponseAPDU.Bytes give those views.
const (
	// MaxShortLc is the largest data field a command can carry.
	MaxShortLc = 255

	// MaxShortLe asks the card for whatever it has, encoded as Le 00.
	MaxShortLe = 256
)

// CommandAPDU is a command to a card. Ne 0 means no Le field.
type CommandAPDU struct {
	Class       Class
	Instruction Instruction
	P1, P2      byte
	Data        []byte
	Ne          int
}

func NewCommandAPDU(cla Class, ins Instruction, p1, p2 byte, data []byte, ne int) *CommandAPDU {
	return &CommandAPDU{Class: cla, Instruction: ins, P1: p1, P2: p2, Data: data, Ne: ne}
}

// Bytes encodes the command. Data fields above MaxShortLc and Ne above MaxShortLe are rejected.
func (c *CommandAPDU) Bytes() ([]byte, error) {
	cla, err := c.Class.Encode()
	if err != nil {
		return nil, errors.Wrap(err, "class")
	}
	if len(c.Data) > MaxShortLc {
		return nil, errors.Errorf("%s: data field of %d bytes exceeds %d", c.Instruction.Raw, len(c.Data), MaxShortLc)
	}
	if c.Ne < 0 || c.Ne > MaxShortLe {
		return nil, errors.Errorf("%s: Ne %d out of range", c.Instruction.Raw, c.Ne)
	}

	raw := make([]byte, 0, 4+1+len(c.Data)+1)
	raw = append(raw, cla, byte(c.Instruction.Raw), c.P1, c.P2)
	if len(c.Data) > 0 {
		raw = append(raw, byte(len(c.Data)))
		raw = append(raw, c.Data...)
	}
	if c.Ne > 0 {
		// 256 wraps to 00.
		raw = append(raw, byte(c.Ne))
	}
	return raw, nil
}

func (c *CommandAPDU) IsCase4() bool {
	return len(c.Data) > 0 && c.Ne > 0
}

// Clone copies the command and its data field, so a copy can be completed (a signature, a Le)
// without touching a command already handed to a transport.
func (c *CommandAPDU) Clone() *CommandAPDU {
	clone := *c
	if c.Data != nil {
		clone.Data = append([]byte(nil), c.Data...)
	}
	return &clone
}

func (c *CommandAPDU) String() string {
	return fmt.Sprintf("%s P1=%02X P2=%02X Lc=%d Le=%d", c.Instruction.Verbose(), c.P1, c.P2, len(c.Data), c.Ne)
}

// ResponseAPDU is a card answer split into its data field and status word.
type ResponseAPDU struct {
	Data   []byte
	Status StatusWord
}

// ParseResponseAPDU splits raw bytes. Data aliases raw.
func ParseResponseAPDU(raw []byte) (*ResponseAPDU, error) {
	n := len(raw)
	if n < 2 {
		return nil, errors.Errorf("response too short: %d byte(s)", n)
	}
	return &ResponseAPDU{Data: raw[:n-2], Status: NewStatusWord(raw[n-2], raw[n-1])}, nil
}

func NewResponseAPDU(data []byte, sw StatusWord) *ResponseAPDU {
	return &ResponseAPDU{Data: data, Status: sw}
}

// Bytes re-encodes the response as the card sent it.
func (r *ResponseAPDU) Bytes() []byte {
	raw := make([]byte, 0, len(r.Data)+2)
	raw = append(raw, r.Data...)
	return append(raw, r.Status.SW1(), r.Status.SW2())
}

// IsSuccess is false for a nil response.
func (r *ResponseAPDU) IsSuccess() bool {
	return r != nil && r.Status.IsSuccess()
}

func (r *ResponseAPDU) String() string {
	return fmt.Sprintf("%d data byte(s) %s", len(r.Data), r.Status.Verbose())
}
