// Package command builds the PO commands used during a Calypso transaction and interprets
// their responses.
//
// Every Command carries its capabilities explicitly, set when it is built: its Kind, whether it
// consumes the session modifications buffer, and whether it is the first half of a two-phase
// exchange (Split) whose answer is needed to complete the next command of the batch.
package command

import (
	"fmt"

	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
)

// Kind tags a command with the role it plays in a secure session.
type Kind int

const (
	KindGeneric Kind = iota
	KindReadRecords
	KindUpdateRecord
	KindWriteRecord
	KindAppendRecord
	KindIncrease
	KindDecrease
	KindGetChallenge
	KindVerifyPin
	KindSvGet
	KindSvReload
	KindSvDebit
	KindSvUndebit
	KindOpenSession
	KindCloseSession
	KindRatification
)

var kindNames = map[Kind]string{
	KindGeneric:      "Generic",
	KindReadRecords:  "Read Records",
	KindUpdateRecord: "Update Record",
	KindWriteRecord:  "Write Record",
	KindAppendRecord: "Append Record",
	KindIncrease:     "Increase",
	KindDecrease:     "Decrease",
	KindGetChallenge: "Get Challenge",
	KindVerifyPin:    "Verify PIN",
	KindSvGet:        "SV Get",
	KindSvReload:     "SV Reload",
	KindSvDebit:      "SV Debit",
	KindSvUndebit:    "SV Undebit",
	KindOpenSession:  "Open Secure Session",
	KindCloseSession: "Close Secure Session",
	KindRatification: "Ratification",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsCounter reports whether the command changes a counter value.
func (k Kind) IsCounter() bool {
	return k == KindIncrease || k == KindDecrease
}

// IsSvOperation reports whether the command is a Stored Value balance operation.
func (k Kind) IsSvOperation() bool {
	return k == KindSvReload || k == KindSvDebit || k == KindSvUndebit
}

// Command is a PO command descriptor.
type Command struct {
	Name      string
	Kind      Kind
	APDU      *iso7816.CommandAPDU
	Modifying bool
	Split     bool

	// SFI, Record and Counter are the file references the command acts on, when relevant.
	SFI     byte
	Record  byte
	Counter byte

	revision calypso.Revision
	pending  []byte // plain PIN awaiting encryption, or partial SV data awaiting SAM data
}

func newCommand(kind Kind, apdu *iso7816.CommandAPDU) *Command {
	return &Command{Name: kind.String(), Kind: kind, APDU: apdu}
}

func instruction(code iso7816.InsCode) iso7816.Instruction {
	ins, err := iso7816.NewInstruction(code)
	if err != nil {
		panic(err)
	}
	return ins
}

// Generic wraps an arbitrary APDU. It is sent as is and never predicted.
func Generic(name string, apdu *iso7816.CommandAPDU, modifying bool) *Command {
	c := newCommand(KindGeneric, apdu)
	c.Name = name
	c.Modifying = modifying
	return c
}

// String returns the command name followed by its encoding.
func (c *Command) String() string {
	raw, _ := c.APDU.Bytes()
	return fmt.Sprintf("%s [%X]", c.Name, raw)
}

// Interpret wraps the response in the result type matching the command kind.
func (c *Command) Interpret(resp *iso7816.ResponseAPDU) Result {
	b := base{cmd: c, resp: resp}
	switch c.Kind {
	case KindReadRecords:
		return &RecordsResult{base: b}
	case KindIncrease, KindDecrease:
		return newCounterResult(b)
	case KindGetChallenge:
		return &ChallengeResult{base: b}
	case KindVerifyPin:
		return &VerifyPinResult{base: b}
	case KindSvGet:
		return newSvGetResult(b)
	case KindSvReload, KindSvDebit, KindSvUndebit:
		return &SvOperationResult{base: b}
	default:
		return &StatusResult{base: b}
	}
}
