package iso7816

import (
	"fmt"

	"github.com/pkg/errors"
)

// InsCode is the raw INS byte of a command.
//
// Values with a high nibble of 6 or 9 never reach the card: ISO/IEC 7816-3 reserves them for
// procedure bytes and SW1.
type InsCode byte

// Interindustry instructions issued by the terminal to a portable object.
const (
	INS_VERIFY        InsCode = 0x20
	INS_GET_CHALLENGE InsCode = 0x84
	INS_SELECT        InsCode = 0xA4
	INS_READ_RECORD   InsCode = 0xB2
	INS_GET_RESPONSE  InsCode = 0xC0
	INS_WRITE_RECORD  InsCode = 0xD2
	INS_UPDATE_RECORD InsCode = 0xDC
	INS_APPEND_RECORD InsCode = 0xE2
)

// Proprietary Calypso instructions (CLA 00 or 94).
const (
	INS_CALYPSO_DECREASE        InsCode = 0x30
	INS_CALYPSO_INCREASE        InsCode = 0x32
	INS_CALYPSO_SV_PREPARE_DEB  InsCode = 0x54
	INS_CALYPSO_SV_PREPARE_LOAD InsCode = 0x56
	INS_CALYPSO_SV_CHECK        InsCode = 0x58
	INS_CALYPSO_SV_PREPARE_UND  InsCode = 0x5C
	INS_CALYPSO_SV_GET          InsCode = 0x7C
	INS_CALYPSO_OPEN_SESSION    InsCode = 0x8A
	INS_CALYPSO_CLOSE_SESSION   InsCode = 0x8E
	INS_CALYPSO_SV_RELOAD       InsCode = 0xB8
	INS_CALYPSO_SV_DEBIT        InsCode = 0xBA
	INS_CALYPSO_SV_UNDEBIT      InsCode = 0xBC
)

var insNames = map[InsCode]string{
	INS_VERIFY:                  "VERIFY",
	INS_GET_CHALLENGE:           "GET CHALLENGE",
	INS_SELECT:                  "SELECT",
	INS_READ_RECORD:             "READ RECORD",
	INS_GET_RESPONSE:            "GET RESPONSE",
	INS_WRITE_RECORD:            "WRITE RECORD",
	INS_UPDATE_RECORD:           "UPDATE RECORD",
	INS_APPEND_RECORD:           "APPEND RECORD",
	INS_CALYPSO_DECREASE:        "DECREASE",
	INS_CALYPSO_INCREASE:        "INCREASE",
	INS_CALYPSO_SV_PREPARE_DEB:  "SV PREPARE DEBIT",
	INS_CALYPSO_SV_PREPARE_LOAD: "SV PREPARE LOAD",
	INS_CALYPSO_SV_CHECK:        "SV CHECK",
	INS_CALYPSO_SV_PREPARE_UND:  "SV PREPARE UNDEBIT",
	INS_CALYPSO_SV_GET:          "SV GET",
	INS_CALYPSO_OPEN_SESSION:    "OPEN SECURE SESSION",
	INS_CALYPSO_CLOSE_SESSION:   "CLOSE SECURE SESSION",
	INS_CALYPSO_SV_RELOAD:       "SV RELOAD",
	INS_CALYPSO_SV_DEBIT:        "SV DEBIT",
	INS_CALYPSO_SV_UNDEBIT:      "SV UNDEBIT",
}

// String returns the command name, or the hex value for codes this package does not name.
func (i InsCode) String() string {
	if name, ok := insNames[i]; ok {
		return name
	}
	return fmt.Sprintf("INS %02X", byte(i))
}

// Instruction is a validated INS byte.
type Instruction struct {
	Raw InsCode
}

// NewInstruction rejects the 6X and 9X ranges.
func NewInstruction(ins InsCode) (Instruction, error) {
	if hi := byte(ins) & 0xF0; hi == 0x60 || hi == 0x90 {
		return Instruction{}, errors.Errorf("invalid INS %02X: 6X and 9X are reserved", byte(ins))
	}
	return Instruction{Raw: ins}, nil
}

// Verbose returns "NAME (XX)".
func (i Instruction) Verbose() string {
	return fmt.Sprintf("%s (%02X)", i.Raw, byte(i.Raw))
}
