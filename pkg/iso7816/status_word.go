package iso7816

import (
	"fmt"

	"github.com/gregLibert/calypso-terminal/pkg/bits"
)

// StatusWord is the SW1-SW2 trailer of a response.
//
// Besides the fixed values below, a few ranges carry a parameter in SW2:
//
//	61xx  xx more bytes to fetch with GET RESPONSE
//	6Cxx  wrong Le, xx is the right one
//	63Cx  x presentations left (PIN)
type StatusWord uint16

// NewStatusWord builds a StatusWord from its two bytes.
func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

func (sw StatusWord) SW1() byte { return byte(sw >> 8) }

func (sw StatusWord) SW2() byte { return byte(sw) }

// IsSuccess reports 9000, and 61xx which still has data to deliver.
func (sw StatusWord) IsSuccess() bool {
	return sw == SW_NO_ERROR || sw.SW1() == 0x61
}

// IsCounter reports a 63Cx warning, whose low nibble is a counter.
func (sw StatusWord) IsCounter() bool {
	return sw.SW1() == 0x63 && bits.Range(sw.SW2(), 8, 5) == 0x0C
}

// calypsoMeanings gives the reading of a status word in a Calypso exchange when it differs
// from, or sharpens, the ISO one.
var calypsoMeanings = map[StatusWord]string{
	SW_WARN_NO_INFO:                "SV operation postponed to session closing",
	SW_ERR_EXEC_NO_INFO:            "too many modifications in session",
	SW_ERR_SECURITY_STATUS_NOT_SAT: "PIN not presented or key not allowed",
	SW_ERR_AUTH_METHOD_BLOCKED:     "PIN blocked",
	SW_ERR_COND_OF_USE_NOT_SAT:     "no session open, or a session is already open",
	SW_ERR_SM_OBJ_INCORRECT:        "incorrect signature",
	SW_ERR_RECORD_NOT_FOUND:        "record not found",
	SW_ERR_WRONG_P1P2:              "wrong P1/P2 for this file",
}

// Verbose describes the status word for logs and error messages.
func (sw StatusWord) Verbose() string {
	switch sw1, sw2 := sw.SW1(), sw.SW2(); {
	case sw1 == 0x61:
		return fmt.Sprintf("[%04X] %d bytes available", uint16(sw), sw2)
	case sw1 == 0x6C:
		return fmt.Sprintf("[%04X] wrong length, Le must be %d", uint16(sw), sw2)
	case sw.IsCounter():
		return fmt.Sprintf("[%04X] counter = %d", uint16(sw), bits.Range(sw2, 4, 1))
	}

	name, known := statusWordNames[sw]
	if !known {
		return fmt.Sprintf("[%04X] %s", uint16(sw), sw.category())
	}
	if meaning, ok := calypsoMeanings[sw]; ok {
		return fmt.Sprintf("[%04X] %s (%s)", uint16(sw), name, meaning)
	}
	return fmt.Sprintf("[%04X] %s", uint16(sw), name)
}

// String returns the constant name of a known status word, or its hexadecimal value.
func (sw StatusWord) String() string {
	if name, ok := statusWordNames[sw]; ok {
		return name
	}
	return fmt.Sprintf("StatusWord(%04X)", uint16(sw))
}

func (sw StatusWord) category() string {
	switch sw1 := sw.SW1(); {
	case sw1 == 0x62 || sw1 == 0x63:
		return "warning"
	case sw1 == 0x64 || sw1 == 0x65 || sw1 == 0x66:
		return "execution error"
	case sw1 >= 0x67 && sw1 <= 0x6F:
		return "checking error"
	default:
		return "unknown status"
	}
}

// Standard Status Word codes defined in ISO/IEC 7816-4.
const (
	SW_NO_ERROR StatusWord = 0x9000

	SW_WARN_NO_INFO              StatusWord = 0x6200
	SW_WARN_TRIGGERING_BY_CARD   StatusWord = 0x6202
	SW_WARN_DATA_CORRUPTED       StatusWord = 0x6281
	SW_WARN_EOF_REACHED          StatusWord = 0x6282
	SW_WARN_FILE_DEACTIVATED     StatusWord = 0x6283
	SW_WARN_FCI_BAD_FORMAT       StatusWord = 0x6284
	SW_WARN_TERMINATION_STATE    StatusWord = 0x6285
	SW_WARN_NO_INPUT_FROM_SENSOR StatusWord = 0x6286

	SW_WARN_NV_CHANGED_NO_INFO StatusWord = 0x6300
	SW_WARN_FILE_FILLED        StatusWord = 0x6381
	SW_WARN_COUNTER_0          StatusWord = 0x63C0

	SW_ERR_EXEC_NO_INFO            StatusWord = 0x6400
	SW_ERR_EXEC_IMMEDIATE_RESPONSE StatusWord = 0x6401
	SW_ERR_EXEC_TRIGGERING_BY_CARD StatusWord = 0x6402

	SW_ERR_NV_CHANGED_NO_INFO StatusWord = 0x6500
	SW_ERR_MEMORY_FAILURE     StatusWord = 0x6581
	SW_ERR_SECURITY_ISSUE     StatusWord = 0x6600

	SW_ERR_WRONG_LENGTH              StatusWord = 0x6700
	SW_ERR_CHECKING_NO_INFO          StatusWord = 0x6800
	SW_ERR_LOGICAL_CHANNEL_NOT_SUPP  StatusWord = 0x6881
	SW_ERR_SECURE_MESSAGING_NOT_SUPP StatusWord = 0x6882
	SW_ERR_LAST_COMMAND_EXPECTED     StatusWord = 0x6883
	SW_ERR_CHAINING_NOT_SUPP         StatusWord = 0x6884

	SW_ERR_CMD_NOT_ALLOWED_NO_INFO StatusWord = 0x6900
	SW_ERR_CMD_INCOMPATIBLE_FILE   StatusWord = 0x6981
	SW_ERR_SECURITY_STATUS_NOT_SAT StatusWord = 0x6982
	SW_ERR_AUTH_METHOD_BLOCKED     StatusWord = 0x6983
	SW_ERR_REF_DATA_NOT_USABLE     StatusWord = 0x6984
	SW_ERR_COND_OF_USE_NOT_SAT     StatusWord = 0x6985
	SW_ERR_CMD_NOT_ALLOWED_NO_EF   StatusWord = 0x6986
	SW_ERR_SM_OBJ_MISSING          StatusWord = 0x6987
	SW_ERR_SM_OBJ_INCORRECT        StatusWord = 0x6988

	SW_ERR_WRONG_PARAMS_NO_INFO   StatusWord = 0x6A00
	SW_ERR_INCORRECT_PARAMS_DATA  StatusWord = 0x6A80
	SW_ERR_FUNC_NOT_SUPPORTED     StatusWord = 0x6A81
	SW_ERR_FILE_NOT_FOUND         StatusWord = 0x6A82
	SW_ERR_RECORD_NOT_FOUND       StatusWord = 0x6A83
	SW_ERR_NOT_ENOUGH_MEMORY      StatusWord = 0x6A84
	SW_ERR_NC_INCONSISTENT_TLV    StatusWord = 0x6A85
	SW_ERR_INCORRECT_PARAMS_P1P2  StatusWord = 0x6A86
	SW_ERR_NC_INCONSISTENT_P1P2   StatusWord = 0x6A87
	SW_ERR_REF_DATA_NOT_FOUND     StatusWord = 0x6A88
	SW_ERR_FILE_ALREADY_EXISTS    StatusWord = 0x6A89
	SW_ERR_DF_NAME_ALREADY_EXISTS StatusWord = 0x6A8A

	SW_ERR_WRONG_P1P2        StatusWord = 0x6B00
	SW_ERR_INS_INVALID       StatusWord = 0x6D00
	SW_ERR_CLA_NOT_SUPPORTED StatusWord = 0x6E00
	SW_ERR_UNKNOWN           StatusWord = 0x6F00
)
