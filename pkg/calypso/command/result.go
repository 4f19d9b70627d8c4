package command

import (
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
)

// Result is the interpretation of a PO response.
type Result interface {
	Command() *Command
	Response() *iso7816.ResponseAPDU
	IsSuccess() bool
}

type base struct {
	cmd  *Command
	resp *iso7816.ResponseAPDU
}

func (b base) Command() *Command { return b.cmd }

func (b base) Response() *iso7816.ResponseAPDU { return b.resp }

func (b base) IsSuccess() bool { return b.resp.IsSuccess() }

// StatusResult is the result of commands whose response is only a status word.
type StatusResult struct {
	base
}

// RecordsResult holds the data of a Read Records response.
type RecordsResult struct {
	base
}

// Data returns the record content.
func (r *RecordsResult) Data() []byte {
	if r.resp == nil {
		return nil
	}
	return r.resp.Data
}

// CounterResult holds the new counter value returned by Increase or Decrease.
type CounterResult struct {
	base
	Value int
}

func newCounterResult(b base) *CounterResult {
	r := &CounterResult{base: b}
	if b.resp != nil && len(b.resp.Data) == 3 {
		r.Value = Uint24(b.resp.Data, 0)
	}
	return r
}

// IsSuccess also requires a 3-byte counter value.
func (r *CounterResult) IsSuccess() bool {
	return r.base.IsSuccess() && len(r.resp.Data) == 3
}

// ChallengeResult holds the PO challenge.
type ChallengeResult struct {
	base
}

// Challenge returns the random bytes produced by the PO.
func (r *ChallengeResult) Challenge() []byte {
	if r.resp == nil {
		return nil
	}
	return r.resp.Data
}

// VerifyPinResult interprets the PIN verification status.
type VerifyPinResult struct {
	base
}

// AttemptsRemaining returns the number of presentations left, or -1 when unknown.
func (r *VerifyPinResult) AttemptsRemaining() int {
	switch {
	case r.resp == nil:
		return -1
	case r.resp.Status == iso7816.SW_NO_ERROR:
		return 3
	case r.resp.Status.IsCounter():
		return int(r.resp.Status.SW2() & 0x0F)
	case r.resp.Status == iso7816.SW_ERR_AUTH_METHOD_BLOCKED:
		return 0
	default:
		return -1
	}
}

// Uint24 reads a big-endian 3-byte unsigned value at offset.
func Uint24(b []byte, offset int) int {
	return int(b[offset])<<16 | int(b[offset+1])<<8 | int(b[offset+2])
}

// PutUint24 encodes the low 24 bits of v in big-endian order.
func PutUint24(v int) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}
