package command

import (
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/pkg/errors"
)

// STORED VALUE commands.
//
// SV Get (INS '7C'), P2 = 0x07 before a reload, 0x09 before a debit. Response data:
//
//	current KVC (1) | SV transaction number (2) | PO challenge (2) | balance (3, signed) | last log
//
// SV Reload ('B8'), SV Debit ('BA') and SV Undebit ('BC') are built in two steps: the
// terminal part (amount (3) | date (2) | time (2) [| free (2) for reload]) is known first,
// then the SAM complementary data (SAM serial number | SV Prepare output) is appended.
// The response carries the PO signature used by SV Check when the operation is performed
// outside a secure session.

const svGetMinLength = 8

// SvGet reads the SV status before an operation.
func SvGet(po *calypso.PO, op calypso.SvOperation) (*Command, error) {
	if !po.StoredValue {
		return nil, errors.New("sv get: PO has no Stored Value")
	}
	p2 := byte(0x09)
	if op == calypso.SvReload {
		p2 = 0x07
	}
	apdu := iso7816.NewCommandAPDU(po.Class(), instruction(iso7816.INS_CALYPSO_SV_GET), 0x00, p2, nil, iso7816.MaxShortLe)
	return newCommand(KindSvGet, apdu), nil
}

// SvGetResult is the decoded SV Get response.
type SvGetResult struct {
	base
	KVC               byte
	TransactionNumber int
	Challenge         []byte
	Balance           int
	valid             bool
}

func newSvGetResult(b base) *SvGetResult {
	r := &SvGetResult{base: b}
	if b.resp == nil || len(b.resp.Data) < svGetMinLength {
		return r
	}
	d := b.resp.Data
	r.KVC = d[0]
	r.TransactionNumber = int(d[1])<<8 | int(d[2])
	r.Challenge = d[3:5]
	r.Balance = signed24(Uint24(d, 5))
	r.valid = true
	return r
}

// IsSuccess also requires a well-formed response.
func (r *SvGetResult) IsSuccess() bool {
	return r.base.IsSuccess() && r.valid
}

// Header returns the four header bytes of the SV Get command, needed by SV Prepare.
func (r *SvGetResult) Header() []byte {
	a := r.cmd.APDU
	cla, _ := a.Class.Encode()
	return []byte{cla, byte(a.Instruction.Raw), a.P1, a.P2}
}

func signed24(v int) int {
	if v&0x800000 != 0 {
		return v - 0x1000000
	}
	return v
}

func svOperation(kind Kind, code iso7816.InsCode, po *calypso.PO, amount int, partial []byte) (*Command, error) {
	if !po.StoredValue {
		return nil, errors.Errorf("%s: PO has no Stored Value", kind)
	}
	if amount < -0x800000 || amount > 0x7FFFFF {
		return nil, errors.Errorf("%s: amount %d out of range", kind, amount)
	}
	apdu := iso7816.NewCommandAPDU(po.Class(), instruction(code), 0x00, 0x00, nil, iso7816.MaxShortLe)
	c := newCommand(kind, apdu)
	c.Modifying = true
	c.pending = append(PutUint24(amount), partial...)
	return c, nil
}

// SvReload credits amount (negative to cancel a reload).
func SvReload(po *calypso.PO, amount int, date, time, free []byte) (*Command, error) {
	if len(date) != 2 || len(time) != 2 || len(free) != 2 {
		return nil, errors.New("sv reload: date, time and free data must be 2 bytes each")
	}
	partial := append(append(append([]byte(nil), date...), time...), free...)
	return svOperation(KindSvReload, iso7816.INS_CALYPSO_SV_RELOAD, po, amount, partial)
}

// SvDebit debits amount.
func SvDebit(po *calypso.PO, amount int, date, time []byte) (*Command, error) {
	if amount < 0 {
		return nil, errors.Errorf("sv debit: negative amount %d", amount)
	}
	if len(date) != 2 || len(time) != 2 {
		return nil, errors.New("sv debit: date and time must be 2 bytes each")
	}
	return svOperation(KindSvDebit, iso7816.INS_CALYPSO_SV_DEBIT, po, amount, append(append([]byte(nil), date...), time...))
}

// SvUndebit cancels a previous debit of amount.
func SvUndebit(po *calypso.PO, amount int, date, time []byte) (*Command, error) {
	if amount < 0 {
		return nil, errors.Errorf("sv undebit: negative amount %d", amount)
	}
	if len(date) != 2 || len(time) != 2 {
		return nil, errors.New("sv undebit: date and time must be 2 bytes each")
	}
	return svOperation(KindSvUndebit, iso7816.INS_CALYPSO_SV_UNDEBIT, po, amount, append(append([]byte(nil), date...), time...))
}

// SvPartialData returns the terminal part of an SV operation still awaiting SAM data.
func (c *Command) SvPartialData() []byte {
	if !c.Kind.IsSvOperation() {
		return nil
	}
	return c.pending
}

// Amount returns the signed amount of an SV operation.
func (c *Command) Amount() int {
	src := c.pending
	if src == nil {
		src = c.APDU.Data
	}
	if !c.Kind.IsSvOperation() || len(src) < 3 {
		return 0
	}
	return signed24(Uint24(src, 0))
}

// SvOperationResult holds the PO response to an SV operation.
type SvOperationResult struct {
	base
}

// IsSuccess accepts the postponed status returned inside a secure session.
func (r *SvOperationResult) IsSuccess() bool {
	return r.base.IsSuccess() || (r.resp != nil && r.resp.Status == iso7816.SW_WARN_NO_INFO)
}

// Signature returns the PO signature of the operation.
func (r *SvOperationResult) Signature() []byte {
	if r.resp == nil {
		return nil
	}
	return r.resp.Data
}
