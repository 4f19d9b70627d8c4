package command

import (
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/pkg/errors"
)

// OPEN SECURE SESSION (INS '8A'):
//
//	P1 = record << 3 | key index          (rev 3.x)
//	     0x80 | record << 3 | key index   (rev 2.4)
//	P2 = SFI << 3 | 0x02 (rev 3.2), SFI << 3 | 0x01 (rev 3.1), SFI << 3 (rev 2.4)
//	Data = terminal challenge (8 bytes in rev 3.2 mode, 4 otherwise)
//
// Response data:
//
//	rev 3.2:    card challenge (8) | ratified (1) | KIF (1) | KVC (1) | record length (1) | record
//	otherwise:  card challenge (4) | ratified (1) | KVC (1) | record
//
// The ratified byte is 0x00 when the previous session was ratified. Revisions without a KIF
// in the response report KIFUndefined.

// KIFUndefined marks a key identifier the PO did not provide.
const KIFUndefined = 0xFF

// OpenSession builds the Open Secure Session command.
func OpenSession(po *calypso.PO, level calypso.AccessLevel, challenge []byte, sfi, record byte) (*Command, error) {
	if len(challenge) != po.ChallengeLength() {
		return nil, errors.Errorf("open session: terminal challenge must be %d bytes, got %d", po.ChallengeLength(), len(challenge))
	}
	if err := checkSFI(sfi); err != nil {
		return nil, err
	}
	if record > 31 {
		return nil, errors.Errorf("open session: record number %d out of range", record)
	}

	p1 := record<<3 | level.KeyIndex()
	p2 := sfi << 3
	switch po.Revision {
	case calypso.Rev2_4:
		p1 |= 0x80
	case calypso.Rev3_1:
		p2 |= 0x01
	default:
		p2 |= 0x02
	}

	apdu := iso7816.NewCommandAPDU(po.Class(), instruction(iso7816.INS_CALYPSO_OPEN_SESSION), p1, p2, challenge, iso7816.MaxShortLe)
	c := newCommand(KindOpenSession, apdu)
	c.SFI, c.Record, c.revision = sfi, record, po.Revision
	return c, nil
}

// OpenSessionResult is the decoded Open Secure Session response.
type OpenSessionResult struct {
	CardChallenge []byte
	Ratified      bool
	KIF           byte
	KVC           byte
	RecordData    []byte
	// Data is the whole response data field, the seed of the session digest.
	Data []byte
}

// ParseOpenSession decodes the response according to the PO revision.
func ParseOpenSession(po *calypso.PO, resp *iso7816.ResponseAPDU) (*OpenSessionResult, error) {
	if !resp.IsSuccess() {
		return nil, errors.Errorf("open session refused: %s", resp.Status.Verbose())
	}
	d := resp.Data
	res := &OpenSessionResult{Data: d, KIF: KIFUndefined}

	if po.IsRev32Mode() {
		if len(d) < 12 || len(d) != 12+int(d[11]) {
			return nil, errors.Errorf("open session: malformed response %X", d)
		}
		res.CardChallenge = d[:8]
		res.Ratified = d[8] == 0x00
		res.KIF = d[9]
		res.KVC = d[10]
		res.RecordData = d[12:]
		return res, nil
	}

	if len(d) < 6 {
		return nil, errors.Errorf("open session: malformed response %X", d)
	}
	res.CardChallenge = d[:4]
	res.Ratified = d[4] == 0x00
	res.KVC = d[5]
	res.RecordData = d[6:]
	return res, nil
}

// CloseSession builds the Close Secure Session command carrying the terminal signature.
// When ratificationAsked is false the PO waits for a separate ratification command.
func CloseSession(po *calypso.PO, ratificationAsked bool, signature []byte) (*Command, error) {
	if len(signature) != po.SignatureLength() {
		return nil, errors.Errorf("close session: terminal signature must be %d bytes, got %d", po.SignatureLength(), len(signature))
	}
	p1 := byte(0x80)
	if ratificationAsked {
		p1 = 0x00
	}
	apdu := iso7816.NewCommandAPDU(po.Class(), instruction(iso7816.INS_CALYPSO_CLOSE_SESSION), p1, 0x00, signature, iso7816.MaxShortLe)
	return newCommand(KindCloseSession, apdu), nil
}

// AbortSession builds the Close Secure Session variant that cancels the session.
func AbortSession(po *calypso.PO) *Command {
	apdu := iso7816.NewCommandAPDU(po.Class(), instruction(iso7816.INS_CALYPSO_CLOSE_SESSION), 0x00, 0x00, nil, 0)
	c := newCommand(KindCloseSession, apdu)
	c.Name = "Abort Secure Session"
	return c
}

// IsAbort reports whether a Close Secure Session command is the abort variant.
func IsAbort(apdu *iso7816.CommandAPDU) bool {
	return apdu.Instruction.Raw == iso7816.INS_CALYPSO_CLOSE_SESSION && len(apdu.Data) == 0
}

// CloseSessionResult is the decoded Close Secure Session response.
type CloseSessionResult struct {
	Signature     []byte
	PostponedData []byte
}

// ParseCloseSession decodes the PO signature and, when present, the postponed data
// (a length byte followed by the data) that precedes it.
func ParseCloseSession(po *calypso.PO, resp *iso7816.ResponseAPDU) (*CloseSessionResult, error) {
	if !resp.IsSuccess() {
		return nil, errors.Errorf("close session refused: %s", resp.Status.Verbose())
	}
	d := resp.Data
	n := po.SignatureLength()
	switch {
	case len(d) == n:
		return &CloseSessionResult{Signature: d}, nil
	case len(d) > n && len(d) == 1+int(d[0])+n:
		return &CloseSessionResult{PostponedData: d[1 : 1+int(d[0])], Signature: d[len(d)-n:]}, nil
	default:
		return nil, errors.Errorf("close session: malformed response %X", d)
	}
}

// Ratification builds the command sent after a contactless closing to ratify the session.
// Any command would do; a Read Record of record 0 is refused harmlessly by the PO.
func Ratification(po *calypso.PO) *Command {
	apdu := iso7816.NewCommandAPDU(po.Class(), instruction(iso7816.INS_READ_RECORD), 0x00, 0x00, nil, iso7816.MaxShortLe)
	return newCommand(KindRatification, apdu)
}
