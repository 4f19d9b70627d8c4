package sim

import (
	"crypto/subtle"

	"github.com/gregLibert/calypso-terminal/pkg/bits"
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/gregLibert/calypso-terminal/pkg/reader"
	"github.com/gregLibert/calypso-terminal/pkg/tlv"
)

const pinAttempts = 3

// Card is a simulated Calypso PO holding linear, cyclic and counter files.
//
// Modifications made during a secure session are rolled back when the session is aborted or
// when the terminal signature is wrong. Stored Value commands are not supported.
type Card struct {
	DFName      []byte
	Serial      []byte
	StartupInfo []byte

	cfg   config
	pin   []byte
	files map[byte][][]byte

	channelOpen         bool
	ratified            bool
	pendingRatification bool
	challenge           []byte
	attempts            int
	session             *cardSession
}

type cardSession struct {
	digest *digest
	backup map[byte][][]byte
}

// NewCard returns a revision 3.2 PO with PIN, a 215-byte modifications buffer and three
// files: environment (SFI 07), event log (SFI 08, cyclic) and counters (SFI 19).
func NewCard(opts ...Option) *Card {
	return &Card{
		DFName:      tlv.Hex("315449432E49434131"),
		Serial:      tlv.Hex("0000000011223344"),
		StartupInfo: tlv.Hex("06 0A 09 01 00 00 00"),
		cfg:         newConfig(opts),
		pin:         []byte("1234"),
		attempts:    pinAttempts,
		ratified:    true,
		files: map[byte][][]byte{
			0x07: {tlv.Hex("2400000000000000000000000000000000000000000000000000000000")},
			0x08: {make([]byte, 29), make([]byte, 29), make([]byte, 29)},
			0x19: {tlv.Hex("000064 0000C8 000000")},
		},
	}
}

// SetRecord replaces the content of a record, creating the file when needed.
func (c *Card) SetRecord(sfi, record byte, data []byte) {
	recs := c.files[sfi]
	for len(recs) < int(record) {
		recs = append(recs, nil)
	}
	recs[record-1] = append([]byte(nil), data...)
	c.files[sfi] = recs
}

// Record returns the content of a record, or nil.
func (c *Card) Record(sfi, record byte) []byte {
	recs := c.files[sfi]
	if record == 0 || int(record) > len(recs) {
		return nil
	}
	return recs[record-1]
}

// InSession reports whether a secure session is open.
func (c *Card) InSession() bool {
	return c.session != nil
}

func (c *Card) rev32() bool {
	return len(c.StartupInfo) > 2 && bits.IsSet(c.StartupInfo[2], 4)
}

func (c *Card) sessionLength() int {
	if c.rev32() {
		return 8
	}
	return 4
}

// Transmit implements reader.Reader.
func (c *Card) Transmit(req reader.Request, cc reader.ChannelControl) (*reader.Response, error) {
	resp := &reader.Response{ChannelPreviouslyOpen: c.channelOpen}
	c.channelOpen = true
	for _, cmd := range req.Commands {
		r, err := c.process(cmd)
		if err != nil {
			return nil, &reader.TransmitError{Partial: resp, Err: err}
		}
		resp.Responses = append(resp.Responses, r)
	}
	if cc == reader.CloseAfter {
		c.channelOpen = false
	}
	return resp, nil
}

func status(sw iso7816.StatusWord) *iso7816.ResponseAPDU {
	return iso7816.NewResponseAPDU(nil, sw)
}

func (c *Card) process(cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	if c.pendingRatification {
		c.pendingRatification = false
		c.ratified = true
	}

	var (
		resp *iso7816.ResponseAPDU
		err  error
	)
	switch cmd.Instruction.Raw {
	case iso7816.INS_CALYPSO_OPEN_SESSION:
		return c.openSession(cmd)
	case iso7816.INS_CALYPSO_CLOSE_SESSION:
		return c.closeSession(cmd)
	case iso7816.INS_SELECT:
		resp, err = c.selectApplication()
	case iso7816.INS_READ_RECORD:
		resp = c.readRecord(cmd)
	case iso7816.INS_UPDATE_RECORD, iso7816.INS_WRITE_RECORD:
		resp = c.writeRecord(cmd)
	case iso7816.INS_APPEND_RECORD:
		resp = c.appendRecord(cmd)
	case iso7816.INS_CALYPSO_INCREASE, iso7816.INS_CALYPSO_DECREASE:
		resp = c.changeCounter(cmd)
	case iso7816.INS_GET_CHALLENGE:
		resp, err = c.getChallenge()
	case iso7816.INS_VERIFY:
		resp, err = c.verifyPin(cmd)
	default:
		resp = status(iso7816.SW_ERR_INS_INVALID)
	}
	if err != nil {
		return nil, err
	}

	if c.session != nil {
		raw, err := cmd.Bytes()
		if err != nil {
			return nil, err
		}
		if cmd.IsCase4() {
			raw = raw[:len(raw)-1]
		}
		c.session.digest.update(raw)
		c.session.digest.update(resp.Bytes())
	}
	return resp, nil
}

func (c *Card) selectApplication() (*iso7816.ResponseAPDU, error) {
	fci, err := calypso.EncodeFCI(c.DFName, c.Serial, c.StartupInfo)
	if err != nil {
		return nil, err
	}
	return iso7816.NewResponseAPDU(fci, iso7816.SW_NO_ERROR), nil
}

func (c *Card) openSession(cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	if c.session != nil {
		return status(iso7816.SW_ERR_COND_OF_USE_NOT_SAT), nil
	}
	n := c.sessionLength()
	if len(cmd.Data) != n {
		return status(iso7816.SW_ERR_WRONG_LENGTH), nil
	}
	if level := cmd.P1 & 0x07; level < 1 || level > 3 {
		return status(iso7816.SW_ERR_WRONG_P1P2), nil
	}

	var rec []byte
	if record := (cmd.P1 >> 3) & 0x1F; record != 0 {
		r, sw := c.record(cmd.P2>>3, record)
		if sw != iso7816.SW_NO_ERROR {
			return status(sw), nil
		}
		rec = r
	}

	challenge, err := random(c.cfg.rand, n)
	if err != nil {
		return nil, err
	}
	ratified := byte(0x01)
	if c.ratified {
		ratified = 0x00
	}
	data := append([]byte(nil), challenge...)
	if c.rev32() {
		data = append(data, ratified, c.cfg.keys.KIF, c.cfg.keys.KVC, byte(len(rec)))
	} else {
		data = append(data, ratified, c.cfg.keys.KVC)
	}
	data = append(data, rec...)

	d, err := newDigest(c.cfg.keys.Session, c.Serial, cmd.Data, data)
	if err != nil {
		return nil, err
	}
	c.session = &cardSession{digest: d, backup: cloneFiles(c.files)}
	c.ratified = false
	c.cfg.log.Debug("sim po: session opened", "level", cmd.P1&0x07)
	return iso7816.NewResponseAPDU(data, iso7816.SW_NO_ERROR), nil
}

func (c *Card) closeSession(cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	s := c.session
	if s == nil {
		if command.IsAbort(cmd) {
			return status(iso7816.SW_NO_ERROR), nil
		}
		return status(iso7816.SW_ERR_COND_OF_USE_NOT_SAT), nil
	}
	c.session = nil

	if command.IsAbort(cmd) {
		c.files = s.backup
		c.cfg.log.Debug("sim po: session aborted")
		return status(iso7816.SW_NO_ERROR), nil
	}

	n := c.sessionLength()
	expected, err := s.digest.signature(labelTerminal, n)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expected, cmd.Data) != 1 {
		c.files = s.backup
		c.cfg.log.Warn("sim po: terminal signature rejected")
		return status(iso7816.SW_ERR_SM_OBJ_INCORRECT), nil
	}
	sig, err := s.digest.signature(labelPO, n)
	if err != nil {
		return nil, err
	}
	if cmd.P1 == 0x00 {
		c.ratified = true
	} else {
		c.pendingRatification = true
	}
	c.cfg.log.Debug("sim po: session closed")
	return iso7816.NewResponseAPDU(sig, iso7816.SW_NO_ERROR), nil
}

func (c *Card) record(sfi, record byte) ([]byte, iso7816.StatusWord) {
	recs, ok := c.files[sfi]
	if !ok {
		return nil, iso7816.SW_ERR_FILE_NOT_FOUND
	}
	if record == 0 || int(record) > len(recs) {
		return nil, iso7816.SW_ERR_RECORD_NOT_FOUND
	}
	return recs[record-1], iso7816.SW_NO_ERROR
}

func (c *Card) readRecord(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	if cmd.P1 == 0 {
		return status(iso7816.SW_ERR_WRONG_P1P2)
	}
	rec, sw := c.record(cmd.P2>>3, cmd.P1)
	if sw != iso7816.SW_NO_ERROR {
		return status(sw)
	}
	return iso7816.NewResponseAPDU(append([]byte(nil), rec...), iso7816.SW_NO_ERROR)
}

func (c *Card) writeRecord(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	sfi, record := cmd.P2>>3, cmd.P1
	rec, sw := c.record(sfi, record)
	if sw != iso7816.SW_NO_ERROR {
		return status(sw)
	}
	next := append([]byte(nil), cmd.Data...)
	if cmd.Instruction.Raw == iso7816.INS_WRITE_RECORD {
		for i := range next {
			if i < len(rec) {
				next[i] |= rec[i]
			}
		}
	}
	c.files[sfi][record-1] = next
	return status(iso7816.SW_NO_ERROR)
}

// appendRecord shifts the cyclic file: the new record becomes record 1 and the oldest is lost.
func (c *Card) appendRecord(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	sfi := cmd.P2 >> 3
	recs, ok := c.files[sfi]
	if !ok || len(recs) == 0 {
		return status(iso7816.SW_ERR_FILE_NOT_FOUND)
	}
	shifted := append([][]byte{append([]byte(nil), cmd.Data...)}, recs[:len(recs)-1]...)
	c.files[sfi] = shifted
	return status(iso7816.SW_NO_ERROR)
}

// changeCounter applies Increase or Decrease to a counter of record 1.
func (c *Card) changeCounter(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	sfi := cmd.P2 >> 3
	rec, sw := c.record(sfi, 1)
	if sw != iso7816.SW_NO_ERROR {
		return status(sw)
	}
	if len(cmd.Data) != 3 {
		return status(iso7816.SW_ERR_WRONG_LENGTH)
	}
	offset := (int(cmd.P1) - 1) * 3
	if cmd.P1 == 0 || len(rec) < offset+3 {
		return status(iso7816.SW_ERR_RECORD_NOT_FOUND)
	}

	value := command.Uint24(rec, offset)
	operand := command.Uint24(cmd.Data, 0)
	if cmd.Instruction.Raw == iso7816.INS_CALYPSO_DECREASE {
		value -= operand
	} else {
		value += operand
	}
	if value < 0 || value > command.MaxCounterValue {
		return status(iso7816.SW_ERR_EXEC_NO_INFO)
	}

	next := append([]byte(nil), rec...)
	copy(next[offset:], command.PutUint24(value))
	c.files[sfi][0] = next
	return iso7816.NewResponseAPDU(command.PutUint24(value), iso7816.SW_NO_ERROR)
}

func (c *Card) getChallenge() (*iso7816.ResponseAPDU, error) {
	challenge, err := random(c.cfg.rand, 8)
	if err != nil {
		return nil, err
	}
	c.challenge = challenge
	return iso7816.NewResponseAPDU(append([]byte(nil), challenge...), iso7816.SW_NO_ERROR), nil
}

func (c *Card) verifyPin(cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	if c.attempts == 0 {
		return status(iso7816.SW_ERR_AUTH_METHOD_BLOCKED), nil
	}

	var ok bool
	switch len(cmd.Data) {
	case 0:
		if c.attempts == pinAttempts {
			return status(iso7816.SW_NO_ERROR), nil
		}
		return status(iso7816.StatusWord(0x63C0 | c.attempts)), nil
	case command.PINLength:
		ok = subtle.ConstantTimeCompare(cmd.Data, c.pin) == 1
	case 8:
		if c.challenge == nil {
			return status(iso7816.SW_ERR_COND_OF_USE_NOT_SAT), nil
		}
		expected, err := cipherPIN(c.cfg.keys.PIN, c.Serial, c.challenge, c.pin)
		if err != nil {
			return nil, err
		}
		c.challenge = nil
		ok = subtle.ConstantTimeCompare(cmd.Data, expected) == 1
	default:
		return status(iso7816.SW_ERR_WRONG_LENGTH), nil
	}

	if ok {
		c.attempts = pinAttempts
		return status(iso7816.SW_NO_ERROR), nil
	}
	c.attempts--
	if c.attempts == 0 {
		return status(iso7816.SW_ERR_AUTH_METHOD_BLOCKED), nil
	}
	return status(iso7816.StatusWord(0x63C0 | c.attempts)), nil
}

func cloneFiles(files map[byte][][]byte) map[byte][][]byte {
	out := make(map[byte][][]byte, len(files))
	for sfi, recs := range files {
		copied := make([][]byte, len(recs))
		for i, r := range recs {
			copied[i] = append([]byte(nil), r...)
		}
		out[sfi] = copied
	}
	return out
}
