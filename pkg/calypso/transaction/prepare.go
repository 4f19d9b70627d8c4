package transaction

import (
	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
)

func (t *Transaction) prepare(op string, c *command.Command, err error) (int, error) {
	if err != nil {
		return -1, wrapError(KindInvalidArgument, op, err)
	}
	t.log.Debug("command prepared", "command", c.Name)
	return t.manager.add(c), nil
}

// PrepareCommand adds a command built by the command package.
func (t *Transaction) PrepareCommand(c *command.Command) int {
	t.log.Debug("command prepared", "command", c.Name)
	return t.manager.add(c)
}

// PrepareReadRecords reads one record of the file sfi.
func (t *Transaction) PrepareReadRecords(sfi, record byte) (int, error) {
	c, err := command.ReadRecords(t.po, sfi, record)
	return t.prepare("prepare read records", c, err)
}

// PrepareUpdateRecord replaces a record.
func (t *Transaction) PrepareUpdateRecord(sfi, record byte, data []byte) (int, error) {
	c, err := command.UpdateRecord(t.po, sfi, record, data)
	return t.prepare("prepare update record", c, err)
}

// PrepareWriteRecord ORs data into a record.
func (t *Transaction) PrepareWriteRecord(sfi, record byte, data []byte) (int, error) {
	c, err := command.WriteRecord(t.po, sfi, record, data)
	return t.prepare("prepare write record", c, err)
}

// PrepareAppendRecord adds a record to a cyclic file.
func (t *Transaction) PrepareAppendRecord(sfi byte, data []byte) (int, error) {
	c, err := command.AppendRecord(t.po, sfi, data)
	return t.prepare("prepare append record", c, err)
}

// PrepareIncrease adds value to counter counterNumber of the file sfi.
func (t *Transaction) PrepareIncrease(sfi, counterNumber byte, value int) (int, error) {
	c, err := command.Increase(t.po, sfi, counterNumber, value)
	return t.prepare("prepare increase", c, err)
}

// PrepareDecrease subtracts value from counter counterNumber of the file sfi.
func (t *Transaction) PrepareDecrease(sfi, counterNumber byte, value int) (int, error) {
	c, err := command.Decrease(t.po, sfi, counterNumber, value)
	return t.prepare("prepare decrease", c, err)
}

// PrepareVerifyPinPlain presents the PIN in clear.
func (t *Transaction) PrepareVerifyPinPlain(pin []byte) (int, error) {
	c, err := command.VerifyPinPlain(t.po, pin)
	return t.prepare("prepare verify pin", c, err)
}

// PrepareVerifyPinCiphered presents the PIN ciphered by the SAM. The PO challenge is fetched
// by an extra Get Challenge placed just before the returned index.
func (t *Transaction) PrepareVerifyPinCiphered(pin []byte) (int, error) {
	const op = "prepare verify pin"
	if err := t.requireSAM(op); err != nil {
		return -1, err
	}
	getChallenge, verify, err := command.VerifyPinCiphered(t.po, pin)
	if err != nil {
		return -1, wrapError(KindInvalidArgument, op, err)
	}
	t.manager.add(getChallenge)
	return t.manager.add(verify), nil
}
