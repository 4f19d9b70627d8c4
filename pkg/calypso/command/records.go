package command

import (
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/pkg/errors"
)

// File commands address an elementary file by SFI and a record by number:
//
//	P1 = record number (or counter number for Increase/Decrease)
//	P2 = SFI << 3 | 0b100 (record number mode), SFI << 3 for Append/Increase/Decrease
//
// The SFI of any of these commands can therefore be recovered as (P2 >> 3) & 0x1F.

// SFIOf returns the SFI encoded in P2 of a file command.
func SFIOf(apdu *iso7816.CommandAPDU) byte {
	return (apdu.P2 >> 3) & 0x1F
}

func checkSFI(sfi byte) error {
	if sfi > 30 {
		return errors.Errorf("SFI %02X out of range", sfi)
	}
	return nil
}

func checkRecord(record byte) error {
	if record < 1 || record > 250 {
		return errors.Errorf("record number %d out of range", record)
	}
	return nil
}

// ReadRecords reads one record of the file.
func ReadRecords(po *calypso.PO, sfi, record byte) (*Command, error) {
	if err := checkSFI(sfi); err != nil {
		return nil, err
	}
	if err := checkRecord(record); err != nil {
		return nil, err
	}
	c := newCommand(KindReadRecords, iso7816.ReadRecord(po.Class(), sfi, record))
	c.SFI, c.Record = sfi, record
	return c, nil
}

func recordWrite(kind Kind, code iso7816.InsCode, po *calypso.PO, sfi, record byte, data []byte) (*Command, error) {
	if err := checkSFI(sfi); err != nil {
		return nil, err
	}
	if err := checkRecord(record); err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data) > iso7816.MaxShortLc {
		return nil, errors.Errorf("%s: data length %d out of range", kind, len(data))
	}
	apdu := iso7816.NewCommandAPDU(po.Class(), instruction(code), record, sfi<<3|0b100, data, 0)
	c := newCommand(kind, apdu)
	c.SFI, c.Record, c.Modifying = sfi, record, true
	return c, nil
}

// UpdateRecord replaces the content of a record.
func UpdateRecord(po *calypso.PO, sfi, record byte, data []byte) (*Command, error) {
	return recordWrite(KindUpdateRecord, iso7816.INS_UPDATE_RECORD, po, sfi, record, data)
}

// WriteRecord ORs the data into a record.
func WriteRecord(po *calypso.PO, sfi, record byte, data []byte) (*Command, error) {
	return recordWrite(KindWriteRecord, iso7816.INS_WRITE_RECORD, po, sfi, record, data)
}

// AppendRecord inserts a new first record in a cyclic file.
func AppendRecord(po *calypso.PO, sfi byte, data []byte) (*Command, error) {
	if err := checkSFI(sfi); err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data) > iso7816.MaxShortLc {
		return nil, errors.Errorf("append record: data length %d out of range", len(data))
	}
	apdu := iso7816.NewCommandAPDU(po.Class(), instruction(iso7816.INS_APPEND_RECORD), 0x00, sfi<<3, data, 0)
	c := newCommand(KindAppendRecord, apdu)
	c.SFI, c.Record, c.Modifying = sfi, 1, true
	return c, nil
}

// MaxCounterValue is the largest value a 3-byte counter or operand can hold.
const MaxCounterValue = 0xFFFFFF

func counter(kind Kind, code iso7816.InsCode, po *calypso.PO, sfi, counterNumber byte, value int) (*Command, error) {
	if err := checkSFI(sfi); err != nil {
		return nil, err
	}
	if counterNumber < 1 || counterNumber > 83 {
		return nil, errors.Errorf("counter number %d out of range", counterNumber)
	}
	if value < 0 || value > MaxCounterValue {
		return nil, errors.Errorf("%s value %d out of range", kind, value)
	}
	apdu := iso7816.NewCommandAPDU(po.Class(), instruction(code), counterNumber, sfi<<3, PutUint24(value), iso7816.MaxShortLe)
	c := newCommand(kind, apdu)
	c.SFI, c.Record, c.Counter, c.Modifying = sfi, 1, counterNumber, true
	return c, nil
}

// Increase adds value to a counter and returns the new value.
func Increase(po *calypso.PO, sfi, counterNumber byte, value int) (*Command, error) {
	return counter(KindIncrease, iso7816.INS_CALYPSO_INCREASE, po, sfi, counterNumber, value)
}

// Decrease subtracts value from a counter and returns the new value.
func Decrease(po *calypso.PO, sfi, counterNumber byte, value int) (*Command, error) {
	return counter(KindDecrease, iso7816.INS_CALYPSO_DECREASE, po, sfi, counterNumber, value)
}

// Operand returns the value carried by an Increase or Decrease command.
func (c *Command) Operand() int {
	if !c.Kind.IsCounter() || len(c.APDU.Data) < 3 {
		return 0
	}
	return Uint24(c.APDU.Data, 0)
}
