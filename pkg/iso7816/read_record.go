package iso7816

// READ RECORD (INS B2) by record number: P1 is the record, P2 = SFI << 3 | 100.
// SFI 0 designates the current file.
const readRecordByNumber byte = 0b100

// ReadRecord reads one record. The whole record is requested (Le = 00).
func ReadRecord(cla Class, sfi, record byte) *CommandAPDU {
	ins, _ := NewInstruction(INS_READ_RECORD)
	return NewCommandAPDU(cla, ins, record, sfi<<3|readRecordByNumber, nil, MaxShortLe)
}
