package iso7816

// SELECT by DF name (INS A4): P1 = 04, P2 = 00 asks for the first occurrence and its FCI.
const (
	p1SelectByDFName byte = 0x04
	p2FirstFCI       byte = 0x00
)

// SelectByAID selects the application named aid.
//
// Le is left out: under T=0 a command carrying both Lc and Le is refused, the card answers 61xx
// and the Client fetches the FCI with GET RESPONSE.
func SelectByAID(cla Class, aid []byte) *CommandAPDU {
	ins, _ := NewInstruction(INS_SELECT)
	return NewCommandAPDU(cla, ins, p1SelectByDFName, p2FirstFCI, aid, 0)
}
