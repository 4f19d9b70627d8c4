package tlv

import (
	"encoding/hex"
	"strings"
)

// Hex decodes the concatenation of parts, ignoring white space, so that fixtures can be laid
// out like "00 B2 01 3C", "00". It panics on invalid input and is meant for tests and constants.
func Hex(parts ...string) []byte {
	s := strings.Join(strings.Fields(strings.Join(parts, " ")), "")
	data, err := hex.DecodeString(s)
	if err != nil {
		panic("tlv.Hex: " + err.Error())
	}
	return data
}
