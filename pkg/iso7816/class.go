package iso7816

import (
	"fmt"

	"github.com/gregLibert/calypso-terminal/pkg/bits"
	"github.com/pkg/errors"
)

// A Calypso terminal meets three CLA values: 00 for ISO commands to revision 3 POs, 94 for
// revision 2.4 POs and S1D SAMs, and 80 for the other SAMs. 80 and 94 are proprietary and kept
// as they are. Interindustry classes are decoded:
//
//	000C SSLL   first range: chaining, two SM bits, channel 0-3
//	01SC LLLL   further range: one SM bit, chaining, channel 4-19

// SecureMessaging is the SM indication of an interindustry class.
type SecureMessaging int

const (
	SMNone SecureMessaging = iota
	SMProprietary
	SMHeaderNoProc
	SMHeaderAuth
)

// Class is a decoded CLA byte.
type Class struct {
	Raw             byte
	IsProprietary   bool
	IsChained       bool
	SecureMessaging SecureMessaging
	Channel         uint8
}

// NewClass decodes a CLA byte. FF is reserved.
func NewClass(cla byte) (Class, error) {
	if cla == 0xFF {
		return Class{}, errors.New("CLA FF is reserved")
	}

	c := Class{Raw: cla}
	switch {
	case bits.IsSet(cla, 8):
		c.IsProprietary = true
	case bits.IsSet(cla, 7):
		c.IsChained = bits.IsSet(cla, 5)
		if bits.IsSet(cla, 6) {
			c.SecureMessaging = SMHeaderNoProc
		}
		c.Channel = bits.Range(cla, 4, 1) + 4
	default:
		c.IsChained = bits.IsSet(cla, 5)
		c.SecureMessaging = SecureMessaging(bits.Range(cla, 4, 3))
		c.Channel = bits.Range(cla, 2, 1)
	}
	return c, nil
}

// Encode returns the CLA byte. Interindustry classes are rebuilt from their fields, so a
// decoded class whose channel or chaining was changed encodes accordingly.
func (c Class) Encode() (byte, error) {
	if c.IsProprietary {
		return c.Raw, nil
	}

	b := bits.SetIf(0, 5, c.IsChained)
	switch {
	case c.Channel <= 3:
		return b | byte(c.SecureMessaging)<<2 | c.Channel, nil
	case c.Channel > 19:
		return 0, errors.Errorf("logical channel %d out of range", c.Channel)
	case c.SecureMessaging == SMProprietary || c.SecureMessaging == SMHeaderAuth:
		return 0, errors.Errorf("secure messaging %d is not available on channel %d", c.SecureMessaging, c.Channel)
	}
	b = bits.Set(b, 7)
	b = bits.SetIf(b, 6, c.SecureMessaging != SMNone)
	return b | (c.Channel - 4), nil
}

func (c Class) String() string {
	if c.IsProprietary {
		return fmt.Sprintf("%02X (proprietary)", c.Raw)
	}
	return fmt.Sprintf("%02X (channel %d)", c.Raw, c.Channel)
}
