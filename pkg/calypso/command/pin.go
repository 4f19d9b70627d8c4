package command

import (
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/pkg/errors"
)

// PINLength is the size of a Calypso PIN.
const PINLength = 4

// GetChallenge asks the PO for a random challenge.
func GetChallenge(po *calypso.PO) *Command {
	apdu := iso7816.NewCommandAPDU(po.Class(), instruction(iso7816.INS_GET_CHALLENGE), 0x00, 0x00, nil, 8)
	return newCommand(KindGetChallenge, apdu)
}

// VerifyPinPlain presents the PIN in clear.
func VerifyPinPlain(po *calypso.PO, pin []byte) (*Command, error) {
	if !po.PIN {
		return nil, errors.New("verify pin: PO has no PIN")
	}
	if len(pin) != PINLength {
		return nil, errors.Errorf("verify pin: PIN must be %d bytes, got %d", PINLength, len(pin))
	}
	apdu := iso7816.NewCommandAPDU(po.Class(), instruction(iso7816.INS_VERIFY), 0x00, 0x00, append([]byte(nil), pin...), 0)
	return newCommand(KindVerifyPin, apdu), nil
}

// VerifyPinCiphered returns the two commands of an encrypted PIN presentation: a Get Challenge
// marked Split, and the Verify PIN command left incomplete until Complete is called with the
// PIN ciphered by the SAM under the PO challenge.
func VerifyPinCiphered(po *calypso.PO, pin []byte) (getChallenge, verify *Command, err error) {
	if !po.PIN {
		return nil, nil, errors.New("verify pin: PO has no PIN")
	}
	if len(pin) != PINLength {
		return nil, nil, errors.Errorf("verify pin: PIN must be %d bytes, got %d", PINLength, len(pin))
	}
	getChallenge = GetChallenge(po)
	getChallenge.Split = true

	apdu := iso7816.NewCommandAPDU(po.Class(), instruction(iso7816.INS_VERIFY), 0x00, 0x00, nil, 0)
	verify = newCommand(KindVerifyPin, apdu)
	verify.pending = append([]byte(nil), pin...)
	return getChallenge, verify, nil
}

// PendingPIN returns the plain PIN of a Verify PIN command awaiting encryption.
func (c *Command) PendingPIN() []byte {
	if c.Kind != KindVerifyPin {
		return nil
	}
	return c.pending
}

// Complete fills the data field of a command built incomplete: the ciphered PIN of a Verify
// PIN, or the SAM complementary data of an SV operation.
func (c *Command) Complete(data []byte) error {
	if c.pending == nil {
		return errors.Errorf("%s: command is already complete", c.Name)
	}
	switch {
	case c.Kind == KindVerifyPin:
		if len(data) != 8 {
			return errors.Errorf("verify pin: ciphered PIN must be 8 bytes, got %d", len(data))
		}
		c.APDU.Data = append([]byte(nil), data...)
	case c.Kind.IsSvOperation():
		c.APDU.Data = append(append([]byte(nil), c.pending...), data...)
	default:
		return errors.Errorf("%s: nothing to complete", c.Name)
	}
	c.pending = nil
	return nil
}

// IsComplete reports whether the command can be transmitted.
func (c *Command) IsComplete() bool {
	return c.pending == nil
}
