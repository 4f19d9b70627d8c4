// Package samcommand builds the commands sent to the Calypso SAM during a secure session.
//
// The SAM keeps a running digest of the PO exchanges:
//
//	Select Diversifier   80 14 00 00 <PO serial number>
//	Get Challenge        80 84 00 00 <Le = 4 or 8>
//	Digest Init          80 8A <P1> <P2> [KIF KVC] <Open Secure Session response data>
//	Digest Update        80 8C 00 <P2> <request or response bytes>
//	Digest Close         80 8E 00 00 <Le = 4 or 8>
//	Digest Authenticate  80 82 00 00 <PO signature>
//
// Digest Init P1 bit 1 selects verification mode, bit 2 the rev 3.2 (8-byte) signatures. P2 is
// 0xFF when the key is referenced by KIF/KVC, or the key record number otherwise.
// Digest Update P2 is 0x80 when the session is encrypted.
package samcommand

import (
	"github.com/gregLibert/calypso-terminal/pkg/bits"
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/pkg/errors"
)

const (
	insCardCipherPin      iso7816.InsCode = 0x12
	insSelectDiversifier  iso7816.InsCode = 0x14
	insDigestAuthenticate iso7816.InsCode = 0x82
	insDigestInit         iso7816.InsCode = 0x8A
	insDigestUpdate       iso7816.InsCode = 0x8C
	insDigestClose        iso7816.InsCode = 0x8E
)

func newAPDU(sam *calypso.SAM, code iso7816.InsCode, p1, p2 byte, data []byte, ne int) *iso7816.CommandAPDU {
	ins, err := iso7816.NewInstruction(code)
	if err != nil {
		panic(err)
	}
	return iso7816.NewCommandAPDU(sam.Class(), ins, p1, p2, data, ne)
}

// SelectDiversifier loads the PO serial number used to derive the session keys.
func SelectDiversifier(sam *calypso.SAM, serial []byte) *iso7816.CommandAPDU {
	return newAPDU(sam, insSelectDiversifier, 0x00, 0x00, append([]byte(nil), serial...), 0)
}

// GetChallenge asks the SAM for the terminal challenge of length n.
func GetChallenge(sam *calypso.SAM, n int) *iso7816.CommandAPDU {
	return newAPDU(sam, iso7816.INS_GET_CHALLENGE, 0x00, 0x00, nil, n)
}

// ParseChallenge checks the Get Challenge response.
func ParseChallenge(resp *iso7816.ResponseAPDU, n int) ([]byte, error) {
	if !resp.IsSuccess() {
		return nil, errors.Errorf("sam get challenge failed: %s", statusOf(resp))
	}
	if len(resp.Data) != n {
		return nil, errors.Errorf("sam get challenge: expected %d bytes, got %d", n, len(resp.Data))
	}
	return resp.Data, nil
}

// DigestInitParams references the session key and carries the digest seed.
type DigestInitParams struct {
	Verification bool
	Rev32Mode    bool
	// KIF and KVC reference the key; when KIF is 0xFF, KeyRecord is used instead.
	KIF       byte
	KVC       byte
	KeyRecord byte
	Seed      []byte
}

// DigestInit starts the SAM session digest.
func DigestInit(sam *calypso.SAM, p DigestInitParams) (*iso7816.CommandAPDU, error) {
	if len(p.Seed) == 0 {
		return nil, errors.New("digest init: empty seed")
	}
	p1 := bits.SetIf(0, 1, p.Verification)
	p1 = bits.SetIf(p1, 2, p.Rev32Mode)

	if p.KIF == 0xFF {
		return newAPDU(sam, insDigestInit, p1, p.KeyRecord, append([]byte(nil), p.Seed...), 0), nil
	}
	data := make([]byte, 0, 2+len(p.Seed))
	data = append(data, p.KIF, p.KVC)
	data = append(data, p.Seed...)
	return newAPDU(sam, insDigestInit, p1, 0xFF, data, 0), nil
}

// DigestUpdate feeds one request or response of the PO exchange into the digest.
func DigestUpdate(sam *calypso.SAM, encrypted bool, data []byte) (*iso7816.CommandAPDU, error) {
	if len(data) > iso7816.MaxShortLc {
		return nil, errors.Errorf("digest update: %d bytes exceed the short APDU limit", len(data))
	}
	var p2 byte
	if encrypted {
		p2 = 0x80
	}
	return newAPDU(sam, insDigestUpdate, 0x00, p2, append([]byte(nil), data...), 0), nil
}

// DigestClose ends the digest and returns the terminal signature of length n.
func DigestClose(sam *calypso.SAM, n int) *iso7816.CommandAPDU {
	return newAPDU(sam, insDigestClose, 0x00, 0x00, nil, n)
}

// ParseSignature extracts the terminal signature from the Digest Close response.
func ParseSignature(resp *iso7816.ResponseAPDU, n int) ([]byte, error) {
	if !resp.IsSuccess() {
		return nil, errors.Errorf("digest close failed: %s", statusOf(resp))
	}
	if len(resp.Data) != n {
		return nil, errors.Errorf("digest close: expected a %d-byte signature, got %d", n, len(resp.Data))
	}
	return resp.Data, nil
}

// DigestAuthenticate checks the PO signature returned by Close Secure Session.
func DigestAuthenticate(sam *calypso.SAM, poSignature []byte) *iso7816.CommandAPDU {
	return newAPDU(sam, insDigestAuthenticate, 0x00, 0x00, append([]byte(nil), poSignature...), 0)
}

// CardCipherPin ciphers the PIN with the PO challenge under the key KIF/KVC.
func CardCipherPin(sam *calypso.SAM, kif, kvc byte, challenge, pin []byte) (*iso7816.CommandAPDU, error) {
	if len(challenge) != 8 {
		return nil, errors.Errorf("card cipher pin: challenge must be 8 bytes, got %d", len(challenge))
	}
	if len(pin) != 4 {
		return nil, errors.Errorf("card cipher pin: PIN must be 4 bytes, got %d", len(pin))
	}
	data := make([]byte, 0, 14)
	data = append(data, kif, kvc)
	data = append(data, challenge...)
	data = append(data, pin...)
	return newAPDU(sam, insCardCipherPin, 0x80, 0x00, data, 8), nil
}

// ParseCipheredPin extracts the 8-byte ciphered PIN.
func ParseCipheredPin(resp *iso7816.ResponseAPDU) ([]byte, error) {
	if !resp.IsSuccess() || len(resp.Data) != 8 {
		return nil, errors.Errorf("card cipher pin failed: %s", statusOf(resp))
	}
	return resp.Data, nil
}

func statusOf(resp *iso7816.ResponseAPDU) string {
	if resp == nil {
		return "no response"
	}
	return resp.Status.Verbose()
}
