// Package sim provides a software PO and a software SAM implementing reader.Reader.
//
// Both sides share the same keys and compute the session digest the same way, so that a
// terminal driving them gets real signatures: a tampered exchange makes the PO reject the
// terminal signature and the SAM reject the PO signature.
//
//	PO key       CMAC(master, PO serial number)
//	session key  CMAC(PO key, terminal challenge | Open Secure Session response data)
//	digest       concatenation of (length (2) | chunk) for every request and response
//	terminal     CMAC(session key, 01 | digest), truncated to the signature length
//	PO           CMAC(session key, 02 | digest), truncated to the signature length
//	ciphered PIN CMAC(PIN key diversified like the PO key, PO challenge | PIN) [:8]
//
// This is not the Calypso cryptography; it only has the same shape.
package sim

import (
	"crypto/aes"
	"crypto/rand"
	"io"

	"github.com/aead/cmac"
	"github.com/gregLibert/calypso-terminal/pkg/tlv"
	"github.com/pkg/errors"
)

const (
	labelTerminal = 0x01
	labelPO       = 0x02
)

// Keys are the secrets shared by the simulated PO and SAM.
type Keys struct {
	Session []byte
	PIN     []byte
	KIF     byte
	KVC     byte
}

// DefaultKeys returns fixed AES-128 test keys.
func DefaultKeys() Keys {
	return Keys{
		Session: tlv.Hex("000102030405060708090A0B0C0D0E0F"),
		PIN:     tlv.Hex("F0E0D0C0B0A090807060504030201000"),
		KIF:     0x30,
		KVC:     0x79,
	}
}

func cmacSum(key []byte, parts ...[]byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher")
	}
	mac, err := cmac.NewWithTagSize(block, block.BlockSize())
	if err != nil {
		return nil, errors.Wrap(err, "create CMAC from cipher")
	}
	for _, p := range parts {
		if _, err := mac.Write(p); err != nil {
			return nil, errors.Wrap(err, "update CMAC")
		}
	}
	return mac.Sum(nil), nil
}

// digest is the running session digest.
type digest struct {
	key []byte
	buf []byte
}

func newDigest(master, serial, terminalChallenge, seed []byte) (*digest, error) {
	poKey, err := cmacSum(master, serial)
	if err != nil {
		return nil, err
	}
	key, err := cmacSum(poKey, terminalChallenge, seed)
	if err != nil {
		return nil, err
	}
	return &digest{key: key}, nil
}

func (d *digest) update(chunk []byte) {
	d.buf = append(d.buf, byte(len(chunk)>>8), byte(len(chunk)))
	d.buf = append(d.buf, chunk...)
}

func (d *digest) signature(label byte, n int) ([]byte, error) {
	sum, err := cmacSum(d.key, []byte{label}, d.buf)
	if err != nil {
		return nil, err
	}
	if n > len(sum) {
		return nil, errors.Errorf("signature length %d exceeds %d", n, len(sum))
	}
	return sum[:n], nil
}

func cipherPIN(pinKey, serial, challenge, pin []byte) ([]byte, error) {
	key, err := cmacSum(pinKey, serial)
	if err != nil {
		return nil, err
	}
	sum, err := cmacSum(key, challenge, pin)
	if err != nil {
		return nil, err
	}
	return sum[:8], nil
}

func random(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(err, "reading random bytes")
	}
	return b, nil
}

var defaultRand io.Reader = rand.Reader
