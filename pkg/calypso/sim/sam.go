package sim

import (
	"crypto/subtle"

	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/gregLibert/calypso-terminal/pkg/reader"
	"github.com/gregLibert/calypso-terminal/pkg/tlv"
)

// SAM INSTRUCTIONS handled by the simulator.
const (
	insCardCipherPin      iso7816.InsCode = 0x12
	insSelectDiversifier  iso7816.InsCode = 0x14
	insDigestAuthenticate iso7816.InsCode = 0x82
	insDigestInit         iso7816.InsCode = 0x8A
	insDigestUpdate       iso7816.InsCode = 0x8C
	insDigestClose        iso7816.InsCode = 0x8E
)

// SAM is a simulated Calypso SAM computing session digests and ciphering PINs.
type SAM struct {
	Serial []byte
	// ATR is the answer to reset, from which calypso.ParseSAMATR reads the revision and serial.
	ATR []byte

	cfg         config
	channelOpen bool
	diversifier []byte
	challenge   []byte
	digest      *digest
	sigLength   int
}

// NewSAM returns a C1 SAM.
func NewSAM(opts ...Option) *SAM {
	serial := tlv.Hex("AABBCCDD")
	atr := append(tlv.Hex("3B3F9600805A0080C1"), serial...)
	atr = append(atr, tlv.Hex("00000000829000")...)
	return &SAM{Serial: serial, ATR: atr, cfg: newConfig(opts)}
}

// Transmit implements reader.Reader.
func (s *SAM) Transmit(req reader.Request, cc reader.ChannelControl) (*reader.Response, error) {
	resp := &reader.Response{ChannelPreviouslyOpen: s.channelOpen}
	s.channelOpen = true
	for _, cmd := range req.Commands {
		r, err := s.process(cmd)
		if err != nil {
			return nil, &reader.TransmitError{Partial: resp, Err: err}
		}
		resp.Responses = append(resp.Responses, r)
	}
	if cc == reader.CloseAfter {
		s.channelOpen = false
	}
	return resp, nil
}

func (s *SAM) process(cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	switch cmd.Instruction.Raw {
	case insSelectDiversifier:
		s.diversifier = append([]byte(nil), cmd.Data...)
		return status(iso7816.SW_NO_ERROR), nil

	case iso7816.INS_GET_CHALLENGE:
		challenge, err := random(s.cfg.rand, cmd.Ne)
		if err != nil {
			return nil, err
		}
		s.challenge = challenge
		return iso7816.NewResponseAPDU(append([]byte(nil), challenge...), iso7816.SW_NO_ERROR), nil

	case insDigestInit:
		return s.digestInit(cmd)

	case insDigestUpdate:
		if s.digest == nil {
			return status(iso7816.SW_ERR_COND_OF_USE_NOT_SAT), nil
		}
		s.digest.update(cmd.Data)
		return status(iso7816.SW_NO_ERROR), nil

	case insDigestClose:
		if s.digest == nil {
			return status(iso7816.SW_ERR_COND_OF_USE_NOT_SAT), nil
		}
		if cmd.Ne != s.sigLength {
			return status(iso7816.SW_ERR_WRONG_LENGTH), nil
		}
		sig, err := s.digest.signature(labelTerminal, s.sigLength)
		if err != nil {
			return nil, err
		}
		return iso7816.NewResponseAPDU(sig, iso7816.SW_NO_ERROR), nil

	case insDigestAuthenticate:
		if s.digest == nil {
			return status(iso7816.SW_ERR_COND_OF_USE_NOT_SAT), nil
		}
		expected, err := s.digest.signature(labelPO, len(cmd.Data))
		if err != nil {
			return nil, err
		}
		s.digest = nil
		if subtle.ConstantTimeCompare(expected, cmd.Data) != 1 {
			s.cfg.log.Warn("sim sam: PO signature rejected")
			return status(iso7816.SW_ERR_SM_OBJ_INCORRECT), nil
		}
		return status(iso7816.SW_NO_ERROR), nil

	case insCardCipherPin:
		if s.diversifier == nil || len(cmd.Data) != 14 {
			return status(iso7816.SW_ERR_COND_OF_USE_NOT_SAT), nil
		}
		ciphered, err := cipherPIN(s.cfg.keys.PIN, s.diversifier, cmd.Data[2:10], cmd.Data[10:14])
		if err != nil {
			return nil, err
		}
		return iso7816.NewResponseAPDU(ciphered, iso7816.SW_NO_ERROR), nil

	default:
		return status(iso7816.SW_ERR_INS_INVALID), nil
	}
}

// digestInit starts a digest. With P2 = FF the data starts with KIF and KVC.
func (s *SAM) digestInit(cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	if s.diversifier == nil || s.challenge == nil {
		return status(iso7816.SW_ERR_COND_OF_USE_NOT_SAT), nil
	}
	seed := cmd.Data
	if cmd.P2 == 0xFF {
		if len(seed) <= 2 {
			return status(iso7816.SW_ERR_WRONG_LENGTH), nil
		}
		seed = seed[2:]
	}

	d, err := newDigest(s.cfg.keys.Session, s.diversifier, s.challenge, seed)
	if err != nil {
		return nil, err
	}
	s.digest = d
	s.sigLength = 4
	if cmd.P1&0x02 != 0 {
		s.sigLength = 8
	}
	return status(iso7816.SW_NO_ERROR), nil
}
