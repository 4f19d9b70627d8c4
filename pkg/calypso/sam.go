package calypso

import (
	"bytes"
	"fmt"

	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/pkg/errors"
)

// SAMRevision identifies the SAM product family.
type SAMRevision int

const (
	SAMC1 SAMRevision = iota + 1
	SAMS1E
	SAMS1D
)

func (r SAMRevision) String() string {
	switch r {
	case SAMC1:
		return "C1"
	case SAMS1E:
		return "S1E"
	case SAMS1D:
		return "S1D"
	default:
		return fmt.Sprintf("SAMRevision(%d)", int(r))
	}
}

// SAM describes the security module used to compute session digests.
type SAM struct {
	Revision     SAMRevision
	SerialNumber []byte
}

// Class returns the CLA byte of SAM commands: 0x94 for S1D, 0x80 otherwise.
func (s *SAM) Class() iso7816.Class {
	raw := byte(0x80)
	if s.Revision == SAMS1D {
		raw = 0x94
	}
	cls, _ := iso7816.NewClass(raw)
	return cls
}

// ParseSAMATR extracts the revision and serial number from the historical bytes of a SAM ATR:
//
//	... 80 5A <application type> 80 <revision> <serial number (4)> ...
func ParseSAMATR(atr []byte) (*SAM, error) {
	i := bytes.Index(atr, []byte{0x80, 0x5A})
	if i < 0 || len(atr) < i+9 || atr[i+3] != 0x80 {
		return nil, errors.Errorf("not a Calypso SAM ATR: %X", atr)
	}

	sam := &SAM{SerialNumber: append([]byte(nil), atr[i+5:i+9]...)}
	switch rev := atr[i+4]; {
	case rev == 0xC1:
		sam.Revision = SAMC1
	case rev == 0xE1:
		sam.Revision = SAMS1E
	case rev >= 0xD0 && rev <= 0xD2:
		sam.Revision = SAMS1D
	default:
		return nil, errors.Errorf("unknown SAM revision byte %02X", rev)
	}
	return sam, nil
}
