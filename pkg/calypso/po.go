package calypso

import (
	"fmt"
	"math"
	"strings"

	"github.com/gregLibert/calypso-terminal/pkg/bits"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/pkg/errors"
)

// STARTUP INFORMATION (tag '53'):
//
//	byte 0  buffer size indicator
//	byte 1  platform
//	byte 2  application type
//	           bit 1: PIN present
//	           bit 2: Stored Value present
//	           bit 3: ratification command required
//	           bit 4: revision 3.2 mode available
//	byte 3  application subtype
//	byte 4  software issuer
//	byte 5  software version
//	byte 6  software revision
const startupInfoLength = 7

// PO describes a selected Calypso portable object.
type PO struct {
	DFName       []byte
	SerialNumber []byte
	StartupInfo  []byte
	Revision     Revision

	// ModificationsMax is the capacity of the session modifications buffer, counted in bytes
	// when ModificationsInBytes is set and in commands otherwise.
	ModificationsMax     int
	ModificationsInBytes bool

	PIN                 bool
	StoredValue         bool
	RatificationCommand bool

	TransmissionMode TransmissionMode

	fci *FCI
}

// NewPO builds the PO descriptor from the data field of the SELECT response.
func NewPO(fciData []byte, mode TransmissionMode) (*PO, error) {
	fci, err := ParseFCI(fciData)
	if err != nil {
		return nil, err
	}

	serial := fci.SerialNumber()
	if len(serial) != 8 {
		return nil, errors.Errorf("application serial number must be 8 bytes, got %d", len(serial))
	}
	info := fci.StartupInfo()
	if len(info) < startupInfoLength {
		return nil, errors.Errorf("startup information must be at least %d bytes, got %d", startupInfoLength, len(info))
	}

	appType := info[2]
	if appType == 0x00 || appType == 0xFF {
		return nil, errors.Errorf("invalid application type %02X", appType)
	}

	po := &PO{
		DFName:               fci.DFName,
		SerialNumber:         serial,
		StartupInfo:          info,
		Revision:             Rev3_1,
		ModificationsMax:     BufferSize(info[0]),
		ModificationsInBytes: true,
		PIN:                  bits.IsSet(appType, 1),
		StoredValue:          bits.IsSet(appType, 2),
		RatificationCommand:  bits.IsSet(appType, 3),
		TransmissionMode:     mode,
		fci:                  fci,
	}
	if bits.IsSet(appType, 4) {
		po.Revision = Rev3_2
	}
	return po, nil
}

// BufferSize converts the startup information buffer size indicator into bytes.
func BufferSize(indicator byte) int {
	if indicator < 6 {
		return 0
	}
	return int(math.Pow(2, (float64(indicator)+25)/4))
}

// Class returns the CLA byte used for PO commands: 0x94 for legacy revisions, 0x00 otherwise.
func (p *PO) Class() iso7816.Class {
	if p.Revision == Rev2_4 {
		cls, _ := iso7816.NewClass(0x94)
		return cls
	}
	cls, _ := iso7816.NewClass(0x00)
	return cls
}

// IsRev32Mode reports whether the extended (8-byte) challenge and signature are used.
func (p *PO) IsRev32Mode() bool {
	return p.Revision == Rev3_2
}

// ChallengeLength is the size of the terminal challenge sent in Open Secure Session.
func (p *PO) ChallengeLength() int {
	if p.IsRev32Mode() {
		return 8
	}
	return 4
}

// SignatureLength is the size of the session signatures exchanged at closing.
func (p *PO) SignatureLength() int {
	if p.IsRev32Mode() {
		return 8
	}
	return 4
}

// Describe generates a report of the PO characteristics.
func (p *PO) Describe() string {
	var sb strings.Builder
	if p.fci != nil {
		sb.WriteString(p.fci.Describe())
		sb.WriteString("\n")
	}
	sb.WriteString("=== CALYPSO PO ===\n")
	fmt.Fprintf(&sb, "    - Serial Number: %X\n", p.SerialNumber)
	fmt.Fprintf(&sb, "    - Revision: %s\n", p.Revision)
	unit := "commands"
	if p.ModificationsInBytes {
		unit = "bytes"
	}
	fmt.Fprintf(&sb, "    - Modifications Buffer: %d %s\n", p.ModificationsMax, unit)
	fmt.Fprintf(&sb, "    - PIN: %t | Stored Value: %t | Ratification Command: %t\n", p.PIN, p.StoredValue, p.RatificationCommand)
	fmt.Fprintf(&sb, "    - Transmission: %s", p.TransmissionMode)
	return sb.String()
}
