package calypso

import (
	"strings"

	"github.com/gregLibert/calypso-terminal/pkg/tlv"
	"github.com/moov-io/bertlv"
	"github.com/pkg/errors"
)

// FILE CONTROL INFORMATION returned when a Calypso application is selected:
//
//	6F FCI Template
//	   84 DF Name (AID)
//	   A5 Proprietary Template
//	      BF0C FCI Issuer Discretionary Data
//	         C7 Application Serial Number (8 bytes)
//	         53 Discretionary Data (startup information, 7 bytes or more)

// FCI is the Calypso File Control Information.
type FCI struct {
	DFName              []byte                 `tlv:"84" fmt:"ascii"`
	ProprietaryTemplate FCIProprietaryTemplate `tlv:"A5"`
}

// FCIProprietaryTemplate contains the data found in tag 'A5'.
type FCIProprietaryTemplate struct {
	IssuerDiscretionaryData *FCIIssuerDiscretionaryData `tlv:"BF0C"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// FCIIssuerDiscretionaryData holds the serial number and the startup information.
type FCIIssuerDiscretionaryData struct {
	ApplicationSerialNumber []byte `tlv:"C7"`
	DiscretionaryData       []byte `tlv:"53"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// ParseFCI interprets the data field of a SELECT response.
func ParseFCI(data []byte) (*FCI, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data cannot be parsed")
	}

	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, errors.Wrap(err, "BER-TLV decode failed")
	}

	processingPackets := packets
	if len(packets) > 0 && strings.EqualFold(packets[0].Tag, "6F") {
		processingPackets = packets[0].TLVs
	}

	fci := &FCI{}
	if err := tlv.UnmarshalFromPackets(processingPackets, fci); err != nil {
		return nil, errors.Wrap(err, "failed to map structure")
	}

	return fci, nil
}

// SerialNumber returns the application serial number, or nil.
func (f *FCI) SerialNumber() []byte {
	if d := f.ProprietaryTemplate.IssuerDiscretionaryData; d != nil {
		return d.ApplicationSerialNumber
	}
	return nil
}

// StartupInfo returns the discretionary data, or nil.
func (f *FCI) StartupInfo() []byte {
	if d := f.ProprietaryTemplate.IssuerDiscretionaryData; d != nil {
		return d.DiscretionaryData
	}
	return nil
}

// EncodeFCI builds the FCI of a Calypso application holding only the fields ParseFCI reads.
func EncodeFCI(dfName, serial, startupInfo []byte) ([]byte, error) {
	f := &FCI{
		DFName: dfName,
		ProprietaryTemplate: FCIProprietaryTemplate{
			IssuerDiscretionaryData: &FCIIssuerDiscretionaryData{
				ApplicationSerialNumber: serial,
				DiscretionaryData:       startupInfo,
			},
		},
	}
	return f.Encode()
}

// Encode returns the FCI wrapped in its 6F template, unknown tags included.
func (f *FCI) Encode() ([]byte, error) {
	children, err := tlv.MarshalPackets(f)
	if err != nil {
		return nil, errors.Wrap(err, "encoding FCI")
	}
	return bertlv.Encode([]bertlv.TLV{bertlv.NewComposite("6F", children...)})
}

// Describe generates a report of the FCI content.
func (f *FCI) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== CALYPSO FCI ===")

	tlv.WriteStructFields(&sb, "FCI", f)
	tlv.WriteStructFields(&sb, "Proprietary", f.ProprietaryTemplate)

	if f.ProprietaryTemplate.IssuerDiscretionaryData != nil {
		tlv.WriteStructFields(&sb, "Discretionary", f.ProprietaryTemplate.IssuerDiscretionaryData)
	}

	return strings.TrimRight(sb.String(), "\n")
}
