package samcommand

import (
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/pkg/errors"
)

// SV Prepare Load ('56'), SV Prepare Debit ('54') and SV Prepare Undebit ('5C') share a layout:
//
//	P1 P2 = 01 FF
//	Data  = SV Get header (4) | SV Get response data | SV operation partial data
//
// The response is the SAM part of the SV operation (SAM transaction number and signature),
// appended by the terminal to the SAM serial number.
// SV Check ('58') takes the PO signature returned by the SV operation.

// SvPrepare builds the SV Prepare command matching the kind of op.
func SvPrepare(sam *calypso.SAM, svGet *command.SvGetResult, op *command.Command) (*iso7816.CommandAPDU, error) {
	var code iso7816.InsCode
	switch op.Kind {
	case command.KindSvReload:
		code = iso7816.INS_CALYPSO_SV_PREPARE_LOAD
	case command.KindSvDebit:
		code = iso7816.INS_CALYPSO_SV_PREPARE_DEB
	case command.KindSvUndebit:
		code = iso7816.INS_CALYPSO_SV_PREPARE_UND
	default:
		return nil, errors.Errorf("sv prepare: %s is not an SV operation", op.Kind)
	}
	if svGet == nil || !svGet.IsSuccess() {
		return nil, errors.New("sv prepare: no valid SV Get response")
	}
	partial := op.SvPartialData()
	if partial == nil {
		return nil, errors.Errorf("sv prepare: %s is already complete", op.Name)
	}

	data := append([]byte(nil), svGet.Header()...)
	data = append(data, svGet.Response().Data...)
	data = append(data, partial...)
	return newAPDU(sam, code, 0x01, 0xFF, data, iso7816.MaxShortLe), nil
}

// SvCheck verifies the PO signature of an SV operation.
func SvCheck(sam *calypso.SAM, poSignature []byte) *iso7816.CommandAPDU {
	return newAPDU(sam, iso7816.INS_CALYPSO_SV_CHECK, 0x00, 0x00, append([]byte(nil), poSignature...), 0)
}
