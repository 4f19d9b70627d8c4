package cmd

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Operation arguments use hexadecimal fields separated by colons, e.g. "19:1:000A".

type recordRef struct {
	sfi, record byte
}

type counterOp struct {
	sfi, counter byte
	value        int
}

type recordData struct {
	sfi, record byte
	data        []byte
}

func splitFields(arg string, n int, layout string) ([]string, error) {
	fields := strings.Split(arg, ":")
	if len(fields) != n {
		return nil, errors.Errorf("%q: expected %s", arg, layout)
	}
	return fields, nil
}

func parseHexByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, errors.Wrapf(err, "%q is not a hex byte", s)
	}
	return byte(v), nil
}

func parseRecordRef(arg string) (recordRef, error) {
	f, err := splitFields(arg, 2, "SFI:RECORD")
	if err != nil {
		return recordRef{}, err
	}
	var r recordRef
	if r.sfi, err = parseHexByte(f[0]); err != nil {
		return recordRef{}, err
	}
	if r.record, err = parseHexByte(f[1]); err != nil {
		return recordRef{}, err
	}
	return r, nil
}

func parseCounterOp(arg string) (counterOp, error) {
	f, err := splitFields(arg, 3, "SFI:COUNTER:VALUE")
	if err != nil {
		return counterOp{}, err
	}
	var c counterOp
	if c.sfi, err = parseHexByte(f[0]); err != nil {
		return counterOp{}, err
	}
	if c.counter, err = parseHexByte(f[1]); err != nil {
		return counterOp{}, err
	}
	v, err := strconv.ParseUint(f[2], 16, 24)
	if err != nil {
		return counterOp{}, errors.Wrapf(err, "%q is not a 3-byte hex value", f[2])
	}
	c.value = int(v)
	return c, nil
}

func parseRecordData(arg string) (recordData, error) {
	f, err := splitFields(arg, 3, "SFI:RECORD:DATA")
	if err != nil {
		return recordData{}, err
	}
	ref, err := parseRecordRef(f[0] + ":" + f[1])
	if err != nil {
		return recordData{}, err
	}
	data, err := hex.DecodeString(f[2])
	if err != nil {
		return recordData{}, errors.Wrapf(err, "%q is not hex data", f[2])
	}
	return recordData{sfi: ref.sfi, record: ref.record, data: data}, nil
}

// parseAppend reads "SFI:DATA"; the record is always the first one of the cyclic file.
func parseAppend(arg string) (recordData, error) {
	f, err := splitFields(arg, 2, "SFI:DATA")
	if err != nil {
		return recordData{}, err
	}
	sfi, err := parseHexByte(f[0])
	if err != nil {
		return recordData{}, err
	}
	data, err := hex.DecodeString(f[1])
	if err != nil {
		return recordData{}, errors.Wrapf(err, "%q is not hex data", f[1])
	}
	return recordData{sfi: sfi, record: 1, data: data}, nil
}
