// Package tlv maps BER-TLV data onto Go structs through `tlv` struct tags, on top of
// github.com/moov-io/bertlv.
//
//	type FCI struct {
//		DFName      []byte       `tlv:"84"`
//		Proprietary Template     `tlv:"A5"`
//		Unknown     []bertlv.TLV `tlv:",unknown"`
//	}
//
// A tagged field may be a []byte (the value, or the encoded children of a constructed tag), a
// string (the value in hex), a struct or pointer to struct (a constructed tag), or a slice of
// values (a repeated tag). A []bertlv.TLV field with the ",unknown" option collects the tags no
// other field claims; they are written back as they are.
package tlv

import (
	"encoding/hex"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
	"github.com/pkg/errors"
)

type fieldSpec struct {
	index   int
	tag     string
	unknown bool
}

func fieldSpecs(t reflect.Type) []fieldSpec {
	var specs []fieldSpec
	for i := 0; i < t.NumField(); i++ {
		name, opts, _ := strings.Cut(t.Field(i).Tag.Get("tlv"), ",")
		switch {
		case opts == "unknown":
			specs = append(specs, fieldSpec{index: i, unknown: true})
		case name != "":
			specs = append(specs, fieldSpec{index: i, tag: strings.ToUpper(name)})
		}
	}
	return specs
}

func structValue(target any) (reflect.Value, error) {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, errors.Errorf("tlv: target must be a non-nil pointer to a struct, got %T", target)
	}
	return v.Elem(), nil
}

// isConstructed reports whether the first tag byte has the constructed bit (6) set.
func isConstructed(tag string) bool {
	b, err := hex.DecodeString(tag[:2])
	return err == nil && b[0]&0x20 != 0
}

// Unmarshal decodes data and maps it onto target, a pointer to a struct.
func Unmarshal(data []byte, target any) error {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return errors.Wrap(err, "tlv: decode")
	}
	return UnmarshalFromPackets(packets, target)
}

// UnmarshalFromPackets maps already decoded TLVs onto target, a pointer to a struct.
func UnmarshalFromPackets(packets []bertlv.TLV, target any) error {
	v, err := structValue(target)
	if err != nil {
		return err
	}

	claimed := make([]bool, len(packets))
	var unknown *reflect.Value
	for _, spec := range fieldSpecs(v.Type()) {
		field := v.Field(spec.index)
		if spec.unknown {
			unknown = &field
			continue
		}
		for i, p := range packets {
			if !strings.EqualFold(p.Tag, spec.tag) {
				continue
			}
			if err := decodeField(p, field); err != nil {
				return errors.Wrapf(err, "tag %s", spec.tag)
			}
			claimed[i] = true
		}
	}

	if unknown != nil {
		var rest []bertlv.TLV
		for i, p := range packets {
			if !claimed[i] {
				rest = append(rest, p)
			}
		}
		if len(rest) > 0 {
			unknown.Set(reflect.ValueOf(rest))
		}
	}
	return nil
}

func decodeField(p bertlv.TLV, field reflect.Value) error {
	switch {
	case isByteSlice(field.Type()):
		raw, err := rawValue(p)
		if err != nil {
			return err
		}
		field.SetBytes(raw)
	case field.Kind() == reflect.String:
		field.SetString(hex.EncodeToString(p.Value))
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Struct:
		elem := reflect.New(field.Type().Elem())
		if err := decodeChildren(p, elem.Interface()); err != nil {
			return err
		}
		field.Set(reflect.Append(field, elem.Elem()))
	case field.Kind() == reflect.Struct:
		return decodeChildren(p, field.Addr().Interface())
	case field.Kind() == reflect.Pointer && isStructType(field.Type()):
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return decodeChildren(p, field.Interface())
	default:
		return errors.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

func decodeChildren(p bertlv.TLV, target any) error {
	if len(p.TLVs) > 0 {
		return UnmarshalFromPackets(p.TLVs, target)
	}
	if len(p.Value) == 0 {
		return nil
	}
	return Unmarshal(p.Value, target)
}

// rawValue is the value of a primitive tag or the encoding of the children of a constructed one.
func rawValue(p bertlv.TLV) ([]byte, error) {
	if len(p.TLVs) == 0 {
		return p.Value, nil
	}
	return bertlv.Encode(p.TLVs)
}

// Marshal encodes source, a struct or pointer to struct, as BER-TLV. Empty fields are omitted.
func Marshal(source any) ([]byte, error) {
	packets, err := MarshalPackets(source)
	if err != nil {
		return nil, err
	}
	return bertlv.Encode(packets)
}

// MarshalPackets is Marshal without the final encoding.
func MarshalPackets(source any) ([]bertlv.TLV, error) {
	v := reflect.ValueOf(source)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, errors.Errorf("tlv: source must be a struct, got %T", source)
	}

	var packets []bertlv.TLV
	for _, spec := range fieldSpecs(v.Type()) {
		field := v.Field(spec.index)
		if spec.unknown {
			if rest, ok := field.Interface().([]bertlv.TLV); ok {
				packets = append(packets, rest...)
			}
			continue
		}
		encoded, err := encodeField(spec.tag, field)
		if err != nil {
			return nil, errors.Wrapf(err, "tag %s", spec.tag)
		}
		packets = append(packets, encoded...)
	}
	return packets, nil
}

func encodeField(tag string, field reflect.Value) ([]bertlv.TLV, error) {
	switch {
	case isByteSlice(field.Type()):
		if field.Len() == 0 {
			return nil, nil
		}
		if !isConstructed(tag) {
			return []bertlv.TLV{bertlv.NewTag(tag, field.Bytes())}, nil
		}
		children, err := bertlv.Decode(field.Bytes())
		if err != nil {
			return nil, errors.Wrap(err, "constructed value")
		}
		return []bertlv.TLV{bertlv.NewComposite(tag, children...)}, nil
	case field.Kind() == reflect.String:
		if field.Len() == 0 {
			return nil, nil
		}
		value, err := hex.DecodeString(field.String())
		if err != nil {
			return nil, errors.Wrap(err, "hex value")
		}
		return []bertlv.TLV{bertlv.NewTag(tag, value)}, nil
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Struct:
		var out []bertlv.TLV
		for i := 0; i < field.Len(); i++ {
			children, err := MarshalPackets(field.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out = append(out, bertlv.NewComposite(tag, children...))
		}
		return out, nil
	case field.Kind() == reflect.Struct, field.Kind() == reflect.Pointer && isStructType(field.Type()):
		if field.Kind() == reflect.Pointer && field.IsNil() {
			return nil, nil
		}
		children, err := MarshalPackets(field.Interface())
		if err != nil {
			return nil, err
		}
		return []bertlv.TLV{bertlv.NewComposite(tag, children...)}, nil
	default:
		return nil, errors.Errorf("unsupported field type %s", field.Type())
	}
}

func isByteSlice(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
}

func isStructType(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}
