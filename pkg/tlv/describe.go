package tlv

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

var tlvSliceType = reflect.TypeOf([]bertlv.TLV(nil))

// WriteStructFields appends one line per non-empty []byte field of s, followed by the unknown
// tags it collected:
//
//	    - <prefix>.<Field> (<tag>): <hex>
//
// A `fmt:"ascii"` field also shows its printable form. Lines are separated from any previous
// content of sb by a newline and no trailing newline is written. A nil pointer writes nothing.
func WriteStructFields(sb *strings.Builder, prefix string, s any) {
	v := reflect.ValueOf(s)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}

	var lines []string
	for i := 0; i < v.NumField(); i++ {
		field, sf := v.Field(i), v.Type().Field(i)
		switch {
		case field.Type() == tlvSliceType:
			for _, t := range field.Interface().([]bertlv.TLV) {
				lines = append(lines, fmt.Sprintf("    - %s.Unknown Tag %s: %X", prefix, strings.ToUpper(t.Tag), t.Value))
			}
		case isByteSlice(field.Type()) && field.Len() > 0:
			name := sf.Name
			if tag, _, _ := strings.Cut(sf.Tag.Get("tlv"), ","); tag != "" {
				name = fmt.Sprintf("%s (%s)", name, tag)
			}
			lines = append(lines, fmt.Sprintf("    - %s.%s: %s", prefix, name, formatValue(field.Bytes(), sf.Tag.Get("fmt"))))
		}
	}

	if len(lines) == 0 {
		return
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(strings.Join(lines, "\n"))
}

func formatValue(data []byte, format string) string {
	if format == "ascii" {
		return fmt.Sprintf("%X (%q)", data, PrintableASCII(data))
	}
	return fmt.Sprintf("%X", data)
}

// PrintableASCII replaces the bytes outside the printable ASCII range with dots.
func PrintableASCII(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		if b < 0x20 || b > 0x7E {
			b = '.'
		}
		out[i] = b
	}
	return string(out)
}
