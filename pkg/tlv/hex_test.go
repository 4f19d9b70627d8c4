package tlv

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHex(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
		want  []byte
	}{
		{"single", []string{"9000"}, []byte{0x90, 0x00}},
		{"spaced APDU", []string{"00 B2 01 3C", "00"}, []byte{0x00, 0xB2, 0x01, 0x3C, 0x00}},
		{"mixed case and tabs", []string{"ca\tFE\n"}, []byte{0xCA, 0xFE}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Hex(tt.parts...)); diff != "" {
				t.Errorf("Hex() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHex_Panics(t *testing.T) {
	for _, in := range []string{"ABC", "ZZ"} {
		t.Run(in, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("Hex(%q) should panic", in)
				}
			}()
			Hex(in)
		})
	}
}
