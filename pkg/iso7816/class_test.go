package iso7816

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewClass(t *testing.T) {
	tests := []struct {
		name    string
		cla     byte
		want    Class
		wantErr bool
	}{
		{name: "ISO class of a revision 3 PO", cla: 0x00, want: Class{Raw: 0x00}},
		{name: "revision 2.4 PO and S1D SAM", cla: 0x94, want: Class{Raw: 0x94, IsProprietary: true}},
		{name: "C1 SAM", cla: 0x80, want: Class{Raw: 0x80, IsProprietary: true}},
		{
			name: "first range, chained, SM authenticated, channel 3",
			cla:  0b0001_1111,
			want: Class{Raw: 0x1F, IsChained: true, SecureMessaging: SMHeaderAuth, Channel: 3},
		},
		{
			name: "further range, channel 4",
			cla:  0b0100_0000,
			want: Class{Raw: 0x40, Channel: 4},
		},
		{
			name: "further range, SM, chained, channel 19",
			cla:  0b0111_1111,
			want: Class{Raw: 0x7F, IsChained: true, SecureMessaging: SMHeaderNoProc, Channel: 19},
		},
		{name: "reserved", cla: 0xFF, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewClass(tt.cla)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClass() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("NewClass(%02X) mismatch (-want +got):\n%s", tt.cla, diff)
			}
		})
	}
}

func TestClass_Encode(t *testing.T) {
	for _, cla := range []byte{0x00, 0x80, 0x94, 0x1F, 0x40, 0x7F} {
		c, err := NewClass(cla)
		if err != nil {
			t.Fatal(err)
		}
		got, err := c.Encode()
		if err != nil {
			t.Fatalf("Encode(%02X) failed: %v", cla, err)
		}
		if got != cla {
			t.Errorf("Encode() = %02X, want %02X", got, cla)
		}
	}

	t.Run("channel moved to the further range", func(t *testing.T) {
		c, _ := NewClass(0x00)
		c.Channel = 10
		got, err := c.Encode()
		if err != nil || got != 0x46 {
			t.Errorf("Encode() = %02X, %v, want 46", got, err)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		for _, c := range []Class{
			{Channel: 20},
			{Channel: 5, SecureMessaging: SMHeaderAuth},
		} {
			if _, err := c.Encode(); err == nil {
				t.Errorf("Encode(%+v) should fail", c)
			}
		}
	})
}

func TestClass_String(t *testing.T) {
	c94, _ := NewClass(0x94)
	c01, _ := NewClass(0x01)
	if got := c94.String(); got != "94 (proprietary)" {
		t.Errorf("String() = %q", got)
	}
	if got := c01.String(); got != "01 (channel 1)" {
		t.Errorf("String() = %q", got)
	}
}
