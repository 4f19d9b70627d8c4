// Package bits reads and sets the bits of a byte. Bits are numbered 1 (least significant) to 8,
// the way ISO 7816 and Calypso documents number them.
package bits

// Bit returns the mask of bit n, or 0 when n is not in 1..8.
func Bit(n uint) byte {
	if n == 0 || n > 8 {
		return 0
	}
	return 1 << (n - 1)
}

// IsSet reports whether bit n of b is set.
func IsSet(b byte, n uint) bool {
	return b&Bit(n) != 0
}

// Set returns b with bit n set.
func Set(b byte, n uint) byte {
	return b | Bit(n)
}

// SetIf sets bit n of b when cond holds.
func SetIf(b byte, n uint, cond bool) byte {
	if !cond {
		return b
	}
	return Set(b, n)
}

// Range returns bits high down to low of b, shifted to the right.
// Range(0b0000_1100, 4, 3) is 3.
func Range(b byte, high, low uint) byte {
	if low == 0 || high < low || high > 8 {
		return 0
	}
	mask := byte(1<<(high-low+1) - 1)
	return b >> (low - 1) & mask
}
