package transaction

import (
	"fmt"
	"slices"

	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
)

// ModificationMode tells whether a session may be closed and reopened when the PO
// modifications buffer is full.
type ModificationMode int

const (
	// Atomic refuses any batch that does not fit in one session.
	Atomic ModificationMode = iota
	// Multiple chains sessions. The PO content may be left inconsistent if it is removed
	// between two of them.
	Multiple
)

func (m ModificationMode) String() string {
	switch m {
	case Atomic:
		return "atomic"
	case Multiple:
		return "multiple"
	default:
		return fmt.Sprintf("ModificationMode(%d)", int(m))
	}
}

// ParseModificationMode accepts "atomic" or "multiple".
func ParseModificationMode(s string) (ModificationMode, error) {
	for _, m := range []ModificationMode{Atomic, Multiple} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown modification mode %q", s)
}

// SvNegativeBalance is the policy applied to SV debits exceeding the balance.
type SvNegativeBalance int

const (
	SvNegativeBalanceForbidden SvNegativeBalance = iota
	SvNegativeBalanceAuthorized
)

// SecuritySettings references the SAM keys used by a transaction.
type SecuritySettings struct {
	// DefaultKIF is used when the PO does not report the KIF of the session key.
	DefaultKIF map[calypso.AccessLevel]byte
	// DefaultKeyRecord is the SAM work key record used when no KIF is available.
	DefaultKeyRecord map[calypso.AccessLevel]byte
	// AuthorizedKVCs lists the accepted key versions. Empty means any.
	AuthorizedKVCs []byte

	PinCipheringKIF byte
	PinCipheringKVC byte

	SvNegativeBalance SvNegativeBalance
}

// DefaultSecuritySettings returns the usual Calypso key references.
func DefaultSecuritySettings() SecuritySettings {
	return SecuritySettings{
		DefaultKIF: map[calypso.AccessLevel]byte{
			calypso.LevelPerso: 0x21,
			calypso.LevelLoad:  0x27,
			calypso.LevelDebit: 0x30,
		},
		DefaultKeyRecord: map[calypso.AccessLevel]byte{
			calypso.LevelPerso: 0x01,
			calypso.LevelLoad:  0x02,
			calypso.LevelDebit: 0x03,
		},
		PinCipheringKIF: 0x30,
		PinCipheringKVC: 0x79,
	}
}

// IsAuthorizedKVC reports whether the key version may be used.
func (s SecuritySettings) IsAuthorizedKVC(kvc byte) bool {
	return len(s.AuthorizedKVCs) == 0 || slices.Contains(s.AuthorizedKVCs, kvc)
}

// kif resolves an undefined KIF from the access level.
func (s SecuritySettings) kif(level calypso.AccessLevel, kif byte) byte {
	if kif != command.KIFUndefined {
		return kif
	}
	if def, ok := s.DefaultKIF[level]; ok {
		return def
	}
	return s.DefaultKIF[calypso.LevelDebit]
}
