// Package calypso describes the two cards involved in a Calypso transaction: the portable
// object (PO) holding the application, and the SAM holding the terminal keys.
//
// The PO descriptor is built from the FCI returned when the application is selected. The
// startup information found there fixes the PO revision, the size and unit of its
// modifications buffer, and which optional features (PIN, Stored Value) it carries.
package calypso

import "fmt"

// Revision is the Calypso revision implemented by a PO.
type Revision int

const (
	Rev2_4 Revision = iota + 1
	Rev3_1
	Rev3_2
)

func (r Revision) String() string {
	switch r {
	case Rev2_4:
		return "REV2_4"
	case Rev3_1:
		return "REV3_1"
	case Rev3_2:
		return "REV3_2"
	default:
		return fmt.Sprintf("Revision(%d)", int(r))
	}
}

// TransmissionMode is the way the terminal reaches the PO. It decides how ratification is
// requested when a session is closed.
type TransmissionMode int

const (
	Contacts TransmissionMode = iota
	Contactless
)

func (m TransmissionMode) String() string {
	if m == Contactless {
		return "contactless"
	}
	return "contacts"
}

// AccessLevel selects the session key family used to open a secure session.
type AccessLevel int

const (
	LevelPerso AccessLevel = iota + 1
	LevelLoad
	LevelDebit
)

// KeyIndex is the value sent in the Open Secure Session command (1, 2 or 3).
func (l AccessLevel) KeyIndex() byte {
	return byte(l)
}

func (l AccessLevel) String() string {
	switch l {
	case LevelPerso:
		return "perso"
	case LevelLoad:
		return "load"
	case LevelDebit:
		return "debit"
	default:
		return fmt.Sprintf("AccessLevel(%d)", int(l))
	}
}

// ParseAccessLevel accepts "perso", "load" or "debit".
func ParseAccessLevel(s string) (AccessLevel, error) {
	for _, l := range []AccessLevel{LevelPerso, LevelLoad, LevelDebit} {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown access level %q", s)
}

// SvOperation is the kind of Stored Value operation announced by SV Get.
type SvOperation int

const (
	SvReload SvOperation = iota + 1
	SvDebit
)

func (o SvOperation) String() string {
	switch o {
	case SvReload:
		return "reload"
	case SvDebit:
		return "debit"
	default:
		return fmt.Sprintf("SvOperation(%d)", int(o))
	}
}

// SvAction distinguishes an operation from its cancellation.
type SvAction int

const (
	SvDo SvAction = iota
	SvUndo
)
