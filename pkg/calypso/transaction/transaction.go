// Package transaction runs Calypso secure sessions between a terminal, a PO and a SAM.
//
// Commands are prepared first (Prepare* methods return their index), then sent by one of the
// Process* methods:
//
//	ProcessOpening              Open Secure Session followed by the prepared commands
//	ProcessPoCommandsInSession  prepared commands, inside the open session
//	ProcessPoCommands           prepared commands, outside any session
//	ProcessClosing              prepared commands, Close Secure Session and ratification
//	ProcessCancel               session abort
//
// Results stay available through Result until a command is prepared for the next batch.
// Every PO exchange of a session is fed to the SAM digest, so that the terminal signature sent
// in Close Secure Session covers the whole session and the PO signature can be checked.
//
// A Transaction is not safe for concurrent use.
package transaction

import (
	"fmt"
	"log/slog"

	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
	"github.com/gregLibert/calypso-terminal/pkg/reader"
)

// SessionState is the secure session state of a transaction.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateOpen
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Transaction drives a PO, and the SAM used for its secure sessions.
type Transaction struct {
	po       *calypso.PO
	poReader reader.Reader
	sam      *samProcessor
	settings SecuritySettings
	log      *slog.Logger

	samReader reader.Reader
	samInfo   *calypso.SAM

	state       SessionState
	manager     *commandManager
	budget      budget
	anticipator *anticipator

	mode       ModificationMode
	level      calypso.AccessLevel
	successful bool
	ratified   bool
	openRecord []byte
}

// Option configures a Transaction.
type Option func(*Transaction)

// WithSAM sets the SAM used for secure sessions, SV operations and PIN ciphering.
func WithSAM(r reader.Reader, sam *calypso.SAM) Option {
	return func(t *Transaction) {
		t.samReader, t.samInfo = r, sam
	}
}

// WithSecuritySettings overrides DefaultSecuritySettings.
func WithSecuritySettings(s SecuritySettings) Option {
	return func(t *Transaction) {
		t.settings = s
	}
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transaction) {
		t.log = l
	}
}

// New prepares a transaction with an already selected PO.
func New(po *calypso.PO, poReader reader.Reader, opts ...Option) *Transaction {
	t := &Transaction{
		po:         po,
		poReader:   poReader,
		settings:   DefaultSecuritySettings(),
		log:        slog.Default(),
		manager:    newCommandManager(),
		budget:     newBudget(po),
		successful: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.anticipator = newAnticipator(t.log)
	if t.samReader != nil && t.samInfo != nil {
		t.sam = newSAMProcessor(t.samReader, t.samInfo, po, t.settings, t.log)
	}
	return t
}

// PO returns the PO descriptor.
func (t *Transaction) PO() *calypso.PO {
	return t.po
}

// State returns the secure session state.
func (t *Transaction) State() SessionState {
	return t.state
}

// IsSuccessful reports the outcome of the last closing: mutual authentication and, when an SV
// operation was made, the SV check. It is true before any closing.
func (t *Transaction) IsSuccessful() bool {
	return t.successful
}

// WasRatified reports whether the session preceding the last opening was ratified.
func (t *Transaction) WasRatified() (bool, error) {
	if t.state == StateUninitialized {
		return false, newError(KindIllegalState, "was ratified", "no session has been opened")
	}
	return t.ratified, nil
}

// OpenRecordData returns the record read by Open Secure Session.
func (t *Transaction) OpenRecordData() ([]byte, error) {
	if t.state == StateUninitialized {
		return nil, newError(KindIllegalState, "open record data", "no session has been opened")
	}
	return t.openRecord, nil
}

// Result returns the result of the prepared command at index. It is nil until the command has
// been answered.
func (t *Transaction) Result(index int) (command.Result, error) {
	e, err := t.manager.envelope(index)
	if err != nil {
		return nil, err
	}
	return e.Result, nil
}

// Envelope returns the prepared command at index together with its result.
func (t *Transaction) Envelope(index int) (*Envelope, error) {
	return t.manager.envelope(index)
}

func (t *Transaction) requireSAM(op string) error {
	if t.sam == nil {
		return newError(KindIllegalState, op, "no SAM configured")
	}
	return nil
}
