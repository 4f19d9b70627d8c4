package transaction

import (
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
)

// commandManager holds the commands prepared between two processing calls.
//
// The batch is either pending (commands are being prepared) or published (the last
// processing call is over and its results can still be read). The first command prepared
// after a publication begins a new batch.
type commandManager struct {
	envelopes []*Envelope
	published bool

	svOperation calypso.SvOperation
	svAction    calypso.SvAction
	svGet       *Envelope
	// svPending is the SV operation waiting for its SV Check.
	svPending *Envelope
}

func newCommandManager() *commandManager {
	return &commandManager{published: true}
}

// beginBatch drops the published batch, if any.
func (m *commandManager) beginBatch() {
	if !m.published {
		return
	}
	m.envelopes = nil
	m.published = false
}

// publish marks the current batch as processed.
func (m *commandManager) publish() {
	m.published = true
}

func (m *commandManager) add(c *command.Command) int {
	m.beginBatch()
	m.envelopes = append(m.envelopes, newEnvelope(c))
	return len(m.envelopes) - 1
}

// addStoredValue adds an SV command and keeps track of the SV transaction it belongs to.
func (m *commandManager) addStoredValue(c *command.Command, op calypso.SvOperation, action calypso.SvAction) int {
	index := m.add(c)
	m.svOperation, m.svAction = op, action
	switch {
	case c.Kind == command.KindSvGet:
		m.svGet = m.envelopes[index]
		m.svPending = nil
	case c.Kind.IsSvOperation():
		m.svPending = m.envelopes[index]
	}
	return index
}

// pending returns the commands of the current batch.
func (m *commandManager) pending() []*Envelope {
	m.beginBatch()
	return m.envelopes
}

func (m *commandManager) envelope(index int) (*Envelope, error) {
	if index < 0 || index >= len(m.envelopes) {
		return nil, newError(KindInvalidIndex, "result", "index %d out of range, %d command(s) prepared", index, len(m.envelopes))
	}
	return m.envelopes[index], nil
}

// svOperationPending reports whether an SV operation has been sent and not checked yet.
func (m *commandManager) svOperationPending() bool {
	return m.svPending != nil && m.svPending.IsSent()
}

func (m *commandManager) svChecked() {
	m.svPending = nil
}
