package transaction

import (
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/gregLibert/calypso-terminal/pkg/reader"
	"github.com/pkg/errors"
)

// ProcessOpening opens a secure session and sends the prepared commands in it. The record
// (sfi, record) is read by Open Secure Session itself; record 0 reads nothing.
//
// When the modifying commands exceed the PO modifications buffer, Atomic mode fails before
// anything is sent and Multiple mode closes and reopens sessions as needed. The session is
// left open.
func (t *Transaction) ProcessOpening(mode ModificationMode, level calypso.AccessLevel, sfi, record byte) (_ bool, err error) {
	const op = "process opening"
	if err := t.requireSAM(op); err != nil {
		return false, err
	}
	if t.state == StateOpen {
		return false, newError(KindIllegalState, op, "session already open")
	}

	t.mode, t.level = mode, level
	t.budget.reset()
	envs := t.manager.pending()
	defer t.manager.publish()

	ok := true
	chained := false
	defer t.failChain(&err, &chained)
	openChunk := func(batch []*Envelope) (bool, error) {
		if chained {
			return t.reopen(op, batch)
		}
		return t.open(op, sfi, record, batch)
	}

	var chunk []*Envelope
	for _, e := range envs {
		if !e.Command.Modifying || !t.budget.willOverflow(e.Command) {
			chunk = append(chunk, e)
			continue
		}
		if mode == Atomic {
			return false, newError(KindIllegalState, op, "%s does not fit in the modifications buffer", e.Command.Name)
		}

		sent, err := openChunk(chunk)
		if err != nil {
			return false, err
		}
		authentic, err := t.closeSession(op, nil, calypso.Contacts, reader.KeepOpen)
		if err != nil {
			return false, err
		}
		ok = ok && sent && authentic

		chained = true
		t.budget.reset()
		chunk = []*Envelope{e}
		t.budget.charge(e.Command)
	}

	sent, err := openChunk(chunk)
	if err != nil {
		return false, err
	}
	return ok && sent, nil
}

// ProcessPoCommandsInSession sends the prepared commands in the open session.
func (t *Transaction) ProcessPoCommandsInSession() (_ bool, err error) {
	const op = "process in session"
	if t.state != StateOpen {
		return false, newError(KindIllegalState, op, "no open session")
	}

	envs := t.manager.pending()
	defer t.manager.publish()

	ok := true
	chained := false
	defer t.failChain(&err, &chained)
	var chunk []*Envelope
	for _, e := range envs {
		if !e.Command.Modifying || !t.budget.willOverflow(e.Command) {
			chunk = append(chunk, e)
			continue
		}
		if t.mode == Atomic {
			return false, newError(KindIllegalState, op, "%s does not fit in the modifications buffer", e.Command.Name)
		}

		sent, err := t.runBatch(op, nil, chunk, reader.KeepOpen)
		if err != nil {
			return false, err
		}
		authentic, err := t.closeSession(op, nil, calypso.Contacts, reader.KeepOpen)
		if err != nil {
			return false, err
		}
		ok = ok && sent && authentic
		chained = true

		t.budget.reset()
		if _, err := t.reopen(op, nil); err != nil {
			return false, err
		}
		chunk = []*Envelope{e}
		t.budget.charge(e.Command)
	}

	sent, err := t.runBatch(op, nil, chunk, reader.KeepOpen)
	if err != nil {
		return false, err
	}
	return ok && sent, nil
}

// ProcessPoCommands sends the prepared commands outside of any session. An SV operation
// among them is checked by the SAM right away.
func (t *Transaction) ProcessPoCommands(cc reader.ChannelControl) (bool, error) {
	const op = "process commands"
	if t.state == StateOpen {
		return false, newError(KindIllegalState, op, "a session is open")
	}

	envs := t.manager.pending()
	defer t.manager.publish()

	ok, err := t.runBatch(op, nil, envs, cc)
	if err != nil {
		return false, err
	}

	if t.manager.svOperationPending() {
		if err := t.requireSAM(op); err != nil {
			return false, err
		}
		res, _ := t.manager.svPending.Result.(*command.SvOperationResult)
		if res == nil || !res.IsSuccess() {
			t.manager.svChecked()
			return false, newError(KindSvSecurity, op, "SV operation refused by the PO")
		}
		checked, err := t.sam.svCheckStatus(res.Signature())
		t.manager.svChecked()
		if err != nil {
			return false, err
		}
		if !checked {
			return false, newError(KindSvSecurity, op, "SV signature rejected by the SAM")
		}
	}
	return ok, nil
}

// ProcessClosing sends the prepared commands and closes the session. The trailing modifying
// commands travel with Close Secure Session; their responses are anticipated so that the
// terminal signature covers them.
//
// In contactless mode ratification is obtained by an extra command whose failure is
// tolerated. IsSuccessful reports whether the PO signature, and the SV operation if any,
// were verified.
func (t *Transaction) ProcessClosing(cc reader.ChannelControl) (_ bool, err error) {
	const op = "process closing"
	if t.state != StateOpen {
		return false, newError(KindIllegalState, op, "no open session")
	}

	envs := t.manager.pending()
	defer t.manager.publish()

	ok := true
	closed := false
	defer t.failChain(&err, &closed)
	var chunk []*Envelope
	for _, e := range envs {
		if !e.Command.Modifying || !t.budget.willOverflow(e.Command) {
			chunk = append(chunk, e)
			continue
		}
		if t.mode == Atomic {
			return false, newError(KindIllegalState, op, "%s does not fit in the modifications buffer", e.Command.Name)
		}

		var verdict bool
		if hasModifying(chunk) {
			if closed {
				if _, err := t.reopen(op, nil); err != nil {
					return false, err
				}
			}
			verdict, err = t.closeWith(op, chunk, calypso.Contacts, reader.KeepOpen)
		} else {
			verdict, err = t.flushFullSession(op, chunk)
		}
		if err != nil {
			return false, err
		}
		ok = ok && verdict
		closed = true

		t.budget.reset()
		chunk = []*Envelope{e}
		t.budget.charge(e.Command)
	}

	if closed {
		if _, err := t.reopen(op, nil); err != nil {
			return false, err
		}
	}
	authentic, err := t.closeWith(op, chunk, t.po.TransmissionMode, cc)
	if err != nil {
		t.successful = false
		return false, err
	}
	t.successful = ok && authentic
	return t.successful, nil
}

// flushFullSession sends chunk, which modifies nothing, with the plain send path. The
// modifications buffer was filled by earlier in-session calls, so the open session is then
// closed empty and the command that did not fit starts in a fresh one. Without that close the
// PO would reject it.
func (t *Transaction) flushFullSession(op string, chunk []*Envelope) (bool, error) {
	sent, err := t.runBatch(op, nil, chunk, reader.KeepOpen)
	if err != nil {
		return false, err
	}
	if t.state != StateOpen {
		return sent, nil
	}
	authentic, err := t.closeSession(op, nil, calypso.Contacts, reader.KeepOpen)
	if err != nil {
		return false, err
	}
	return sent && authentic, nil
}

// failChain clears the success verdict when a chain of sessions fails after one of its
// sessions was closed.
func (t *Transaction) failChain(err *error, closed *bool) {
	if *err != nil && *closed {
		t.successful = false
	}
}

func hasModifying(envs []*Envelope) bool {
	for _, e := range envs {
		if e.Command.Modifying {
			return true
		}
	}
	return false
}

// ProcessCancel aborts the session. The transaction is CLOSED afterwards whatever the outcome;
// the returned value is the status of the abort command.
func (t *Transaction) ProcessCancel(cc reader.ChannelControl) bool {
	abort := command.AbortSession(t.po)
	t.log.Debug("po batch", "op", "process cancel", "commands", 1, "control", cc)
	resp, err := t.poReader.Transmit(reader.NewRequest(abort.APDU), cc)

	t.manager.publish()
	t.state = StateClosed

	if err != nil {
		t.log.Warn("abort transmission failed", "err", err)
		var te *reader.TransmitError
		if !errors.As(err, &te) || te.Partial == nil {
			return false
		}
		resp = te.Partial
	}
	if len(resp.Responses) == 0 {
		return false
	}
	return resp.Responses[0].IsSuccess()
}

// closeWith sends chunk and closes the session. Commands up to the last non-modifying one are
// sent in the session; the modifying commands after it go with Close Secure Session.
func (t *Transaction) closeWith(op string, chunk []*Envelope, mode calypso.TransmissionMode, cc reader.ChannelControl) (bool, error) {
	split := 0
	for i, e := range chunk {
		if !e.Command.Modifying {
			split = i + 1
		}
	}

	ok := true
	if split > 0 {
		sent, err := t.runBatch(op, nil, chunk[:split], reader.KeepOpen)
		if err != nil {
			return false, err
		}
		ok = sent
	}
	authentic, err := t.closeSession(op, chunk[split:], mode, cc)
	if err != nil {
		return false, err
	}
	return ok && authentic, nil
}

// open runs Open Secure Session followed by envs.
func (t *Transaction) open(op string, sfi, record byte, envs []*Envelope) (bool, error) {
	challenge, err := t.sam.sessionTerminalChallenge()
	if err != nil {
		return false, err
	}
	openCmd, err := command.OpenSession(t.po, t.level, challenge, sfi, record)
	if err != nil {
		return false, wrapError(KindInvalidArgument, op, err)
	}
	return t.runBatch(op, openCmd, envs, reader.KeepOpen)
}

// reopen starts the next session of a chain, reading no record. The ratification status and
// the record read by the first opening are kept.
func (t *Transaction) reopen(op string, envs []*Envelope) (bool, error) {
	ratified, record := t.ratified, t.openRecord
	ok, err := t.open(op, 0, 0, envs)
	t.ratified, t.openRecord = ratified, record
	return ok, err
}

// runBatch sends envs to the PO, preceded by opening when not nil. A Split command ends a
// round: its response is needed to complete the command that follows it.
func (t *Transaction) runBatch(op string, opening *command.Command, envs []*Envelope, cc reader.ChannelControl) (bool, error) {
	ok := true
	for opening != nil || len(envs) > 0 {
		n := len(envs)
		for i, e := range envs {
			if e.Command.Split {
				n = i + 1
				break
			}
		}
		round, rest := envs[:n], envs[n:]

		var cmds []*command.Command
		if opening != nil {
			cmds = append(cmds, opening)
		}
		for _, e := range round {
			if !e.Command.IsComplete() {
				return false, newError(KindIllegalState, op, "%s is not complete", e.Command.Name)
			}
			cmds = append(cmds, e.Command)
		}

		control := cc
		if len(rest) > 0 {
			control = reader.KeepOpen
		}
		resp, err := t.transmitPO(op, cmds, control)
		if err != nil {
			return false, err
		}

		responses := resp.Responses
		if opening != nil {
			if !resp.ChannelPreviouslyOpen {
				return false, &Error{Kind: KindProtocolInconsistency, Op: op, Msg: "PO logical channel was not open", Partial: resp}
			}
			if err := t.onOpened(op, resp, opening); err != nil {
				return false, err
			}
			responses = responses[1:]
			opening = nil
		}

		for i, e := range round {
			if !e.setResponse(responses[i]) {
				ok = false
			}
			if t.state == StateOpen {
				if err := t.sam.pushExchange(e.Command.APDU, responses[i]); err != nil {
					return false, err
				}
			}
		}
		t.anticipator.recordReads(round)

		if len(round) > 0 && round[len(round)-1].Command.Split {
			if err := t.completeSplit(op, round[len(round)-1], rest); err != nil {
				return false, err
			}
		}
		envs = rest
	}
	return ok, nil
}

func (t *Transaction) transmitPO(op string, cmds []*command.Command, cc reader.ChannelControl) (*reader.Response, error) {
	apdus := make([]*iso7816.CommandAPDU, len(cmds))
	for i, c := range cmds {
		apdus[i] = c.APDU
	}
	t.log.Debug("po batch", "op", op, "commands", len(apdus), "control", cc)

	resp, err := t.poReader.Transmit(reader.NewRequest(apdus...), cc)
	if err != nil {
		return nil, transportError(op, err)
	}
	if len(resp.Responses) != len(apdus) {
		return nil, &Error{
			Kind:    KindProtocolInconsistency,
			Op:      op,
			Msg:     "response count does not match the request",
			Partial: resp,
		}
	}
	return resp, nil
}

// onOpened applies the Open Secure Session response: key policy, digest seed and state.
func (t *Transaction) onOpened(op string, resp *reader.Response, opening *command.Command) error {
	res, err := command.ParseOpenSession(t.po, resp.Responses[0])
	if err != nil {
		return &Error{Kind: KindSecurityExchange, Op: op, Err: err, Partial: resp}
	}
	if !t.settings.IsAuthorizedKVC(res.KVC) {
		return newError(KindSecurityPolicy, op, "unauthorized KVC %02X", res.KVC)
	}
	if !t.sam.initializeDigest(t.level, false, false, res.KIF, res.KVC, res.Data) {
		return newError(KindDigestComputation, op, "empty Open Secure Session response")
	}
	t.ratified = res.Ratified
	t.openRecord = res.RecordData
	t.state = StateOpen
	t.log.Info("session opened", "level", t.level, "sfi", opening.SFI, "record", opening.Record, "kvc", res.KVC, "ratified", res.Ratified)
	return nil
}

// completeSplit ciphers the PIN of the Verify PIN command following a split Get Challenge.
func (t *Transaction) completeSplit(op string, split *Envelope, rest []*Envelope) error {
	if len(rest) == 0 || rest[0].Command.Kind != command.KindVerifyPin || rest[0].Command.IsComplete() {
		return newError(KindProtocolInconsistency, op, "%s is not followed by the command it prepares", split.Command.Name)
	}
	if err := t.requireSAM(op); err != nil {
		return err
	}
	res, _ := split.Result.(*command.ChallengeResult)
	if res == nil || !res.IsSuccess() || len(res.Challenge()) != 8 {
		return newError(KindProtocolInconsistency, op, "no PO challenge for the PIN ciphering")
	}

	verify := rest[0].Command
	ciphered, err := t.sam.cipherPin(res.Challenge(), verify.PendingPIN())
	if err != nil {
		return err
	}
	if err := verify.Complete(ciphered); err != nil {
		return wrapError(KindSecurityExchange, op, err)
	}
	return nil
}

// closeSession sends tail with Close Secure Session, the responses of tail being anticipated
// in the digest, then authenticates the PO.
func (t *Transaction) closeSession(op string, tail []*Envelope, mode calypso.TransmissionMode, cc reader.ChannelControl) (bool, error) {
	t.successful = false
	predicted, err := t.anticipator.predict(tail)
	if err != nil {
		return false, err
	}
	for i, e := range tail {
		if !e.Command.IsComplete() {
			return false, newError(KindIllegalState, op, "%s is not complete", e.Command.Name)
		}
		if err := t.sam.pushExchange(e.Command.APDU, predicted[i]); err != nil {
			return false, err
		}
	}

	signature, err := t.sam.terminalSignature()
	if err != nil {
		return false, err
	}

	ratificationAsked := mode == calypso.Contacts
	closeCmd, err := command.CloseSession(t.po, ratificationAsked, signature)
	if err != nil {
		return false, wrapError(KindDigestComputation, op, err)
	}
	apdus := make([]*iso7816.CommandAPDU, 0, len(tail)+2)
	for _, e := range tail {
		apdus = append(apdus, e.Command.APDU)
	}
	apdus = append(apdus, closeCmd.APDU)
	if !ratificationAsked {
		apdus = append(apdus, command.Ratification(t.po).APDU)
	}

	t.log.Debug("po batch", "op", op, "commands", len(apdus), "control", cc)
	resp, err := t.poReader.Transmit(reader.NewRequest(apdus...), cc)
	t.state = StateClosed

	var responses []*iso7816.ResponseAPDU
	switch {
	case err != nil:
		var te *reader.TransmitError
		tolerated := !ratificationAsked && errors.As(err, &te) && te.Partial != nil && len(te.Partial.Responses) == len(apdus)-1
		if !tolerated {
			return false, transportError(op, err)
		}
		t.log.Warn("ratification command failed", "err", err)
		responses = te.Partial.Responses
	case len(resp.Responses) != len(apdus):
		return false, &Error{Kind: KindProtocolInconsistency, Op: op, Msg: "response count does not match the request", Partial: resp}
	default:
		responses = resp.Responses
	}

	for i, e := range tail {
		e.setResponse(responses[i])
	}
	res, err := command.ParseCloseSession(t.po, responses[len(tail)])
	if err != nil {
		return false, &Error{Kind: KindSecurityExchange, Op: op, Err: err, Partial: &reader.Response{Responses: responses}}
	}

	authentic, err := t.sam.authenticate(res.Signature)
	if err != nil {
		return false, err
	}
	if authentic && t.manager.svOperationPending() {
		checked, err := t.sam.svCheckStatus(res.PostponedData)
		t.manager.svChecked()
		if err != nil {
			return false, err
		}
		authentic = checked
	}
	t.successful = authentic
	t.log.Info("session closed", "authenticated", authentic, "mode", mode)
	return authentic, nil
}
