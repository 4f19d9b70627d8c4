package transaction

import (
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/samcommand"
)

// PrepareSvGet reads the SV status ahead of a reload or a debit. It must be processed before
// the operation itself is prepared.
func (t *Transaction) PrepareSvGet(operation calypso.SvOperation, action calypso.SvAction) (int, error) {
	c, err := command.SvGet(t.po, operation)
	if err != nil {
		return -1, wrapError(KindInvalidArgument, "prepare sv get", err)
	}
	return t.manager.addStoredValue(c, operation, action), nil
}

// SvGetResult returns the answer to the last SV Get.
func (t *Transaction) SvGetResult() (*command.SvGetResult, error) {
	e := t.manager.svGet
	if e == nil || e.Result == nil {
		return nil, newError(KindIllegalState, "sv get result", "no SV Get has been processed")
	}
	res, _ := e.Result.(*command.SvGetResult)
	return res, nil
}

// PrepareSvReload credits amount. With the Undo action announced by SV Get the reload is
// cancelled instead.
func (t *Transaction) PrepareSvReload(amount int, date, time, free []byte) (int, error) {
	const op = "prepare sv reload"
	svGet, err := t.svContext(op, calypso.SvReload)
	if err != nil {
		return -1, err
	}
	if t.manager.svAction == calypso.SvUndo {
		amount = -amount
	}
	c, err := command.SvReload(t.po, amount, date, time, free)
	if err != nil {
		return -1, wrapError(KindInvalidArgument, op, err)
	}
	return t.prepareSv(op, c, svGet)
}

// PrepareSvDebit debits amount, or cancels a debit of amount with the Undo action.
func (t *Transaction) PrepareSvDebit(amount int, date, time []byte) (int, error) {
	const op = "prepare sv debit"
	svGet, err := t.svContext(op, calypso.SvDebit)
	if err != nil {
		return -1, err
	}

	var c *command.Command
	if t.manager.svAction == calypso.SvUndo {
		c, err = command.SvUndebit(t.po, amount, date, time)
	} else {
		if t.settings.SvNegativeBalance == SvNegativeBalanceForbidden && svGet.Balance-amount < 0 {
			return -1, newError(KindSvSecurity, op, "balance %d does not cover %d", svGet.Balance, amount)
		}
		c, err = command.SvDebit(t.po, amount, date, time)
	}
	if err != nil {
		return -1, wrapError(KindInvalidArgument, op, err)
	}
	return t.prepareSv(op, c, svGet)
}

func (t *Transaction) svContext(op string, want calypso.SvOperation) (*command.SvGetResult, error) {
	if err := t.requireSAM(op); err != nil {
		return nil, err
	}
	e := t.manager.svGet
	if e == nil || e.Result == nil {
		return nil, newError(KindIllegalState, op, "SV Get must be processed first")
	}
	if t.manager.svOperation != want {
		return nil, newError(KindIllegalState, op, "SV Get was prepared for a %s", t.manager.svOperation)
	}
	res, _ := e.Result.(*command.SvGetResult)
	if res == nil || !res.IsSuccess() {
		return nil, newError(KindIllegalState, op, "SV Get failed")
	}
	return res, nil
}

// prepareSv completes the operation with the SAM data and queues it.
func (t *Transaction) prepareSv(op string, c *command.Command, svGet *command.SvGetResult) (int, error) {
	prepare, err := samcommand.SvPrepare(t.sam.sam, svGet, c)
	if err != nil {
		return -1, wrapError(KindSvSecurity, op, err)
	}
	data, err := t.sam.svComplementaryData(prepare)
	if err != nil {
		return -1, err
	}
	if err := c.Complete(data); err != nil {
		return -1, wrapError(KindSvSecurity, op, err)
	}
	t.log.Debug("sv operation prepared", "command", c.Name, "amount", c.Amount())
	return t.manager.addStoredValue(c, t.manager.svOperation, t.manager.svAction), nil
}
