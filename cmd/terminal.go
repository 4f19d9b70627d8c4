package cmd

import (
	"encoding/hex"
	"log/slog"

	"github.com/ebfe/scard"
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/sim"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/gregLibert/calypso-terminal/pkg/reader"
	"github.com/gregLibert/calypso-terminal/pkg/reader/pcsc"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// terminal is a selected PO and its SAM, ready for a transaction.
type terminal struct {
	po        *calypso.PO
	poReader  reader.Reader
	sam       *calypso.SAM
	samReader reader.Reader
	release   func()
}

func (t *terminal) Close() {
	if t.release != nil {
		t.release()
	}
}

func transmissionMode() calypso.TransmissionMode {
	if viper.GetBool("contactless") {
		return calypso.Contactless
	}
	return calypso.Contacts
}

func openTerminal() (*terminal, error) {
	aid, err := hex.DecodeString(viper.GetString("aid"))
	if err != nil {
		return nil, errors.Wrap(err, "aid")
	}
	if viper.GetBool("simulate") {
		return openSimulator(aid)
	}
	return openPCSC(aid)
}

func openSimulator(aid []byte) (*terminal, error) {
	log := slog.Default().With("device", "sim")
	return simTerminal(sim.NewCard(sim.WithLogger(log)), sim.NewSAM(sim.WithLogger(log)), aid)
}

func simTerminal(card *sim.Card, samSim *sim.SAM, aid []byte) (*terminal, error) {
	cls, _ := iso7816.NewClass(0x00)
	resp, err := card.Transmit(reader.NewRequest(iso7816.SelectByAID(cls, aid)), reader.KeepOpen)
	if err != nil {
		return nil, errors.Wrap(err, "selecting the simulated PO")
	}
	po, err := calypso.NewPO(resp.Responses[0].Data, transmissionMode())
	if err != nil {
		return nil, err
	}
	sam, err := calypso.ParseSAMATR(samSim.ATR)
	if err != nil {
		return nil, err
	}
	return &terminal{po: po, poReader: card, sam: sam, samReader: samSim}, nil
}

func openPCSC(aid []byte) (*terminal, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "establishing the PC/SC context")
	}
	t := &terminal{}
	var readers []*pcsc.Reader
	t.release = func() {
		for _, r := range readers {
			if err := r.Close(); err != nil {
				slog.Warn("closing reader", "reader", r.Name(), "error", err)
			}
		}
		if err := ctx.Release(); err != nil {
			slog.Warn("releasing the PC/SC context", "error", err)
		}
	}

	poName, samName, err := readerNames(ctx)
	if err != nil {
		t.Close()
		return nil, err
	}

	poReader, err := pcsc.Connect(ctx, poName, pcsc.WithAID(aid), pcsc.WithLogger(slog.Default()))
	if err != nil {
		t.Close()
		return nil, err
	}
	readers = append(readers, poReader)
	samReader, err := pcsc.Connect(ctx, samName, pcsc.WithoutSelection(), pcsc.WithLogger(slog.Default()))
	if err != nil {
		t.Close()
		return nil, err
	}
	readers = append(readers, samReader)

	resp, err := poReader.Select(aid)
	if err != nil {
		t.Close()
		return nil, err
	}
	if t.po, err = calypso.NewPO(resp.Data, transmissionMode()); err != nil {
		t.Close()
		return nil, err
	}
	atr, err := samReader.ATR()
	if err != nil {
		t.Close()
		return nil, err
	}
	if t.sam, err = calypso.ParseSAMATR(atr); err != nil {
		t.Close()
		return nil, err
	}
	t.poReader, t.samReader = poReader, samReader
	slog.Debug("terminal ready", "po", poName, "sam", samName)
	return t, nil
}

// readerNames resolves the PO and SAM readers: the configured names, otherwise the first two
// readers of the context.
func readerNames(ctx *scard.Context) (string, string, error) {
	names, err := pcsc.ListReaders(ctx)
	if err != nil {
		return "", "", err
	}
	poName, samName := viper.GetString("po-reader"), viper.GetString("sam-reader")
	if poName == "" {
		poName = names[0]
	}
	if samName == "" {
		for _, n := range names {
			if n != poName {
				samName = n
				break
			}
		}
	}
	if samName == "" {
		return "", "", errors.New("no reader left for the SAM, use --sam-reader")
	}
	return poName, samName, nil
}
