package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/transaction"
	"github.com/gregLibert/calypso-terminal/pkg/reader"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run a secure session on the PO",
	Long: `Open a secure session, read and modify records, then close the session.

Fields are hexadecimal:
  --read 07:01               read record 1 of SFI 07
  --increase 19:01:000005    add 5 to counter 1 of SFI 19
  --update 07:01:2400...     update record 1 of SFI 07
  --append 08:0102...        append a record to the cyclic file SFI 08`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		plan, err := loadSessionPlan()
		if err != nil {
			return err
		}
		t, err := openTerminal()
		if err != nil {
			return err
		}
		defer t.Close()
		return runSession(cmd.OutOrStdout(), t, plan)
	},
}

func init() {
	flags := sessionCmd.Flags()
	flags.String("level", "debit", "session access level (perso, load, debit)")
	flags.String("mode", "atomic", "modification mode (atomic, multiple)")
	flags.String("sfi", "07", "SFI of the record read by the opening, in hex")
	flags.String("record", "01", "record read by the opening, 00 for none, in hex")
	flags.StringSlice("read", nil, "SFI:RECORD to read in the session")
	flags.StringSlice("increase", nil, "SFI:COUNTER:VALUE to increase")
	flags.StringSlice("decrease", nil, "SFI:COUNTER:VALUE to decrease")
	flags.StringSlice("update", nil, "SFI:RECORD:DATA to update")
	flags.StringSlice("append", nil, "SFI:DATA to append")
	flags.String("pin", "", "PIN presented ciphered in the session")
	flags.Bool("cancel", false, "abort the session instead of closing it")
}

type sessionPlan struct {
	level     calypso.AccessLevel
	mode      transaction.ModificationMode
	open      recordRef
	reads     []recordRef
	increases []counterOp
	decreases []counterOp
	updates   []recordData
	appends   []recordData
	pin       string
	cancel    bool
}

func loadSessionPlan() (*sessionPlan, error) {
	p := &sessionPlan{pin: viper.GetString("pin"), cancel: viper.GetBool("cancel")}
	var err error
	if p.level, err = calypso.ParseAccessLevel(viper.GetString("level")); err != nil {
		return nil, err
	}
	if p.mode, err = transaction.ParseModificationMode(viper.GetString("mode")); err != nil {
		return nil, err
	}
	if p.open, err = parseRecordRef(viper.GetString("sfi") + ":" + viper.GetString("record")); err != nil {
		return nil, err
	}
	if p.reads, err = parseAll(viper.GetStringSlice("read"), parseRecordRef); err != nil {
		return nil, err
	}
	if p.increases, err = parseAll(viper.GetStringSlice("increase"), parseCounterOp); err != nil {
		return nil, err
	}
	if p.decreases, err = parseAll(viper.GetStringSlice("decrease"), parseCounterOp); err != nil {
		return nil, err
	}
	if p.updates, err = parseAll(viper.GetStringSlice("update"), parseRecordData); err != nil {
		return nil, err
	}
	if p.appends, err = parseAll(viper.GetStringSlice("append"), parseAppend); err != nil {
		return nil, err
	}
	return p, nil
}

func parseAll[T any](args []string, parse func(string) (T, error)) ([]T, error) {
	out := make([]T, 0, len(args))
	for _, a := range args {
		v, err := parse(a)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type prepared struct {
	label string
	index int
}

func runSession(out io.Writer, t *terminal, p *sessionPlan) error {
	tx := transaction.New(t.po, t.poReader,
		transaction.WithSAM(t.samReader, t.sam),
		transaction.WithLogger(slog.Default()))

	var batch []prepared
	add := func(label string, index int, err error) error {
		if err != nil {
			return err
		}
		batch = append(batch, prepared{label, index})
		return nil
	}

	if p.pin != "" {
		i, err := tx.PrepareVerifyPinCiphered([]byte(p.pin))
		if err := add("verify pin", i, err); err != nil {
			return err
		}
	}
	for _, r := range p.reads {
		i, err := tx.PrepareReadRecords(r.sfi, r.record)
		if err := add(fmt.Sprintf("read %02X:%02X", r.sfi, r.record), i, err); err != nil {
			return err
		}
	}

	if _, err := tx.ProcessOpening(p.mode, p.level, p.open.sfi, p.open.record); err != nil {
		return errors.Wrap(err, "opening")
	}
	ratified, _ := tx.WasRatified()
	record, _ := tx.OpenRecordData()
	fmt.Fprintf(out, "session open (%s, %s), previous session ratified: %t\n", p.level, p.mode, ratified)
	if len(record) > 0 {
		fmt.Fprintf(out, "  record %02X:%02X: %X\n", p.open.sfi, p.open.record, record)
	}
	printResults(out, tx, batch)

	batch = batch[:0]
	for _, c := range p.increases {
		i, err := tx.PrepareIncrease(c.sfi, c.counter, c.value)
		if err := add(fmt.Sprintf("increase %02X:%02X", c.sfi, c.counter), i, err); err != nil {
			return err
		}
	}
	for _, c := range p.decreases {
		i, err := tx.PrepareDecrease(c.sfi, c.counter, c.value)
		if err := add(fmt.Sprintf("decrease %02X:%02X", c.sfi, c.counter), i, err); err != nil {
			return err
		}
	}
	for _, u := range p.updates {
		i, err := tx.PrepareUpdateRecord(u.sfi, u.record, u.data)
		if err := add(fmt.Sprintf("update %02X:%02X", u.sfi, u.record), i, err); err != nil {
			return err
		}
	}
	for _, a := range p.appends {
		i, err := tx.PrepareAppendRecord(a.sfi, a.data)
		if err := add(fmt.Sprintf("append %02X", a.sfi), i, err); err != nil {
			return err
		}
	}

	if p.cancel {
		if len(batch) > 0 {
			if _, err := tx.ProcessPoCommandsInSession(); err != nil {
				return errors.Wrap(err, "sending commands")
			}
			printResults(out, tx, batch)
		}
		fmt.Fprintf(out, "session cancelled: %t\n", tx.ProcessCancel(reader.CloseAfter))
		return nil
	}

	if _, err := tx.ProcessClosing(reader.CloseAfter); err != nil {
		return errors.Wrap(err, "closing")
	}
	printResults(out, tx, batch)
	if !tx.IsSuccessful() {
		return errors.New("session closed but not authenticated")
	}
	fmt.Fprintln(out, "session closed and authenticated")
	return nil
}

func printResults(out io.Writer, tx *transaction.Transaction, batch []prepared) {
	for _, p := range batch {
		r, err := tx.Result(p.index)
		if err != nil || r == nil || r.Response() == nil {
			fmt.Fprintf(out, "  %s: not sent\n", p.label)
			continue
		}
		switch r := r.(type) {
		case *command.RecordsResult:
			fmt.Fprintf(out, "  %s: %X\n", p.label, r.Data())
		case *command.CounterResult:
			fmt.Fprintf(out, "  %s: %d\n", p.label, r.Value)
		case *command.VerifyPinResult:
			fmt.Fprintf(out, "  %s: %s, %d attempt(s) left\n", p.label, r.Response().Status.Verbose(), r.AttemptsRemaining())
		default:
			fmt.Fprintf(out, "  %s: %s\n", p.label, r.Response().Status.Verbose())
		}
	}
}
