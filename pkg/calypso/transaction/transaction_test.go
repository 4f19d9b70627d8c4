package transaction

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/gregLibert/calypso-terminal/pkg/reader"
	"github.com/gregLibert/calypso-terminal/pkg/reader/readertest"
	"github.com/gregLibert/calypso-terminal/pkg/tlv"
	"github.com/pkg/errors"
)

var testSAM = &calypso.SAM{Revision: calypso.SAMC1, SerialNumber: tlv.Hex("AABBCCDD")}

const (
	samChallenge = "0102030405060708 9000"
	openResponse = "1122334455667788 00 30 79 02 AABB 9000"
	openSeed     = "1122334455667788 00 30 79 02 AABB"
	poSignature  = "B1B2B3B4B5B6B7B8"
	samSignature = "C1C2C3C4C5C6C7C8"
)

func compact(parts ...string) string {
	return strings.ReplaceAll(strings.Join(parts, ""), " ", "")
}

type fixture struct {
	tx  *Transaction
	po  *readertest.Reader
	sam *readertest.Reader
}

func newFixture(mode calypso.TransmissionMode) *fixture {
	po := &calypso.PO{
		SerialNumber:     tlv.Hex("0000000011223344"),
		Revision:         calypso.Rev3_2,
		ModificationsMax: 3,
		PIN:              true,
		StoredValue:      true,
		TransmissionMode: mode,
	}
	f := &fixture{po: readertest.New(), sam: readertest.New()}
	f.tx = New(po, f.po,
		WithSAM(f.sam, testSAM),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return f
}

// open runs a debit opening of SFI 1 record 1 with no prepared command.
func (f *fixture) open(t *testing.T) {
	t.Helper()
	f.sam.Push("9000", samChallenge)
	f.po.Push(openResponse)
	ok, err := f.tx.ProcessOpening(Atomic, calypso.LevelDebit, 0x01, 1)
	if err != nil || !ok {
		t.Fatalf("ProcessOpening() = %v, %v", ok, err)
	}
}

func batchCommands(batches []readertest.Batch) [][]string {
	var out [][]string
	for _, b := range batches {
		out = append(out, b.Commands)
	}
	return out
}

func TestProcessOpening(t *testing.T) {
	f := newFixture(calypso.Contacts)
	f.open(t)

	wantSAM := [][]string{{
		compact("8014000008 0000000011223344"),
		"8084000008",
	}}
	if diff := cmp.Diff(wantSAM, batchCommands(f.sam.Batches())); diff != "" {
		t.Errorf("SAM batches mismatch (-want +got):\n%s", diff)
	}
	wantPO := [][]string{{compact("008A0B0A08 0102030405060708 00")}}
	if diff := cmp.Diff(wantPO, batchCommands(f.po.Batches())); diff != "" {
		t.Errorf("PO batches mismatch (-want +got):\n%s", diff)
	}

	if f.tx.State() != StateOpen {
		t.Errorf("State() = %s, want OPEN", f.tx.State())
	}
	if got := len(f.tx.sam.cache); got != 1 {
		t.Errorf("digest cache holds %d entries, want 1", got)
	}
	if diff := cmp.Diff(tlv.Hex(openSeed), f.tx.sam.cache[0]); diff != "" {
		t.Errorf("digest seed mismatch (-want +got):\n%s", diff)
	}
	ratified, err := f.tx.WasRatified()
	if err != nil || !ratified {
		t.Errorf("WasRatified() = %v, %v", ratified, err)
	}
	record, _ := f.tx.OpenRecordData()
	if diff := cmp.Diff(tlv.Hex("AABB"), record); diff != "" {
		t.Errorf("OpenRecordData() mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessOpening_UnauthorizedKVC(t *testing.T) {
	f := newFixture(calypso.Contacts)
	f.tx.settings.AuthorizedKVCs = []byte{0x7A}
	f.sam.Push("9000", samChallenge)
	f.po.Push(openResponse)

	_, err := f.tx.ProcessOpening(Atomic, calypso.LevelDebit, 0x01, 1)
	if !errors.Is(err, ErrSecurityPolicy) {
		t.Fatalf("ProcessOpening() error = %v, want a security policy error", err)
	}
	if f.tx.State() == StateOpen {
		t.Error("session must not be open")
	}
}

func TestProcessOpening_AtomicOverflow(t *testing.T) {
	f := newFixture(calypso.Contacts)
	for i := 1; i <= 4; i++ {
		if _, err := f.tx.PrepareUpdateRecord(0x08, byte(i), tlv.Hex("0102")); err != nil {
			t.Fatal(err)
		}
	}

	_, err := f.tx.ProcessOpening(Atomic, calypso.LevelDebit, 0x01, 1)
	if !errors.Is(err, ErrIllegalState) {
		t.Fatalf("ProcessOpening() error = %v, want an illegal state error", err)
	}
	if n := len(f.po.Batches()); n != 0 {
		t.Errorf("%d PO batch(es) sent, want none", n)
	}
	if n := len(f.sam.Batches()); n != 0 {
		t.Errorf("%d SAM batch(es) sent, want none", n)
	}
}

func TestProcessOpening_MultipleOverflow(t *testing.T) {
	f := newFixture(calypso.Contacts)
	for i := 1; i <= 4; i++ {
		if _, err := f.tx.PrepareUpdateRecord(0x08, 1, tlv.Hex("0102")); err != nil {
			t.Fatal(err)
		}
	}

	// First session: opening and three updates, then closed with ratification asked.
	f.sam.Push("9000", samChallenge)
	f.po.Push(openResponse, "9000", "9000", "9000")
	f.sam.Push("9000", "9000", "9000", "9000", "9000", "9000", "9000", samSignature+"9000")
	f.po.Push(poSignature + "9000")
	f.sam.Push("9000")
	// Second session: opening without record and the deferred update.
	f.sam.Push(samChallenge)
	f.po.Push("1122334455667788 00 30 79 00 9000", "9000")

	ok, err := f.tx.ProcessOpening(Multiple, calypso.LevelDebit, 0x01, 1)
	if err != nil || !ok {
		t.Fatalf("ProcessOpening() = %v, %v", ok, err)
	}

	update := "00DC0144020102"
	wantPO := [][]string{
		{compact("008A0B0A08 0102030405060708 00"), update, update, update},
		{compact("008E000008", samSignature, "00")},
		{compact("008A030208 0102030405060708 00"), update},
	}
	if diff := cmp.Diff(wantPO, batchCommands(f.po.Batches())); diff != "" {
		t.Errorf("PO batches mismatch (-want +got):\n%s", diff)
	}
	if n := len(f.sam.Batches()); n != 4 {
		t.Errorf("%d SAM batches, want 4", n)
	}
	if f.tx.State() != StateOpen {
		t.Errorf("State() = %s, want OPEN", f.tx.State())
	}
	// Seed of the second session plus the deferred update exchange.
	if got := len(f.tx.sam.cache); got != 3 {
		t.Errorf("digest cache holds %d entries, want 3", got)
	}
	if f.tx.budget.remaining != 2 {
		t.Errorf("budget remaining = %d, want 2", f.tx.budget.remaining)
	}
	record, _ := f.tx.OpenRecordData()
	if diff := cmp.Diff(tlv.Hex("AABB"), record); diff != "" {
		t.Errorf("OpenRecordData() mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessOpening_WithoutSAM(t *testing.T) {
	po := &calypso.PO{SerialNumber: tlv.Hex("0000000011223344"), Revision: calypso.Rev3_2}
	tx := New(po, readertest.New(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := tx.ProcessOpening(Atomic, calypso.LevelDebit, 0x01, 1)
	if !errors.Is(err, ErrIllegalState) {
		t.Fatalf("ProcessOpening() error = %v, want an illegal state error", err)
	}
}

func TestSession_AnticipatedCounter(t *testing.T) {
	f := newFixture(calypso.Contacts)
	f.open(t)

	read, err := f.tx.PrepareReadRecords(0x10, 1)
	if err != nil {
		t.Fatal(err)
	}
	f.po.Push("0001F4000000 9000")
	if ok, err := f.tx.ProcessPoCommandsInSession(); err != nil || !ok {
		t.Fatalf("ProcessPoCommandsInSession() = %v, %v", ok, err)
	}
	if got := len(f.tx.sam.cache); got != 3 {
		t.Errorf("digest cache holds %d entries, want 3", got)
	}
	res, _ := f.tx.Result(read)
	if diff := cmp.Diff(tlv.Hex("0001F4000000"), res.(*command.RecordsResult).Data()); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	inc, err := f.tx.PrepareIncrease(0x10, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	f.sam.Push("9000", "9000", "9000", "9000", "9000", samSignature+"9000")
	f.po.Push("000258 9000", poSignature+"9000")
	f.sam.Push("9000")

	ok, err := f.tx.ProcessClosing(reader.CloseAfter)
	if err != nil || !ok {
		t.Fatalf("ProcessClosing() = %v, %v", ok, err)
	}

	samBatches := batchCommands(f.sam.Batches())
	wantDigest := []string{
		compact("808A02FF10 3079", openSeed),
		compact("808C000005 00B2018400"),
		compact("808C000008 0001F4000000 9000"),
		compact("808C000008 0032018003000064"),
		compact("808C000005 000258 9000"),
		"808E000008",
	}
	if diff := cmp.Diff(wantDigest, samBatches[1]); diff != "" {
		t.Errorf("digest batch mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{compact("8082000008", poSignature)}, samBatches[2]); diff != "" {
		t.Errorf("authenticate batch mismatch (-want +got):\n%s", diff)
	}
	wantClose := []string{"003201800300006400", compact("008E000008", samSignature, "00")}
	if diff := cmp.Diff(wantClose, f.po.Last().Commands); diff != "" {
		t.Errorf("closing batch mismatch (-want +got):\n%s", diff)
	}
	if f.po.Last().Control != reader.CloseAfter {
		t.Errorf("closing batch control = %s, want close-after", f.po.Last().Control)
	}

	res, err = f.tx.Result(inc)
	if err != nil {
		t.Fatal(err)
	}
	if got := res.(*command.CounterResult).Value; got != 600 {
		t.Errorf("counter value = %d, want 600", got)
	}
	if f.tx.State() != StateClosed || !f.tx.IsSuccessful() {
		t.Errorf("State() = %s, IsSuccessful() = %v", f.tx.State(), f.tx.IsSuccessful())
	}
}

func TestProcessClosing_ContactlessRatificationFailure(t *testing.T) {
	f := newFixture(calypso.Contactless)
	f.open(t)

	f.po.FailWhen = func(cmd *iso7816.CommandAPDU) bool {
		return cmd.Instruction.Raw == iso7816.INS_READ_RECORD && cmd.P1 == 0 && cmd.P2 == 0
	}
	f.sam.Push("9000", samSignature+"9000")
	f.po.Push(poSignature + "9000")
	f.sam.Push("9000")

	ok, err := f.tx.ProcessClosing(reader.CloseAfter)
	if err != nil || !ok {
		t.Fatalf("ProcessClosing() = %v, %v", ok, err)
	}
	wantPO := []string{compact("008E800008", samSignature, "00"), "00B2000000"}
	if diff := cmp.Diff(wantPO, f.po.Last().Commands); diff != "" {
		t.Errorf("closing batch mismatch (-want +got):\n%s", diff)
	}
	if f.tx.State() != StateClosed {
		t.Errorf("State() = %s, want CLOSED", f.tx.State())
	}
}

func TestProcessClosing_CloseFailure(t *testing.T) {
	f := newFixture(calypso.Contactless)
	f.open(t)

	f.po.FailWhen = func(cmd *iso7816.CommandAPDU) bool {
		return cmd.Instruction.Raw == iso7816.INS_CALYPSO_CLOSE_SESSION
	}
	f.sam.Push("9000", samSignature+"9000")

	_, err := f.tx.ProcessClosing(reader.CloseAfter)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("ProcessClosing() error = %v, want a transport error", err)
	}
	var txErr *Error
	if !errors.As(err, &txErr) || txErr.Partial == nil {
		t.Fatalf("error %v does not carry the partial response", err)
	}
	if f.tx.State() != StateClosed {
		t.Errorf("State() = %s, want CLOSED", f.tx.State())
	}
}

func TestProcessClosing_RejectedSignature(t *testing.T) {
	f := newFixture(calypso.Contacts)
	f.open(t)

	f.sam.Push("9000", samSignature+"9000")
	f.po.Push(poSignature + "9000")
	f.sam.Push("6988")

	ok, err := f.tx.ProcessClosing(reader.CloseAfter)
	if err != nil {
		t.Fatal(err)
	}
	if ok || f.tx.IsSuccessful() {
		t.Error("closing must fail when the SAM rejects the PO signature")
	}
}

func TestProcessClosing_NotOpen(t *testing.T) {
	f := newFixture(calypso.Contacts)
	if _, err := f.tx.ProcessClosing(reader.CloseAfter); !errors.Is(err, ErrIllegalState) {
		t.Errorf("ProcessClosing() error = %v, want an illegal state error", err)
	}
	if _, err := f.tx.ProcessPoCommandsInSession(); !errors.Is(err, ErrIllegalState) {
		t.Errorf("ProcessPoCommandsInSession() error = %v, want an illegal state error", err)
	}
	if _, err := f.tx.WasRatified(); !errors.Is(err, ErrIllegalState) {
		t.Errorf("WasRatified() error = %v, want an illegal state error", err)
	}
}

func TestProcessPoCommands_CipheredPin(t *testing.T) {
	f := newFixture(calypso.Contacts)
	index, err := f.tx.PrepareVerifyPinCiphered([]byte("1234"))
	if err != nil {
		t.Fatal(err)
	}
	if index != 1 {
		t.Errorf("index = %d, want 1", index)
	}

	f.po.Push("1112131415161718 9000", "9000")
	f.sam.Push("9000", "E1E2E3E4E5E6E7E8 9000")

	ok, err := f.tx.ProcessPoCommands(reader.KeepOpen)
	if err != nil || !ok {
		t.Fatalf("ProcessPoCommands() = %v, %v", ok, err)
	}
	wantPO := [][]string{{"0084000008"}, {compact("0020000008 E1E2E3E4E5E6E7E8")}}
	if diff := cmp.Diff(wantPO, batchCommands(f.po.Batches())); diff != "" {
		t.Errorf("PO batches mismatch (-want +got):\n%s", diff)
	}
	wantSAM := [][]string{{
		compact("8014000008 0000000011223344"),
		compact("801280000E 3079 1112131415161718 31323334 08"),
	}}
	if diff := cmp.Diff(wantSAM, batchCommands(f.sam.Batches())); diff != "" {
		t.Errorf("SAM batches mismatch (-want +got):\n%s", diff)
	}
	res, _ := f.tx.Result(index)
	if got := res.(*command.VerifyPinResult).AttemptsRemaining(); got != 3 {
		t.Errorf("AttemptsRemaining() = %d, want 3", got)
	}
}

func TestProcessCancel(t *testing.T) {
	tests := []struct {
		name     string
		fail     bool
		response string
		want     bool
	}{
		{"accepted", false, "9000", true},
		{"refused", false, "6985", false},
		{"transport failure", true, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(calypso.Contacts)
			f.open(t)
			if tt.fail {
				f.po.FailWhen = func(*iso7816.CommandAPDU) bool { return true }
			} else {
				f.po.Push(tt.response)
			}

			if got := f.tx.ProcessCancel(reader.CloseAfter); got != tt.want {
				t.Errorf("ProcessCancel() = %v, want %v", got, tt.want)
			}
			if diff := cmp.Diff([]string{"008E0000"}, f.po.Last().Commands); diff != "" {
				t.Errorf("abort mismatch (-want +got):\n%s", diff)
			}
			if f.tx.State() != StateClosed {
				t.Errorf("State() = %s, want CLOSED", f.tx.State())
			}
		})
	}
}

func TestResult(t *testing.T) {
	f := newFixture(calypso.Contacts)
	index, err := f.tx.PrepareReadRecords(0x07, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res, err := f.tx.Result(index); err != nil || res != nil {
		t.Errorf("Result() before processing = %v, %v", res, err)
	}
	if _, err := f.tx.Result(3); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("Result(3) error = %v, want an invalid index error", err)
	}
	if _, err := f.tx.PrepareReadRecords(0x20, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("PrepareReadRecords(0x20) error = %v, want an invalid argument error", err)
	}
}

// svGetDebit processes an SV Get announcing a debit on a purse holding 100.
func (f *fixture) svGetDebit(t *testing.T) {
	t.Helper()
	if _, err := f.tx.PrepareSvGet(calypso.SvDebit, calypso.SvDo); err != nil {
		t.Fatal(err)
	}
	f.po.Push("79 0001 1234 000064 9000")
	if ok, err := f.tx.ProcessPoCommands(reader.KeepOpen); err != nil || !ok {
		t.Fatalf("ProcessPoCommands(SV Get) = %v, %v", ok, err)
	}
	svGet, err := f.tx.SvGetResult()
	if err != nil || svGet.Balance != 100 {
		t.Fatalf("SvGetResult() = %+v, %v", svGet, err)
	}
}

func TestProcessPoCommands_SvDebit(t *testing.T) {
	tests := []struct {
		name    string
		check   string
		wantErr bool
	}{
		{"signature accepted", "9000", false},
		{"signature rejected", "6988", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(calypso.Contacts)
			f.svGetDebit(t)

			f.sam.Push("9000", "0001 E1E2E3E4E5 9000")
			index, err := f.tx.PrepareSvDebit(30, tlv.Hex("0102"), tlv.Hex("0304"))
			if err != nil {
				t.Fatalf("PrepareSvDebit: %v", err)
			}
			f.po.Push("F1F2F3 9000")
			f.sam.Push(tt.check)

			ok, err := f.tx.ProcessPoCommands(reader.CloseAfter)
			if tt.wantErr {
				if !errors.Is(err, ErrSvSecurity) {
					t.Fatalf("ProcessPoCommands() error = %v, want an SV security error", err)
				}
			} else if err != nil || !ok {
				t.Fatalf("ProcessPoCommands() = %v, %v", ok, err)
			}

			wantSAM := [][]string{
				{
					compact("8014000008 0000000011223344"),
					compact("805401FF13 007C0009 79000112340000 64 00001E 0102 0304 00"),
				},
				{compact("8058000003 F1F2F3")},
			}
			if diff := cmp.Diff(wantSAM, batchCommands(f.sam.Batches())); diff != "" {
				t.Errorf("SAM batches mismatch (-want +got):\n%s", diff)
			}
			wantDebit := []string{compact("00BA000012 00001E 0102 0304 AABBCCDD 0001E1E2E3E4E5 00")}
			if diff := cmp.Diff(wantDebit, f.po.Last().Commands); diff != "" {
				t.Errorf("SV Debit mismatch (-want +got):\n%s", diff)
			}
			res, _ := f.tx.Result(index)
			if diff := cmp.Diff(tlv.Hex("F1F2F3"), res.(*command.SvOperationResult).Signature()); diff != "" {
				t.Errorf("Signature() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPrepareSvDebit_Policy(t *testing.T) {
	t.Run("SV Get first", func(t *testing.T) {
		f := newFixture(calypso.Contacts)
		if _, err := f.tx.PrepareSvDebit(30, tlv.Hex("0102"), tlv.Hex("0304")); !errors.Is(err, ErrIllegalState) {
			t.Errorf("PrepareSvDebit() error = %v, want an illegal state error", err)
		}
	})

	t.Run("negative balance forbidden", func(t *testing.T) {
		f := newFixture(calypso.Contacts)
		f.svGetDebit(t)
		if _, err := f.tx.PrepareSvDebit(101, tlv.Hex("0102"), tlv.Hex("0304")); !errors.Is(err, ErrSvSecurity) {
			t.Errorf("PrepareSvDebit() error = %v, want an SV security error", err)
		}
		if n := len(f.sam.Batches()); n != 0 {
			t.Errorf("SAM received %d batch(es), want none", n)
		}
	})

	t.Run("reload announced", func(t *testing.T) {
		f := newFixture(calypso.Contacts)
		f.svGetDebit(t)
		_, err := f.tx.PrepareSvReload(10, tlv.Hex("0102"), tlv.Hex("0304"), tlv.Hex("0000"))
		if !errors.Is(err, ErrIllegalState) {
			t.Errorf("PrepareSvReload() error = %v, want an illegal state error", err)
		}
	})
}

const (
	updateRecord  = "00DC0144020102"
	reopenCommand = "008A030208 0102030405060708 00"
	reopenAnswer  = "1122334455667788 00 30 79 00 9000"
)

// openMultiple opens a Multiple mode session with no prepared command.
func (f *fixture) openMultiple(t *testing.T) {
	t.Helper()
	f.sam.Push("9000", samChallenge)
	f.po.Push(openResponse)
	if ok, err := f.tx.ProcessOpening(Multiple, calypso.LevelDebit, 0x01, 1); err != nil || !ok {
		t.Fatalf("ProcessOpening() = %v, %v", ok, err)
	}
}

func (f *fixture) prepareUpdates(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := f.tx.PrepareUpdateRecord(0x08, 1, tlv.Hex("0102")); err != nil {
			t.Fatal(err)
		}
	}
}

// pushClose scripts a session closing whose digest holds n Digest Update commands.
func (f *fixture) pushClose(n int, poAnswers ...string) {
	for i := 0; i < n+1; i++ {
		f.sam.Push("9000")
	}
	f.sam.Push(samSignature + "9000")
	f.po.Push(poAnswers...)
	f.po.Push(poSignature + "9000")
	f.sam.Push("9000")
}

func (f *fixture) pushReopen() {
	f.sam.Push(samChallenge)
	f.po.Push(reopenAnswer)
}

func TestProcessPoCommandsInSession_MultipleOverflow(t *testing.T) {
	f := newFixture(calypso.Contacts)
	f.openMultiple(t)
	f.prepareUpdates(t, 4)

	f.po.Push("9000", "9000", "9000")
	f.pushClose(6)
	f.pushReopen()
	f.po.Push("9000")

	ok, err := f.tx.ProcessPoCommandsInSession()
	if err != nil || !ok {
		t.Fatalf("ProcessPoCommandsInSession() = %v, %v", ok, err)
	}

	wantPO := [][]string{
		{compact("008A0B0A08 0102030405060708 00")},
		{updateRecord, updateRecord, updateRecord},
		{compact("008E000008", samSignature, "00")},
		{compact(reopenCommand)},
		{updateRecord},
	}
	if diff := cmp.Diff(wantPO, batchCommands(f.po.Batches())); diff != "" {
		t.Errorf("PO batches mismatch (-want +got):\n%s", diff)
	}
	wantSAM := []int{2, 8, 1, 1}
	var gotSAM []int
	for _, b := range f.sam.Batches() {
		gotSAM = append(gotSAM, len(b.Commands))
	}
	if diff := cmp.Diff(wantSAM, gotSAM); diff != "" {
		t.Errorf("SAM batch sizes mismatch (-want +got):\n%s", diff)
	}
	if f.tx.State() != StateOpen {
		t.Errorf("State() = %s, want OPEN", f.tx.State())
	}
	if f.tx.budget.remaining != 2 {
		t.Errorf("budget remaining = %d, want 2", f.tx.budget.remaining)
	}
	if got := len(f.tx.sam.cache); got != 3 {
		t.Errorf("digest cache holds %d entries, want 3", got)
	}
}

func TestProcessClosing_MultipleOverflow(t *testing.T) {
	f := newFixture(calypso.Contacts)
	f.openMultiple(t)
	f.prepareUpdates(t, 4)

	// The three updates fitting the buffer travel with the first Close Secure Session.
	f.pushClose(6, "9000", "9000", "9000")
	f.pushReopen()
	f.pushClose(2, "9000")

	ok, err := f.tx.ProcessClosing(reader.CloseAfter)
	if err != nil || !ok {
		t.Fatalf("ProcessClosing() = %v, %v", ok, err)
	}

	closing := compact("008E000008", samSignature, "00")
	wantPO := [][]string{
		{compact("008A0B0A08 0102030405060708 00")},
		{updateRecord, updateRecord, updateRecord, closing},
		{compact(reopenCommand)},
		{updateRecord, closing},
	}
	if diff := cmp.Diff(wantPO, batchCommands(f.po.Batches())); diff != "" {
		t.Errorf("PO batches mismatch (-want +got):\n%s", diff)
	}
	if f.po.Last().Control != reader.CloseAfter {
		t.Errorf("last batch control = %s, want close-after", f.po.Last().Control)
	}
	if f.tx.budget.remaining != 2 {
		t.Errorf("budget remaining = %d, want 2", f.tx.budget.remaining)
	}
	if f.tx.State() != StateClosed || !f.tx.IsSuccessful() {
		t.Errorf("State() = %s, IsSuccessful() = %v", f.tx.State(), f.tx.IsSuccessful())
	}
}

func TestProcessClosing_OverflowAfterFullBuffer(t *testing.T) {
	f := newFixture(calypso.Contacts)
	f.openMultiple(t)
	f.prepareUpdates(t, 3)
	f.po.Push("9000", "9000", "9000")
	if ok, err := f.tx.ProcessPoCommandsInSession(); err != nil || !ok {
		t.Fatalf("ProcessPoCommandsInSession() = %v, %v", ok, err)
	}
	if f.tx.budget.remaining != 0 {
		t.Fatalf("budget remaining = %d, want 0", f.tx.budget.remaining)
	}

	if _, err := f.tx.PrepareReadRecords(0x10, 1); err != nil {
		t.Fatal(err)
	}
	f.prepareUpdates(t, 1)

	// The read goes alone, then the full session is closed without any command attached.
	f.po.Push("0001F4000000 9000")
	f.pushClose(8)
	f.pushReopen()
	f.pushClose(2, "9000")

	ok, err := f.tx.ProcessClosing(reader.CloseAfter)
	if err != nil || !ok {
		t.Fatalf("ProcessClosing() = %v, %v", ok, err)
	}

	closing := compact("008E000008", samSignature, "00")
	wantPO := [][]string{
		{"00B2018400"},
		{closing},
		{compact(reopenCommand)},
		{updateRecord, closing},
	}
	if diff := cmp.Diff(wantPO, batchCommands(f.po.Batches()[2:])); diff != "" {
		t.Errorf("PO batches mismatch (-want +got):\n%s", diff)
	}
	if f.tx.budget.remaining != 2 {
		t.Errorf("budget remaining = %d, want 2", f.tx.budget.remaining)
	}
	if !f.tx.IsSuccessful() {
		t.Error("IsSuccessful() = false, want true")
	}
}

func TestProcessClosing_ChainFailure(t *testing.T) {
	f := newFixture(calypso.Contacts)
	f.openMultiple(t)
	f.prepareUpdates(t, 4)

	f.pushClose(6, "9000", "9000", "9000")
	f.sam.FailWhen = func(cmd *iso7816.CommandAPDU) bool {
		return cmd.Instruction.Raw == iso7816.INS_GET_CHALLENGE
	}

	if _, err := f.tx.ProcessClosing(reader.CloseAfter); !errors.Is(err, ErrTransport) {
		t.Fatalf("ProcessClosing() error = %v, want a transport error", err)
	}
	if f.tx.IsSuccessful() {
		t.Error("IsSuccessful() = true after a failed session chain")
	}
}

func TestProcessOpening_RetryAfterDiversifierFailure(t *testing.T) {
	f := newFixture(calypso.Contacts)
	f.sam.FailWhen = func(cmd *iso7816.CommandAPDU) bool {
		return cmd.Instruction.Raw == 0x14
	}
	if _, err := f.tx.ProcessOpening(Atomic, calypso.LevelDebit, 0x01, 1); !errors.Is(err, ErrTransport) {
		t.Fatalf("ProcessOpening() error = %v, want a transport error", err)
	}

	f.sam.FailWhen = nil
	f.open(t)

	retry := f.sam.Last().Commands
	if diff := cmp.Diff([]string{compact("8014000008 0000000011223344"), "8084000008"}, retry); diff != "" {
		t.Errorf("retried SAM batch mismatch (-want +got):\n%s", diff)
	}
}
