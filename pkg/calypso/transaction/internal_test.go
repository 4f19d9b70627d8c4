package transaction

import (
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/command"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/gregLibert/calypso-terminal/pkg/reader/readertest"
	"github.com/gregLibert/calypso-terminal/pkg/tlv"
	"github.com/pkg/errors"
)

var (
	quiet   = slog.New(slog.NewTextHandler(io.Discard, nil))
	testPO  = &calypso.PO{SerialNumber: tlv.Hex("0000000011223344"), Revision: calypso.Rev3_2, ModificationsMax: 3}
	bytePO  = &calypso.PO{Revision: calypso.Rev3_2, ModificationsMax: 20, ModificationsInBytes: true}
	update2 = func() *command.Command {
		c, err := command.UpdateRecord(testPO, 0x08, 1, tlv.Hex("0102"))
		if err != nil {
			panic(err)
		}
		return c
	}
)

func TestCommandManager(t *testing.T) {
	m := newCommandManager()
	if got := m.add(update2()); got != 0 {
		t.Fatalf("add() = %d, want 0", got)
	}
	if got := m.add(update2()); got != 1 {
		t.Fatalf("add() = %d, want 1", got)
	}
	m.publish()

	if _, err := m.envelope(1); err != nil {
		t.Errorf("published results must stay readable: %v", err)
	}
	if got := m.add(update2()); got != 0 {
		t.Errorf("first add after publish = %d, want 0", got)
	}
	if _, err := m.envelope(1); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("envelope(1) error = %v, want an invalid index error", err)
	}
	if _, err := m.envelope(-1); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("envelope(-1) error = %v, want an invalid index error", err)
	}
}

func TestCommandManager_PendingAfterPublish(t *testing.T) {
	m := newCommandManager()
	m.add(update2())
	m.publish()
	if got := len(m.pending()); got != 0 {
		t.Errorf("pending() after publish holds %d commands, want 0", got)
	}
}

func TestBudget(t *testing.T) {
	tests := []struct {
		name      string
		po        *calypso.PO
		overflows []bool
		remaining []int
	}{
		{
			name:      "commands",
			po:        testPO,
			overflows: []bool{false, false, false, true, true},
			remaining: []int{2, 1, 0, 0, 0},
		},
		{
			// 2 data bytes + 6 per update; the buffer must never be full.
			name:      "bytes",
			po:        bytePO,
			overflows: []bool{false, false, true},
			remaining: []int{12, 4, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBudget(tt.po)
			prev := b.remaining
			for i, want := range tt.overflows {
				if got := b.willOverflow(update2()); got != want {
					t.Errorf("call %d: willOverflow() = %v, want %v", i, got, want)
				}
				if b.remaining != tt.remaining[i] {
					t.Errorf("call %d: remaining = %d, want %d", i, b.remaining, tt.remaining[i])
				}
				if b.remaining > prev {
					t.Errorf("call %d: remaining grew from %d to %d", i, prev, b.remaining)
				}
				prev = b.remaining
			}
			b.reset()
			if b.remaining != tt.po.ModificationsMax {
				t.Errorf("after reset remaining = %d, want %d", b.remaining, tt.po.ModificationsMax)
			}
			b.charge(update2())
			if b.remaining != tt.remaining[0] {
				t.Errorf("after charge remaining = %d, want %d", b.remaining, tt.remaining[0])
			}
		})
	}
}

func newTestProcessor() *samProcessor {
	sam := &calypso.SAM{Revision: calypso.SAMC1, SerialNumber: tlv.Hex("AABBCCDD")}
	return newSAMProcessor(readertest.New(), sam, testPO, DefaultSecuritySettings(), quiet)
}

func TestSAMProcessor_InitializeDigest(t *testing.T) {
	p := newTestProcessor()
	if p.initializeDigest(calypso.LevelDebit, false, false, command.KIFUndefined, 0x79, nil) {
		t.Error("initializeDigest() without seed must fail")
	}
	if !p.initializeDigest(calypso.LevelLoad, false, false, command.KIFUndefined, 0x79, tlv.Hex("0102")) {
		t.Fatal("initializeDigest() failed")
	}
	if p.kif != 0x27 || p.keyRecord != 0x02 {
		t.Errorf("kif = %02X, key record = %d, want 27 and 2", p.kif, p.keyRecord)
	}
	if diff := cmp.Diff([][]byte{tlv.Hex("0102")}, p.cache); diff != "" {
		t.Errorf("cache mismatch (-want +got):\n%s", diff)
	}
}

func TestSAMProcessor_PushExchange(t *testing.T) {
	p := newTestProcessor()
	p.initializeDigest(calypso.LevelDebit, false, false, 0x30, 0x79, tlv.Hex("0102"))

	inc, _ := command.Increase(testPO, 0x10, 1, 100)
	read, _ := command.ReadRecords(testPO, 0x10, 1)
	if err := p.pushExchange(inc.APDU, iso7816.NewResponseAPDU(tlv.Hex("000258"), iso7816.SW_NO_ERROR)); err != nil {
		t.Fatal(err)
	}
	if err := p.pushExchange(read.APDU, iso7816.NewResponseAPDU(nil, iso7816.SW_NO_ERROR)); err != nil {
		t.Fatal(err)
	}

	want := [][]byte{
		tlv.Hex("0102"),
		tlv.Hex("0032018003000064"),
		tlv.Hex("0002589000"),
		tlv.Hex("00B2018400"),
		tlv.Hex("9000"),
	}
	if diff := cmp.Diff(want, p.cache); diff != "" {
		t.Errorf("cache mismatch (-want +got):\n%s", diff)
	}

	b := &samBatch{}
	if err := p.pendingRequests(b, true); err != nil {
		t.Fatal(err)
	}
	if len(b.cmds) != 6 {
		t.Errorf("pendingRequests() built %d commands, want 6", len(b.cmds))
	}
	if len(p.cache) != 5 || p.digestInitDone {
		t.Errorf("digest state changed before the SAM answered: %d entries, init done %v", len(p.cache), p.digestInitDone)
	}
	b.commit(okResponses(len(b.cmds)))
	if len(p.cache) != 0 || !p.digestInitDone {
		t.Errorf("after commit: %d entries left, init done %v", len(p.cache), p.digestInitDone)
	}

	// Digest Init is not repeated.
	p.cache = append(p.cache, tlv.Hex("00"), tlv.Hex("9000"))
	b = &samBatch{}
	if err := p.pendingRequests(b, false); err != nil {
		t.Fatal(err)
	}
	if len(b.cmds) != 2 || b.cmds[0].Instruction.Raw != 0x8C {
		t.Errorf("pendingRequests() = %v, want two Digest Update", b.cmds)
	}
}

func okResponses(n int) []*iso7816.ResponseAPDU {
	out := make([]*iso7816.ResponseAPDU, n)
	for i := range out {
		out[i] = iso7816.NewResponseAPDU(nil, iso7816.SW_NO_ERROR)
	}
	return out
}

func TestSAMProcessor_DigestKeptOnFailure(t *testing.T) {
	tests := []struct {
		name string
		fail bool
		sw   []string
	}{
		{"transport failure", true, nil},
		{"digest update refused", false, []string{"9000", "6985", "9000", "C1C2C3C4C5C6C7C8 9000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := readertest.New()
			if tt.fail {
				r.FailWhen = func(*iso7816.CommandAPDU) bool { return true }
			}
			r.Push(tt.sw...)
			p := newTestProcessor()
			p.reader = r
			p.initializeDigest(calypso.LevelDebit, false, false, 0x30, 0x79, tlv.Hex("0102"))
			p.cache = append(p.cache, tlv.Hex("00B2018400"), tlv.Hex("9000"))

			if _, err := p.terminalSignature(); err == nil {
				t.Fatal("terminalSignature() should fail")
			}
			if len(p.cache) != 3 || p.digestInitDone {
				t.Errorf("digest state after failure: %d entries, init done %v", len(p.cache), p.digestInitDone)
			}
		})
	}
}

func TestSAMProcessor_SvPrepareChecksDigest(t *testing.T) {
	r := readertest.New()
	r.Push("9000", "6985", "9000", "0001E1E2E3E4E5 9000")
	p := newTestProcessor()
	p.reader = r
	p.diversified = true
	p.initializeDigest(calypso.LevelDebit, false, false, 0x30, 0x79, tlv.Hex("0102"))
	p.cache = append(p.cache, tlv.Hex("00B2018400"), tlv.Hex("9000"))

	prepare := iso7816.NewCommandAPDU(testSAMClass(t), mustIns(iso7816.INS_CALYPSO_SV_PREPARE_DEB), 0x01, 0xFF, tlv.Hex("00"), iso7816.MaxShortLe)
	if _, err := p.svComplementaryData(prepare); !errors.Is(err, ErrDigestComputation) {
		t.Errorf("svComplementaryData() error = %v, want a digest computation error", err)
	}
}

func testSAMClass(t *testing.T) iso7816.Class {
	t.Helper()
	cls, err := iso7816.NewClass(0x80)
	if err != nil {
		t.Fatal(err)
	}
	return cls
}

func TestSAMProcessor_PendingRequestsErrors(t *testing.T) {
	p := newTestProcessor()
	if err := p.pendingRequests(&samBatch{}, true); !errors.Is(err, ErrIllegalState) {
		t.Errorf("pendingRequests() before initialization error = %v, want an illegal state error", err)
	}

	p.initializeDigest(calypso.LevelDebit, false, false, 0x30, 0x79, tlv.Hex("0102"))
	p.cache = append(p.cache, tlv.Hex("00B2018400"))
	if err := p.pendingRequests(&samBatch{}, true); !errors.Is(err, ErrProtocolInconsistency) {
		t.Errorf("pendingRequests() with an even cache error = %v, want a protocol inconsistency", err)
	}
}

func TestSAMProcessor_TerminalSignature(t *testing.T) {
	tests := []struct {
		name      string
		responses []string
		closed    bool
		wantErr   error
	}{
		{"ok", []string{"9000", "C1C2C3C4C5C6C7C8 9000"}, false, nil},
		{"digest init refused", []string{"6985", "C1C2C3C4C5C6C7C8 9000"}, false, ErrDigestComputation},
		{"channel closed", []string{"9000", "C1C2C3C4C5C6C7C8 9000"}, true, ErrSecurityExchange},
		{"short response", []string{"9000", "C1C2 9000"}, false, ErrDigestComputation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := readertest.New()
			r.ChannelClosed = tt.closed
			r.Push(tt.responses...)
			p := newTestProcessor()
			p.reader = r
			p.initializeDigest(calypso.LevelDebit, false, false, 0x30, 0x79, tlv.Hex("0102"))

			sig, err := p.terminalSignature()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("terminalSignature() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tlv.Hex("C1C2C3C4C5C6C7C8"), sig); diff != "" {
				t.Errorf("signature mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAnticipator(t *testing.T) {
	a := newAnticipator(quiet)
	read, _ := command.ReadRecords(testPO, 0x10, 1)
	readEnv := newEnvelope(read)
	readEnv.setResponse(iso7816.NewResponseAPDU(tlv.Hex("0001F4 00000A"), iso7816.SW_NO_ERROR))
	a.recordReads([]*Envelope{readEnv})

	// A later read of the same SFI does not replace the first one.
	again := newEnvelope(read)
	again.setResponse(iso7816.NewResponseAPDU(tlv.Hex("000000 000000"), iso7816.SW_NO_ERROR))
	a.recordReads([]*Envelope{again})

	inc, _ := command.Increase(testPO, 0x10, 1, 100)
	dec, _ := command.Decrease(testPO, 0x10, 2, 3)
	upd := update2()
	debit := command.Generic("SV Debit", iso7816.NewCommandAPDU(testPO.Class(), mustIns(iso7816.INS_CALYPSO_SV_DEBIT), 0, 0, nil, 0), true)
	debit.Kind = command.KindSvDebit

	got, err := a.predict([]*Envelope{newEnvelope(inc), newEnvelope(dec), newEnvelope(upd), newEnvelope(debit)})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"0002589000", "0000079000", "9000", "6200"}
	for i, resp := range got {
		if diff := cmp.Diff(tlv.Hex(want[i]), resp.Bytes()); diff != "" {
			t.Errorf("prediction %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestAnticipator_PredictionErrors(t *testing.T) {
	a := newAnticipator(quiet)
	inc, _ := command.Increase(testPO, 0x11, 1, 1)
	if _, err := a.predict([]*Envelope{newEnvelope(inc)}); !errors.Is(err, ErrPrediction) {
		t.Errorf("predict() without read error = %v, want a prediction error", err)
	}

	read, _ := command.ReadRecords(testPO, 0x11, 1)
	e := newEnvelope(read)
	e.setResponse(iso7816.NewResponseAPDU(tlv.Hex("000001"), iso7816.SW_NO_ERROR))
	a.recordReads([]*Envelope{e})
	far, _ := command.Increase(testPO, 0x11, 2, 1)
	if _, err := a.predict([]*Envelope{newEnvelope(far)}); !errors.Is(err, ErrPrediction) {
		t.Errorf("predict() beyond the record error = %v, want a prediction error", err)
	}
}

func TestAnticipator_FailedReadIsKept(t *testing.T) {
	a := newAnticipator(quiet)
	read, _ := command.ReadRecords(testPO, 0x12, 1)
	missing := newEnvelope(read)
	missing.setResponse(iso7816.NewResponseAPDU(nil, iso7816.SW_ERR_RECORD_NOT_FOUND))
	a.recordReads([]*Envelope{missing})

	found := newEnvelope(read)
	found.setResponse(iso7816.NewResponseAPDU(tlv.Hex("000010"), iso7816.SW_NO_ERROR))
	a.recordReads([]*Envelope{found})

	inc, _ := command.Increase(testPO, 0x12, 1, 1)
	if _, err := a.predict([]*Envelope{newEnvelope(inc)}); !errors.Is(err, ErrPrediction) {
		t.Errorf("predict() after a refused read error = %v, want a prediction error", err)
	}
}

func mustIns(code iso7816.InsCode) iso7816.Instruction {
	ins, err := iso7816.NewInstruction(code)
	if err != nil {
		panic(err)
	}
	return ins
}

func TestErrors(t *testing.T) {
	err := errors.Wrap(newError(KindIllegalState, "process closing", "no open session"), "closing")
	if !errors.Is(err, ErrIllegalState) {
		t.Errorf("errors.Is(%v, ErrIllegalState) = false", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Errorf("errors.Is(%v, ErrTransport) = true", err)
	}
	if got, want := newError(KindPrediction, "anticipated response", "no read").Error(), "anticipated response: prediction error: no read"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
