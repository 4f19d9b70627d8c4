package transaction

import (
	"fmt"
	"log/slog"

	"github.com/gregLibert/calypso-terminal/pkg/calypso"
	"github.com/gregLibert/calypso-terminal/pkg/calypso/samcommand"
	"github.com/gregLibert/calypso-terminal/pkg/iso7816"
	"github.com/gregLibert/calypso-terminal/pkg/reader"
)

// samProcessor owns every exchange with the SAM and the digest cache of the session.
//
// The cache holds the Open Secure Session response data followed by one request and one
// response per PO exchange. It is turned into Digest Init / Digest Update commands lazily,
// so that the SAM is reached only when a signature or an SV cryptogram is needed.
type samProcessor struct {
	reader   reader.Reader
	sam      *calypso.SAM
	po       *calypso.PO
	settings SecuritySettings
	log      *slog.Logger

	cache        [][]byte
	encryption   bool
	verification bool
	keyRecord    byte
	kif          byte
	kvc          byte

	diversified    bool
	initialized    bool
	digestInitDone bool
}

func newSAMProcessor(r reader.Reader, sam *calypso.SAM, po *calypso.PO, settings SecuritySettings, log *slog.Logger) *samProcessor {
	return &samProcessor{reader: r, sam: sam, po: po, settings: settings, log: log}
}

// samBatch is a list of SAM commands together with the state changes they bring. A change is
// applied only once every command it depends on was answered with success, so that a failed
// exchange can be replayed as is.
type samBatch struct {
	cmds  []*iso7816.CommandAPDU
	steps []samStep
}

type samStep struct {
	first, last int
	apply       func()
}

// add appends cmds. apply, when not nil, runs at commit if all of cmds succeeded.
func (b *samBatch) add(apply func(), cmds ...*iso7816.CommandAPDU) {
	first := len(b.cmds)
	b.cmds = append(b.cmds, cmds...)
	if apply != nil && len(cmds) > 0 {
		b.steps = append(b.steps, samStep{first: first, last: len(b.cmds), apply: apply})
	}
}

func (b *samBatch) commit(responses []*iso7816.ResponseAPDU) {
	for _, s := range b.steps {
		ok := true
		for _, r := range responses[s.first:s.last] {
			ok = ok && r.IsSuccess()
		}
		if ok {
			s.apply()
		}
	}
}

// transmit sends b and commits its state changes. Nothing is committed on a transport error.
func (p *samProcessor) transmit(op string, b *samBatch) (*reader.Response, error) {
	p.log.Debug("sam batch", "op", op, "commands", len(b.cmds))
	resp, err := p.reader.Transmit(reader.NewRequest(b.cmds...), reader.KeepOpen)
	if err != nil {
		return nil, transportError(op, err)
	}
	if len(resp.Responses) != len(b.cmds) {
		return nil, newError(KindSecurityExchange, op, "%d response(s) to %d SAM command(s)", len(resp.Responses), len(b.cmds))
	}
	b.commit(resp.Responses)
	return resp, nil
}

// diversify adds Select Diversifier until the SAM has accepted one for this PO.
func (p *samProcessor) diversify(b *samBatch) {
	if p.diversified {
		return
	}
	b.add(func() { p.diversified = true }, samcommand.SelectDiversifier(p.sam, p.po.SerialNumber))
}

func (p *samProcessor) sessionTerminalChallenge() ([]byte, error) {
	const op = "terminal challenge"
	n := p.po.ChallengeLength()
	b := &samBatch{}
	p.diversify(b)
	b.add(nil, samcommand.GetChallenge(p.sam, n))

	resp, err := p.transmit(op, b)
	if err != nil {
		return nil, err
	}
	if len(b.cmds) > 1 && !resp.Responses[0].IsSuccess() {
		return nil, newError(KindSecurityExchange, op, "select diversifier failed: %s", resp.Responses[0].Status.Verbose())
	}
	challenge, err := samcommand.ParseChallenge(resp.Responses[len(b.cmds)-1], n)
	if err != nil {
		return nil, wrapError(KindSecurityExchange, op, err)
	}
	p.log.Debug("terminal challenge", "challenge", fmt.Sprintf("%X", challenge))
	return challenge, nil
}

// initializeDigest restarts the digest with the Open Secure Session response data. It returns
// false when there is no seed.
func (p *samProcessor) initializeDigest(level calypso.AccessLevel, encryption, verification bool, kif, kvc byte, seed []byte) bool {
	if len(seed) == 0 {
		return false
	}
	p.encryption = encryption
	p.verification = verification
	p.keyRecord = p.settings.DefaultKeyRecord[level]
	p.kif = p.settings.kif(level, kif)
	p.kvc = kvc
	p.cache = [][]byte{seed}
	p.initialized = true
	p.digestInitDone = false
	p.log.Debug("digest initialized", "level", level, "kif", p.kif, "kvc", p.kvc)
	return true
}

// pushExchange adds one PO exchange to the cache. The Le byte of a case 4 command is not
// part of the digest.
func (p *samProcessor) pushExchange(req *iso7816.CommandAPDU, resp *iso7816.ResponseAPDU) error {
	raw, err := req.Bytes()
	if err != nil {
		return wrapError(KindDigestComputation, "digest", err)
	}
	if req.IsCase4() {
		raw = raw[:len(raw)-1]
	}
	p.cache = append(p.cache, raw, resp.Bytes())
	return nil
}

// pendingRequests adds the digest commands for the cache to b. The cache is emptied, and
// Digest Init marked as done, once the SAM has accepted them.
func (p *samProcessor) pendingRequests(b *samBatch, includeClose bool) error {
	const op = "digest"
	if !p.initialized {
		return newError(KindIllegalState, op, "digest not initialized")
	}

	var cmds []*iso7816.CommandAPDU
	start := 0
	withInit := !p.digestInitDone
	if withInit {
		if len(p.cache) == 0 {
			return newError(KindProtocolInconsistency, op, "digest cache is empty")
		}
		if len(p.cache)%2 == 0 {
			return newError(KindProtocolInconsistency, op, "digest cache is inconsistent: %d entries", len(p.cache))
		}
		init, err := samcommand.DigestInit(p.sam, samcommand.DigestInitParams{
			Verification: p.verification,
			Rev32Mode:    p.po.IsRev32Mode(),
			KIF:          p.kif,
			KVC:          p.kvc,
			KeyRecord:    p.keyRecord,
			Seed:         p.cache[0],
		})
		if err != nil {
			return wrapError(KindDigestComputation, op, err)
		}
		cmds = append(cmds, init)
		start = 1
	}

	for _, data := range p.cache[start:] {
		update, err := samcommand.DigestUpdate(p.sam, p.encryption, data)
		if err != nil {
			return wrapError(KindDigestComputation, op, err)
		}
		cmds = append(cmds, update)
	}

	consumed := len(p.cache)
	b.add(func() {
		p.cache = p.cache[consumed:]
		if withInit {
			p.digestInitDone = true
		}
	}, cmds...)

	if includeClose {
		b.add(nil, samcommand.DigestClose(p.sam, p.po.SignatureLength()))
	}
	return nil
}

// checkAll fails with a digest computation error at the first unsuccessful response among the
// first n.
func checkAll(op string, cmds []*iso7816.CommandAPDU, responses []*iso7816.ResponseAPDU, n int) error {
	for i, r := range responses[:n] {
		if !r.IsSuccess() {
			return newError(KindDigestComputation, op, "%s failed: %s", cmds[i].Instruction.Raw, r.Status.Verbose())
		}
	}
	return nil
}

// terminalSignature runs every pending digest command and returns the Digest Close output.
func (p *samProcessor) terminalSignature() ([]byte, error) {
	const op = "terminal signature"
	b := &samBatch{}
	if err := p.pendingRequests(b, true); err != nil {
		return nil, err
	}
	resp, err := p.transmit(op, b)
	if err != nil {
		return nil, err
	}
	if !resp.ChannelPreviouslyOpen {
		return nil, newError(KindSecurityExchange, op, "SAM logical channel was not open")
	}
	if err := checkAll(op, b.cmds, resp.Responses, len(b.cmds)); err != nil {
		return nil, err
	}
	sig, err := samcommand.ParseSignature(resp.Responses[len(resp.Responses)-1], p.po.SignatureLength())
	if err != nil {
		return nil, wrapError(KindDigestComputation, op, err)
	}
	return sig, nil
}

// authenticate checks the PO signature returned at closing.
func (p *samProcessor) authenticate(poSignature []byte) (bool, error) {
	const op = "digest authenticate"
	b := &samBatch{}
	b.add(nil, samcommand.DigestAuthenticate(p.sam, poSignature))
	resp, err := p.transmit(op, b)
	if err != nil {
		return false, err
	}
	if !resp.ChannelPreviouslyOpen {
		return false, newError(KindSecurityExchange, op, "SAM logical channel was not open")
	}
	ok := resp.Responses[0].IsSuccess()
	if !ok {
		p.log.Error("PO signature rejected", "status", resp.Responses[0].Status.Verbose())
	}
	return ok, nil
}

// svComplementaryData runs SV Prepare, flushing the pending digest commands before it, and
// returns the SAM serial number followed by the SV Prepare output.
func (p *samProcessor) svComplementaryData(prepare *iso7816.CommandAPDU) ([]byte, error) {
	const op = "sv prepare"
	b := &samBatch{}
	p.diversify(b)
	if p.initialized {
		if err := p.pendingRequests(b, false); err != nil {
			return nil, err
		}
	}
	index := len(b.cmds)
	b.add(nil, prepare)

	resp, err := p.transmit(op, b)
	if err != nil {
		return nil, err
	}
	if err := checkAll(op, b.cmds, resp.Responses, index); err != nil {
		return nil, err
	}
	out := resp.Responses[index]
	if !out.IsSuccess() {
		return nil, newError(KindSvSecurity, op, "SAM refused the operation: %s", out.Status.Verbose())
	}
	data := append([]byte(nil), p.sam.SerialNumber...)
	return append(data, out.Data...), nil
}

// svCheckStatus submits the PO SV signature to the SAM.
func (p *samProcessor) svCheckStatus(poSignature []byte) (bool, error) {
	const op = "sv check"
	b := &samBatch{}
	b.add(nil, samcommand.SvCheck(p.sam, poSignature))
	resp, err := p.transmit(op, b)
	if err != nil {
		return false, err
	}
	ok := resp.Responses[0].IsSuccess()
	if !ok {
		p.log.Error("SV check failed", "status", resp.Responses[0].Status.Verbose())
	}
	return ok, nil
}

// cipherPin asks the SAM to cipher the PIN with the PO challenge.
func (p *samProcessor) cipherPin(challenge, pin []byte) ([]byte, error) {
	const op = "card cipher pin"
	cipherCmd, err := samcommand.CardCipherPin(p.sam, p.settings.PinCipheringKIF, p.settings.PinCipheringKVC, challenge, pin)
	if err != nil {
		return nil, wrapError(KindSecurityExchange, op, err)
	}
	b := &samBatch{}
	p.diversify(b)
	b.add(nil, cipherCmd)
	resp, err := p.transmit(op, b)
	if err != nil {
		return nil, err
	}
	ciphered, err := samcommand.ParseCipheredPin(resp.Responses[len(b.cmds)-1])
	if err != nil {
		return nil, wrapError(KindSecurityExchange, op, err)
	}
	return ciphered, nil
}
