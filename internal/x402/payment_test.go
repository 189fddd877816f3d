package x402

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peagehq/peage/internal/reconcile"
)

type fakeFacilitator struct {
	mu          sync.Mutex
	settleCalls int
	refundCalls []RefundRequest

	settleResult *SettleResult
	settleErr    error
	refundResult *RefundResult
	refundErr    error
}

func (f *fakeFacilitator) Settle(_ context.Context, _ *PaymentPayload, _ PaymentRequirements) (*SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleCalls++
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	return f.settleResult, nil
}

func (f *fakeFacilitator) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls = append(f.refundCalls, req)
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	if f.refundResult != nil {
		return f.refundResult, nil
	}
	return &RefundResult{Success: true, Transaction: "0xrefund"}, nil
}

type fakeRecon struct {
	mu   sync.Mutex
	recs []reconcile.Record
}

func (f *fakeRecon) Record(rec reconcile.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
}

var testCfg = Config{
	Network:           "base-sepolia",
	PayTo:             "0xGATEWAY",
	Asset:             "0xUSDC",
	AssetDecimals:     6,
	MaxTimeoutSeconds: 60,
}

var testNow = time.Unix(1_700_000_000, 0)

func newTestHandler(fac Facilitator, recon ReconcileRecorder) *Handler {
	h := NewHandler(fac, testCfg, recon)
	h.now = func() time.Time { return testNow }
	return h
}

// validPayload authorizes a transfer of the given dollar amount with a
// validity window around testNow.
func validPayload(value string) *PaymentPayload {
	return &PaymentPayload{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     testCfg.Network,
		Payload: ExactEvmPayload{
			Signature: "0xsig",
			Authorization: Authorization{
				From:        "0xPAYER",
				To:          testCfg.PayTo,
				Value:       value,
				ValidAfter:  strconv.FormatInt(testNow.Unix()-10, 10),
				ValidBefore: strconv.FormatInt(testNow.Unix()+600, 10),
				Nonce:       "0x1",
			},
		},
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAtomicAmountRoundTrip(t *testing.T) {
	if got := AtomicAmount(dec("1.00"), 6); got != "1000000" {
		t.Fatalf("AtomicAmount = %s, want 1000000", got)
	}
	// Sub-unit fractions round up so the quote never undercharges.
	if got := AtomicAmount(dec("0.0000004"), 6); got != "1" {
		t.Fatalf("AtomicAmount = %s, want 1", got)
	}
	d, err := DecimalFromAtomic("600000", 6)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Equal(dec("0.6")) {
		t.Fatalf("DecimalFromAtomic = %s, want 0.6", d)
	}
	if _, err := DecimalFromAtomic("1.5", 6); err == nil {
		t.Fatal("expected error for fractional atomic amount")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	p := validPayload("1000000")
	enc, err := EncodePaymentHeader(p)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodePaymentHeader(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.Payload.Authorization.Value != "1000000" {
		t.Fatalf("value = %s", got.Payload.Authorization.Value)
	}
	if _, err := DecodePaymentHeader("!!not-base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := DecodePaymentHeader("bm90IGpzb24="); err == nil {
		t.Fatal("expected error for non-JSON payload")
	}
}

func TestVerify(t *testing.T) {
	h := newTestHandler(&fakeFacilitator{}, &fakeRecon{})
	reqs := h.RequirementsFor("/v1/chat/completions", dec("1.00"))

	mutations := []struct {
		name   string
		mutate func(p *PaymentPayload)
		wantOK bool
	}{
		{"valid", func(p *PaymentPayload) {}, true},
		{"wrong version", func(p *PaymentPayload) { p.X402Version = 99 }, false},
		{"wrong scheme", func(p *PaymentPayload) { p.Scheme = "upto" }, false},
		{"wrong network", func(p *PaymentPayload) { p.Network = "mainnet" }, false},
		{"missing signature", func(p *PaymentPayload) { p.Payload.Signature = "" }, false},
		{"wrong recipient", func(p *PaymentPayload) { p.Payload.Authorization.To = "0xATTACKER" }, false},
		{"value below quote", func(p *PaymentPayload) { p.Payload.Authorization.Value = "999999" }, false},
		{"expired", func(p *PaymentPayload) {
			p.Payload.Authorization.ValidBefore = strconv.FormatInt(testNow.Unix()-1, 10)
		}, false},
		{"not yet valid", func(p *PaymentPayload) {
			p.Payload.Authorization.ValidAfter = strconv.FormatInt(testNow.Unix()+60, 10)
		}, false},
		{"garbage timestamps", func(p *PaymentPayload) { p.Payload.Authorization.ValidBefore = "soon" }, false},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload("1000000")
			tt.mutate(p)
			err := h.Verify(p, reqs)
			if tt.wantOK && err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if !tt.wantOK {
				var ce *ChallengeError
				if !errors.As(err, &ce) {
					t.Fatalf("err = %v, want ChallengeError", err)
				}
			}
		})
	}
}

func TestSettle_FailureIsChallengeNeverState(t *testing.T) {
	fac := &fakeFacilitator{settleResult: &SettleResult{Success: false, ErrorReason: "invalid signature"}}
	h := newTestHandler(fac, &fakeRecon{})

	p := validPayload("1000000")
	reqs := h.RequirementsFor("/r", dec("1.00"))

	for i := 0; i < 2; i++ {
		_, err := h.Settle(context.Background(), p, reqs)
		var ce *ChallengeError
		if !errors.As(err, &ce) {
			t.Fatalf("attempt %d: err = %v, want ChallengeError", i, err)
		}
	}
	// Failed settles are not cached: both attempts reached the facilitator.
	if fac.settleCalls != 2 {
		t.Fatalf("settleCalls = %d, want 2", fac.settleCalls)
	}
}

func TestSettle_SuccessIsIdempotent(t *testing.T) {
	fac := &fakeFacilitator{settleResult: &SettleResult{Success: true, Transaction: "0xabc", Payer: "0xPAYER"}}
	h := newTestHandler(fac, &fakeRecon{})

	p := validPayload("1000000")
	reqs := h.RequirementsFor("/r", dec("1.00"))

	s1, err := h.Settle(context.Background(), p, reqs)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := h.Settle(context.Background(), p, reqs)
	if err != nil {
		t.Fatal(err)
	}
	if fac.settleCalls != 1 {
		t.Fatalf("settleCalls = %d, want 1 (retry must reuse the settlement)", fac.settleCalls)
	}
	if s1.Key != s2.Key || s1.Key == "" {
		t.Fatalf("keys differ: %q vs %q", s1.Key, s2.Key)
	}
	if !s1.Amount.Equal(dec("1")) {
		t.Fatalf("settled amount = %s, want 1", s1.Amount)
	}
}

// gatedFacilitator holds Settle open until released, so the test can pin a
// settlement in flight while duplicates arrive.
type gatedFacilitator struct {
	fakeFacilitator
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFacilitator) Settle(ctx context.Context, p *PaymentPayload, reqs PaymentRequirements) (*SettleResult, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeFacilitator.Settle(ctx, p, reqs)
}

func TestSettle_ConcurrentDuplicatesShareOneSettle(t *testing.T) {
	fac := &gatedFacilitator{
		fakeFacilitator: fakeFacilitator{settleResult: &SettleResult{Success: true, Transaction: "0xabc", Payer: "0xPAYER"}},
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	h := newTestHandler(fac, &fakeRecon{})
	p := validPayload("1000000")
	reqs := h.RequirementsFor("/r", dec("1.00"))

	type settleResult struct {
		s   *Settlement
		err error
	}
	results := make(chan settleResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := h.Settle(context.Background(), p, reqs)
			results <- settleResult{s, err}
		}()
	}

	// One call is now held inside the facilitator; the duplicate must
	// join it instead of issuing a second transfer.
	<-fac.entered
	time.Sleep(10 * time.Millisecond)
	close(fac.release)

	var got []*Settlement
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatal(r.err)
		}
		got = append(got, r.s)
	}
	if fac.settleCalls != 1 {
		t.Fatalf("settleCalls = %d, want 1 (duplicates must share the in-flight settle)", fac.settleCalls)
	}
	if got[0].Key != got[1].Key || got[0].Transaction != got[1].Transaction {
		t.Fatalf("settlements differ: %+v vs %+v", got[0], got[1])
	}
}

// Conservation: payment = actual cost + refund issued.
func TestFinalize_RefundsDifference(t *testing.T) {
	fac := &fakeFacilitator{}
	h := newTestHandler(fac, &fakeRecon{})
	s := &Settlement{Payer: "0xPAYER", Amount: dec("1.00")}

	out := h.Finalize(context.Background(), s, dec("0.40"))
	if !out.Refund.Equal(dec("0.60")) {
		t.Fatalf("refund = %s, want 0.60", out.Refund)
	}
	if out.RefundFailed {
		t.Fatal("refund unexpectedly failed")
	}
	if !s.Amount.Equal(dec("0.40").Add(out.Refund)) {
		t.Fatalf("conservation violated: %s != 0.40 + %s", s.Amount, out.Refund)
	}
	if len(fac.refundCalls) != 1 {
		t.Fatalf("refund calls = %d, want 1", len(fac.refundCalls))
	}
	if fac.refundCalls[0].Value != "600000" {
		t.Fatalf("refund value = %s, want 600000", fac.refundCalls[0].Value)
	}
	if fac.refundCalls[0].To != "0xPAYER" {
		t.Fatalf("refund to = %s", fac.refundCalls[0].To)
	}
}

func TestFinalize_CostExceedsPayment(t *testing.T) {
	fac := &fakeFacilitator{}
	recon := &fakeRecon{}
	h := newTestHandler(fac, recon)
	s := &Settlement{Payer: "0xPAYER", Amount: dec("1.00")}

	out := h.Finalize(context.Background(), s, dec("1.25"))
	if !out.Refund.IsZero() {
		t.Fatalf("refund = %s, want 0", out.Refund)
	}
	if len(fac.refundCalls) != 0 {
		t.Fatal("no transfer may occur when cost exceeds payment")
	}
	if len(recon.recs) != 1 || recon.recs[0].Kind != reconcile.KindCostExceedsPayment {
		t.Fatalf("recon records = %+v", recon.recs)
	}
}

func TestFinalize_RefundFailureIsReconciliationDebt(t *testing.T) {
	fac := &fakeFacilitator{refundErr: fmt.Errorf("chain congested")}
	recon := &fakeRecon{}
	h := newTestHandler(fac, recon)
	s := &Settlement{Payer: "0xPAYER", Amount: dec("1.00")}

	out := h.Finalize(context.Background(), s, dec("0.40"))
	if !out.RefundFailed {
		t.Fatal("expected RefundFailed")
	}
	if len(recon.recs) != 1 || recon.recs[0].Kind != reconcile.KindRefundFailed {
		t.Fatalf("recon records = %+v", recon.recs)
	}
	if !recon.recs[0].Amount.Equal(dec("0.60")) {
		t.Fatalf("debt amount = %s, want 0.60", recon.recs[0].Amount)
	}
	// Exactly one attempt: no synchronous retry in the request path.
	if len(fac.refundCalls) != 1 {
		t.Fatalf("refund calls = %d, want 1", len(fac.refundCalls))
	}
}

func TestRefundAll(t *testing.T) {
	fac := &fakeFacilitator{}
	h := newTestHandler(fac, &fakeRecon{})
	s := &Settlement{Payer: "0xPAYER", Amount: dec("1.00")}

	out := h.RefundAll(context.Background(), s)
	if !out.Refund.Equal(dec("1.00")) {
		t.Fatalf("refund = %s, want 1.00", out.Refund)
	}
}

func TestWriteChallenge(t *testing.T) {
	h := newTestHandler(&fakeFacilitator{}, &fakeRecon{})
	reqs := h.RequirementsFor("/v1/chat/completions", dec("0.25"))

	rec := httptest.NewRecorder()
	h.WriteChallenge(rec, reqs, "payment required")

	if rec.Code != 402 {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got == "" || got[:5] != "X-402" {
		t.Fatalf("WWW-Authenticate = %q", got)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"accepts"`) || !strings.Contains(body, `"250000"`) {
		t.Fatalf("challenge body = %s", body)
	}
}
