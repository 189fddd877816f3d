package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peagehq/peage/internal/catalog"
	"github.com/peagehq/peage/internal/ledger"
	"github.com/peagehq/peage/internal/pricing"
	"github.com/peagehq/peage/internal/provider"
	"github.com/peagehq/peage/internal/reconcile"
)

type fakeRecon struct {
	mu   sync.Mutex
	recs []reconcile.Record
}

func (f *fakeRecon) Record(rec reconcile.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testModel() *catalog.Model {
	return &catalog.Model{
		ID:                   "m1",
		Name:                 "gpt-4o-mini",
		Provider:             provider.TypeOpenAI,
		PromptPerMillion:     dec("1"),
		CompletionPerMillion: dec("2"),
		MaxCost:              dec("0.50"),
		Active:               true,
	}
}

func newOrchestrator(t *testing.T, upstreamURL string, recon ReconcileRecorder) *Orchestrator {
	t.Helper()
	reg := provider.NewRegistry()
	a, err := provider.New(provider.TypeOpenAI, upstreamURL, "upstream-key")
	if err != nil {
		t.Fatal(err)
	}
	reg.Register(a)
	return NewOrchestrator(reg, pricing.Calculator{PlatformFee: dec("0.1")}, recon, 5*time.Second)
}

func baseRequest() Request {
	return Request{
		Model:  testModel(),
		Path:   "/chat/completions",
		Header: http.Header{},
		Body:   []byte(`{"model":"gpt-4o-mini","messages":[]}`),
		UserID: "u1",
		AppID:  "app1",
		Origin: ledger.OriginAPIKey,
		Markup: pricing.MustMarkup("2.0"),
	}
}

func TestExecute_NonStreaming(t *testing.T) {
	var gotAuth, gotContentType, gotSecret string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotSecret = r.Header.Get("X-Custom")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"req-1","usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500}}`))
	}))
	defer upstream.Close()

	o := newOrchestrator(t, upstream.URL, &fakeRecon{})
	req := baseRequest()
	req.Header.Set("Authorization", "Bearer caller-gateway-key")
	req.Header.Set("Content-Length", "999")
	req.Header.Set("X-Payment", "should-not-leak")
	req.Header.Set("X-Custom", "kept")

	rec := httptest.NewRecorder()
	result, err := o.Execute(context.Background(), req, rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if gotAuth != "Bearer upstream-key" {
		t.Errorf("upstream Authorization = %q, want provider key", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("upstream Content-Type = %q", gotContentType)
	}
	if gotSecret != "kept" {
		t.Errorf("custom header not forwarded: %q", gotSecret)
	}

	if !result.Billed {
		t.Fatal("expected billed result")
	}
	if result.Usage.PromptUnits != 1000 || result.Usage.CompletionUnits != 500 {
		t.Errorf("usage = %+v", result.Usage)
	}
	// raw = 1000/1M*1 + 500/1M*2 = 0.002; markup 2.0 doubles it.
	if !result.Costs.Raw.Equal(dec("0.002")) {
		t.Errorf("raw cost = %s, want 0.002", result.Costs.Raw)
	}
	if !result.Costs.Total.Equal(dec("0.004")) {
		t.Errorf("total cost = %s, want 0.004", result.Costs.Total)
	}

	tx := result.Transaction
	if tx == nil {
		t.Fatal("expected transaction")
	}
	if tx.ID == "" || tx.UserID != "u1" || tx.AppID != "app1" {
		t.Errorf("transaction identity = %+v", tx)
	}
	if tx.ProviderRequestID != "req-1" {
		t.Errorf("provider request id = %q", tx.ProviderRequestID)
	}
	if tx.Status != ledger.StatusSuccess || tx.Origin != ledger.OriginAPIKey {
		t.Errorf("status/origin = %s/%s", tx.Status, tx.Origin)
	}

	if !strings.Contains(rec.Body.String(), `"total_tokens":1500`) {
		t.Errorf("response body not forwarded: %s", rec.Body.String())
	}
}

func TestExecute_Streaming(t *testing.T) {
	frames := []string{
		`data: {"id":"req-s","choices":[{"delta":{"content":"hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}],"usage":{"prompt_tokens":10,"completion_tokens":4,"total_tokens":14}}`,
		`data: [DONE]`,
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, f := range frames {
			_, _ = w.Write([]byte(f + "\n\n"))
			fl.Flush()
		}
	}))
	defer upstream.Close()

	o := newOrchestrator(t, upstream.URL, &fakeRecon{})
	req := baseRequest()
	req.Stream = true

	rec := httptest.NewRecorder()
	result, err := o.Execute(context.Background(), req, rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	body := rec.Body.String()
	for _, f := range frames {
		if !strings.Contains(body, f) {
			t.Errorf("frame missing from forwarded stream: %s", f)
		}
	}
	if result.Usage.PromptUnits != 10 || result.Usage.CompletionUnits != 4 || result.Usage.TotalUnits != 14 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if result.UsageParseFailed {
		t.Error("usage parse unexpectedly failed")
	}
}

func TestExecute_UpstreamErrorPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer upstream.Close()

	o := newOrchestrator(t, upstream.URL, &fakeRecon{})
	rec := httptest.NewRecorder()
	result, err := o.Execute(context.Background(), baseRequest(), rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Billed {
		t.Error("provider errors must not be billed")
	}
	if result.Transaction != nil {
		t.Error("no transaction for unbilled request")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Error("upstream headers not passed through")
	}
	if !strings.Contains(rec.Body.String(), "rate limited") {
		t.Errorf("body not passed through: %s", rec.Body.String())
	}
}

func TestExecute_UpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // nothing listening anymore

	o := newOrchestrator(t, upstream.URL, &fakeRecon{})
	rec := httptest.NewRecorder()
	_, err := o.Execute(context.Background(), baseRequest(), rec)
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("err = %v, want ErrUpstreamUnreachable", err)
	}
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Error("nothing may be written when the upstream never responded")
	}
}

// droppingWriter stands in for a client that disconnects mid-stream: the
// first write succeeds, every later write errors.
type droppingWriter struct {
	mu     sync.Mutex
	writes int
	wrote  chan struct{} // closed after the first successful write
}

func (d *droppingWriter) Header() http.Header { return http.Header{} }
func (d *droppingWriter) WriteHeader(int)     {}

func (d *droppingWriter) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	if d.writes == 1 {
		close(d.wrote)
		return len(p), nil
	}
	return 0, errors.New("broken pipe")
}

func TestExecute_ClientDisconnectStillBillsCapturedUsage(t *testing.T) {
	w := &droppingWriter{wrote: make(chan struct{})}
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/event-stream")
		fl := rw.(http.Flusher)
		_, _ = rw.Write([]byte(`data: {"id":"req-d","choices":[{"delta":{"content":"par"}}]}` + "\n\n"))
		fl.Flush()
		// Hold the usage frame back until the client has received the
		// first chunk and gone away.
		<-w.wrote
		_, _ = rw.Write([]byte(`data: {"choices":[],"usage":{"prompt_tokens":100,"completion_tokens":50,"total_tokens":150}}` + "\n\ndata: [DONE]\n\n"))
		fl.Flush()
	}))
	defer upstream.Close()

	o := newOrchestrator(t, upstream.URL, &fakeRecon{})
	req := baseRequest()
	req.Stream = true

	result, err := o.Execute(context.Background(), req, w)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if w.writes < 2 {
		t.Fatalf("writer never failed mid-stream, writes = %d", w.writes)
	}
	if !result.Billed {
		t.Fatal("partial delivery must still be billed")
	}
	if result.UsageParseFailed {
		t.Fatal("usage frame sent after the disconnect must still be captured")
	}
	if result.Usage.PromptUnits != 100 || result.Usage.CompletionUnits != 50 {
		t.Errorf("usage = %+v", result.Usage)
	}
	// raw = 100/1M*1 + 50/1M*2 = 0.0002; markup 2.0 doubles it.
	if !result.Costs.Total.Equal(dec("0.0004")) {
		t.Errorf("total cost = %s, want 0.0004", result.Costs.Total)
	}
	if result.Transaction == nil || !result.Transaction.TotalCost.IsPositive() {
		t.Errorf("transaction = %+v, want positive total cost", result.Transaction)
	}
}

func TestExecute_UsageParseFailureBillsZero(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`not json at all`))
	}))
	defer upstream.Close()

	recon := &fakeRecon{}
	o := newOrchestrator(t, upstream.URL, recon)
	rec := httptest.NewRecorder()
	result, err := o.Execute(context.Background(), baseRequest(), rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !result.UsageParseFailed {
		t.Fatal("expected UsageParseFailed")
	}
	if result.Usage != (provider.Usage{}) {
		t.Errorf("usage = %+v, want zero", result.Usage)
	}
	if !result.Costs.Total.IsZero() {
		t.Errorf("total cost = %s, want 0", result.Costs.Total)
	}
	if len(recon.recs) != 1 || recon.recs[0].Kind != reconcile.KindUsageParseFailed {
		t.Fatalf("recon records = %+v", recon.recs)
	}
	// The caller still got the body the upstream sent.
	if rec.Body.String() != "not json at all" {
		t.Errorf("body = %q", rec.Body.String())
	}
}
