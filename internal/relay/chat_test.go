package relay

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/peagehq/peage/internal/catalog"
)

type fakeResolver struct {
	m *catalog.Model
}

func (f *fakeResolver) Resolve(ctx context.Context, name string) (*catalog.Model, error) {
	return f.m, nil
}

func TestChatResource_UpstreamRejectionLeavesNothingToBill(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded"}}`))
	}))
	defer upstream.Close()

	res := NewChatResource(&fakeResolver{m: testModel()}, newOrchestrator(t, upstream.URL, &fakeRecon{}), 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		bytes.NewReader([]byte(`{"model":"gpt-4o-mini","messages":[]}`)))
	input, err := res.DecodeInput(req)
	if err != nil {
		t.Fatalf("DecodeInput: %v", err)
	}

	rec := httptest.NewRecorder()
	outcome, err := res.Execute(context.Background(), input, rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if outcome.Transaction != nil {
		t.Error("upstream rejection must not produce a transaction")
	}
	if !outcome.ActualCost.IsZero() {
		t.Errorf("actual cost = %s, want 0", outcome.ActualCost)
	}
	if !outcome.Empty() {
		t.Error("expected an empty outcome for a passthrough rejection")
	}
}
