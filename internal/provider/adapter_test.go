package provider

import (
	"errors"
	"strings"
	"testing"
)

func TestNew_UnknownType(t *testing.T) {
	if _, err := New(Type("mystery"), "http://x", "k"); err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, err := New(TypeOpenAI, "https://api.openai.com", "sk-test")
	if err != nil {
		t.Fatal(err)
	}
	r.Register(a)

	got, err := r.Get(TypeOpenAI)
	if err != nil {
		t.Fatal(err)
	}
	if got.BaseURL() != "https://api.openai.com" {
		t.Fatalf("BaseURL = %q", got.BaseURL())
	}
	if _, err := r.Get(TypeGemini); err == nil {
		t.Fatal("expected error for unregistered type")
	}
}

func TestOpenAI_ParseUsage_WholeBody(t *testing.T) {
	a := newOpenAICompatible(TypeOpenAI, "", "")

	body := `{"id":"chatcmpl-123","usage":{"prompt_tokens":12,"completion_tokens":30,"total_tokens":42}}`
	u, err := a.ParseUsage([]byte(body), false)
	if err != nil {
		t.Fatal(err)
	}
	if u.PromptUnits != 12 || u.CompletionUnits != 30 || u.TotalUnits != 42 {
		t.Fatalf("usage = %+v", u)
	}
	if u.ProviderRequestID != "chatcmpl-123" {
		t.Fatalf("request id = %q", u.ProviderRequestID)
	}

	if _, err := a.ParseUsage([]byte("<html>bad gateway</html>"), false); !errors.Is(err, ErrUnparseableBody) {
		t.Fatalf("expected ErrUnparseableBody, got %v", err)
	}
}

func TestOpenAI_ParseUsage_Stream(t *testing.T) {
	a := newOpenAICompatible(TypeGroq, "", "")

	body := strings.Join([]string{
		`data: {"id":"chatcmpl-9","choices":[{"delta":{"content":"hel"}}]}`,
		``,
		`: ping`,
		`data: {"id":"chatcmpl-9","choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`data: {"id":"chatcmpl-9","usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	u, err := a.ParseUsage([]byte(body), true)
	if err != nil {
		t.Fatal(err)
	}
	if u.PromptUnits != 5 || u.CompletionUnits != 7 || u.TotalUnits != 12 {
		t.Fatalf("usage = %+v", u)
	}
}

// A single malformed frame is skipped; usage from the surrounding frames is
// still accumulated.
func TestOpenAI_ParseUsage_MalformedFrameSkipped(t *testing.T) {
	a := newOpenAICompatible(TypeOpenAI, "", "")

	body := strings.Join([]string{
		`data: {"id":"c1","usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`,
		`data: {this is not json`,
		`data: {"id":"c1","usage":{"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}}`,
		`data: [DONE]`,
	}, "\n")

	u, err := a.ParseUsage([]byte(body), true)
	if err != nil {
		t.Fatal(err)
	}
	if u.PromptUnits != 5 || u.CompletionUnits != 3 || u.TotalUnits != 8 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestOpenAI_ParseUsage_AllFramesMalformed(t *testing.T) {
	a := newOpenAICompatible(TypeOpenAI, "", "")
	body := "data: nope\ndata: also nope\n"
	if _, err := a.ParseUsage([]byte(body), true); !errors.Is(err, ErrUnparseableBody) {
		t.Fatalf("expected ErrUnparseableBody, got %v", err)
	}
}

// Gemini stream frames carry cumulative usage: the last frame wins, the
// counts are not summed.
func TestGemini_ParseUsage_CumulativeStream(t *testing.T) {
	a := newGemini("", "")

	body := strings.Join([]string{
		`data: {"responseId":"r1","usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":4,"totalTokenCount":14}}`,
		`data: {"responseId":"r1","usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":9,"totalTokenCount":19}}`,
		`data: {"responseId":"r1","usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":15,"totalTokenCount":25}}`,
	}, "\n")

	u, err := a.ParseUsage([]byte(body), true)
	if err != nil {
		t.Fatal(err)
	}
	if u.PromptUnits != 10 || u.CompletionUnits != 15 || u.TotalUnits != 25 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestMedia_ParseUsage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int64
	}{
		{"explicit units", `{"id":"v1","usage":{"units":250}}`, 250},
		{"seconds", `{"id":"a1","usage":{"seconds":90}}`, 90},
		{"duration rounds up", `{"id":"a2","duration":12.3}`, 13},
		{"no usage", `{"id":"a3"}`, 0},
	}
	a := newMedia(TypeMedia, "", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := a.ParseUsage([]byte(tt.body), false)
			if err != nil {
				t.Fatal(err)
			}
			if u.TotalUnits != tt.want {
				t.Fatalf("TotalUnits = %d, want %d", u.TotalUnits, tt.want)
			}
		})
	}
}
