package provider

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// openAICompatible handles every upstream that speaks the OpenAI chat
// completion wire shape: OpenAI itself, Groq, and Anthropic behind its
// OpenAI-compatible endpoint.
type openAICompatible struct {
	typ     Type
	baseURL string
	apiKey  string
}

func newOpenAICompatible(typ Type, baseURL, apiKey string) *openAICompatible {
	return &openAICompatible{typ: typ, baseURL: baseURL, apiKey: apiKey}
}

func (a *openAICompatible) Type() Type      { return a.typ }
func (a *openAICompatible) BaseURL() string { return a.baseURL }
func (a *openAICompatible) APIKey() string  { return a.apiKey }

// openAIBody is the subset of the completion response we bill from. The
// same shape appears in whole responses and in individual stream chunks.
type openAIBody struct {
	ID    string `json:"id"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// ParseUsage extracts token usage. Streamed bodies are SSE: usage appears on
// whichever chunks carry it (typically only the final one), so counts are
// summed across frames. A malformed frame is skipped and logged; only a body
// with no parseable frames at all fails the request.
func (a *openAICompatible) ParseUsage(body []byte, stream bool) (Usage, error) {
	if !stream {
		var parsed openAIBody
		if err := json.Unmarshal(body, &parsed); err != nil {
			return Usage{}, fmt.Errorf("%w: %s response: %v", ErrUnparseableBody, a.typ, err)
		}
		u := Usage{ProviderRequestID: parsed.ID}
		if parsed.Usage != nil {
			u.PromptUnits = parsed.Usage.PromptTokens
			u.CompletionUnits = parsed.Usage.CompletionTokens
			u.TotalUnits = parsed.Usage.TotalTokens
		}
		if u.TotalUnits == 0 {
			u.TotalUnits = u.PromptUnits + u.CompletionUnits
		}
		return u, nil
	}

	var u Usage
	parsedFrames := 0
	total := scanSSE(body, func(data []byte) {
		var chunk openAIBody
		if err := json.Unmarshal(data, &chunk); err != nil {
			slog.Warn("skipping malformed stream frame", "provider", a.typ, "error", err)
			return
		}
		parsedFrames++
		if chunk.ID != "" {
			u.ProviderRequestID = chunk.ID
		}
		if chunk.Usage != nil {
			u.PromptUnits += chunk.Usage.PromptTokens
			u.CompletionUnits += chunk.Usage.CompletionTokens
			u.TotalUnits += chunk.Usage.TotalTokens
		}
	})
	if total > 0 && parsedFrames == 0 {
		return Usage{}, fmt.Errorf("%w: %s stream: all %d frames malformed", ErrUnparseableBody, a.typ, total)
	}
	if total == 0 {
		return Usage{}, fmt.Errorf("%w: %s stream: no data frames", ErrUnparseableBody, a.typ)
	}
	if u.TotalUnits == 0 {
		u.TotalUnits = u.PromptUnits + u.CompletionUnits
	}
	return u, nil
}
