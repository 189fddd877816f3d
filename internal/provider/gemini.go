package provider

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// gemini handles the Google Gemini generateContent shape. Unlike the OpenAI
// shape, streamed frames report *cumulative* usage, so the last frame seen
// wins rather than a sum.
type gemini struct {
	baseURL string
	apiKey  string
}

func newGemini(baseURL, apiKey string) *gemini {
	return &gemini{baseURL: baseURL, apiKey: apiKey}
}

func (a *gemini) Type() Type      { return TypeGemini }
func (a *gemini) BaseURL() string { return a.baseURL }
func (a *gemini) APIKey() string  { return a.apiKey }

type geminiBody struct {
	ResponseID    string `json:"responseId"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (a *gemini) ParseUsage(body []byte, stream bool) (Usage, error) {
	if !stream {
		var parsed geminiBody
		if err := json.Unmarshal(body, &parsed); err != nil {
			return Usage{}, fmt.Errorf("%w: gemini response: %v", ErrUnparseableBody, err)
		}
		return usageFromGemini(parsed), nil
	}

	var u Usage
	parsedFrames := 0
	total := scanSSE(body, func(data []byte) {
		var chunk geminiBody
		if err := json.Unmarshal(data, &chunk); err != nil {
			slog.Warn("skipping malformed stream frame", "provider", TypeGemini, "error", err)
			return
		}
		parsedFrames++
		if chunk.ResponseID != "" {
			u.ProviderRequestID = chunk.ResponseID
		}
		if chunk.UsageMetadata != nil {
			// Cumulative counts: overwrite with the latest values.
			u.PromptUnits = chunk.UsageMetadata.PromptTokenCount
			u.CompletionUnits = chunk.UsageMetadata.CandidatesTokenCount
			u.TotalUnits = chunk.UsageMetadata.TotalTokenCount
		}
	})
	if total > 0 && parsedFrames == 0 {
		return Usage{}, fmt.Errorf("%w: gemini stream: all %d frames malformed", ErrUnparseableBody, total)
	}
	if total == 0 {
		return Usage{}, fmt.Errorf("%w: gemini stream: no data frames", ErrUnparseableBody)
	}
	if u.TotalUnits == 0 {
		u.TotalUnits = u.PromptUnits + u.CompletionUnits
	}
	return u, nil
}

func usageFromGemini(b geminiBody) Usage {
	u := Usage{ProviderRequestID: b.ResponseID}
	if b.UsageMetadata != nil {
		u.PromptUnits = b.UsageMetadata.PromptTokenCount
		u.CompletionUnits = b.UsageMetadata.CandidatesTokenCount
		u.TotalUnits = b.UsageMetadata.TotalTokenCount
	}
	if u.TotalUnits == 0 {
		u.TotalUnits = u.PromptUnits + u.CompletionUnits
	}
	return u
}
