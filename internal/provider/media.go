package provider

import (
	"encoding/json"
	"fmt"
)

// media handles audio/video and generic resource upstreams. These respond
// with a single JSON object whose usage block reports seconds (media) or
// opaque units (resource); they never stream SSE.
type media struct {
	typ     Type
	baseURL string
	apiKey  string
}

func newMedia(typ Type, baseURL, apiKey string) *media {
	return &media{typ: typ, baseURL: baseURL, apiKey: apiKey}
}

func (a *media) Type() Type      { return a.typ }
func (a *media) BaseURL() string { return a.baseURL }
func (a *media) APIKey() string  { return a.apiKey }

type mediaBody struct {
	ID    string `json:"id"`
	Usage *struct {
		Seconds int64 `json:"seconds"`
		Units   int64 `json:"units"`
	} `json:"usage"`
	// Some audio upstreams report duration at the top level.
	DurationSeconds float64 `json:"duration"`
}

func (a *media) ParseUsage(body []byte, stream bool) (Usage, error) {
	var parsed mediaBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Usage{}, fmt.Errorf("%w: %s response: %v", ErrUnparseableBody, a.typ, err)
	}

	u := Usage{ProviderRequestID: parsed.ID}
	switch {
	case parsed.Usage != nil && parsed.Usage.Units > 0:
		u.TotalUnits = parsed.Usage.Units
	case parsed.Usage != nil && parsed.Usage.Seconds > 0:
		u.TotalUnits = parsed.Usage.Seconds
	case parsed.DurationSeconds > 0:
		// Round up: partial seconds are billed as whole seconds.
		u.TotalUnits = int64(parsed.DurationSeconds)
		if parsed.DurationSeconds > float64(u.TotalUnits) {
			u.TotalUnits++
		}
	}
	return u, nil
}
