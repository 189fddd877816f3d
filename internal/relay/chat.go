package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/peagehq/peage/internal/auth"
	"github.com/peagehq/peage/internal/catalog"
	"github.com/peagehq/peage/internal/ledger"
	"github.com/peagehq/peage/internal/resource"
)

// ModelResolver looks up catalog entries by request model name.
type ModelResolver interface {
	Resolve(ctx context.Context, name string) (*catalog.Model, error)
}

// ChatResource adapts the relay into the resource framework, which gives
// model calls both payment paths for free.
type ChatResource struct {
	models      ModelResolver
	orch        *Orchestrator
	maxBodySize int64
}

// NewChatResource creates the chat resource.
func NewChatResource(models ModelResolver, orch *Orchestrator, maxBodySize int64) *ChatResource {
	return &ChatResource{models: models, orch: orch, maxBodySize: maxBodySize}
}

// Name identifies the resource in records and challenges.
func (c *ChatResource) Name() string { return "chat" }

type chatInput struct {
	model  *catalog.Model
	body   []byte
	header http.Header
	path   string
	stream bool
}

// DecodeInput buffers the request body, validates it is JSON naming a
// known model, and resolves the catalog entry. The body is buffered here
// because the model name decides pricing before any upstream byte moves.
func (c *ChatResource) DecodeInput(r *http.Request) (any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, c.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, resource.Errorf("request body too large")
	}

	var head struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, resource.Errorf("request body is not valid JSON")
	}
	if head.Model == "" {
		return nil, resource.Errorf("missing field: model")
	}

	m, err := c.models.Resolve(r.Context(), head.Model)
	if err != nil {
		return nil, resource.Errorf(fmt.Sprintf("unknown or inactive model %q", head.Model))
	}

	return &chatInput{
		model:  m,
		body:   body,
		header: r.Header.Clone(),
		path:   strings.TrimPrefix(r.URL.Path, "/v1"),
		stream: head.Stream,
	}, nil
}

// MaxCost quotes the model's configured worst case.
func (c *ChatResource) MaxCost(input any) decimal.Decimal {
	return input.(*chatInput).model.MaxCost
}

// Execute relays the call. The caller identity, when present in ctx,
// supplies the markup and referral terms; x402 requests run without one
// and are priced at raw provider cost.
func (c *ChatResource) Execute(ctx context.Context, input any, w http.ResponseWriter) (resource.Outcome, error) {
	in := input.(*chatInput)

	req := Request{
		Model:  in.model,
		Path:   in.path,
		Header: in.header,
		Body:   in.body,
		Stream: in.stream,
		Origin: ledger.OriginX402,
	}
	if caller := auth.CallerFromContext(ctx); caller != nil {
		req.UserID = caller.UserID
		req.AppID = caller.AppID
		req.Markup = caller.Markup
		req.Referral = caller.Referral
		req.Origin = ledger.OriginAPIKey
	}

	result, err := c.orch.Execute(ctx, req, w)
	if err != nil {
		return resource.Outcome{}, err
	}

	if !result.Billed {
		// Upstream rejected the request and the rejection passed through
		// verbatim. Nothing was delivered, so there is nothing to bill and
		// no transaction to keep.
		return resource.Outcome{}, nil
	}

	return resource.Outcome{
		ActualCost:  result.Costs.Total,
		Transaction: result.Transaction,
	}, nil
}
