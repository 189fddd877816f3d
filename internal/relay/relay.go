package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peagehq/peage/internal/catalog"
	"github.com/peagehq/peage/internal/ledger"
	"github.com/peagehq/peage/internal/pricing"
	"github.com/peagehq/peage/internal/provider"
	"github.com/peagehq/peage/internal/reconcile"
	"github.com/peagehq/peage/internal/stream"
)

// ErrUpstreamUnreachable marks a request that never produced an upstream
// response: connect failure, DNS failure, timeout. Callers map it to 502
// or 504; nothing was billed.
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// AdapterSource resolves the configured adapter for a provider type.
type AdapterSource interface {
	Get(typ provider.Type) (provider.Adapter, error)
}

// ReconcileRecorder receives the anomalies the relay cannot act on.
type ReconcileRecorder interface {
	Record(rec reconcile.Record)
}

// MetricsRecorder is an optional interface for relay-level metrics.
type MetricsRecorder interface {
	IncRelayRequests(model, providerType string, statusCode int)
	ObserveUpstreamDuration(model string, seconds float64)
	IncActiveRequests(model string)
	DecActiveRequests(model string)
	IncUpstreamError(errorType, model string)
	IncUsageParseFailure(model string)
}

// Request carries everything the orchestrator needs to relay one model
// call: the resolved catalog entry, the sanitized-to-be inbound request,
// and the billing identity it runs under.
type Request struct {
	Model    *catalog.Model
	Path     string
	Header   http.Header
	Body     []byte
	Stream   bool
	UserID   string
	AppID    string
	Origin   ledger.Origin
	Markup   pricing.Markup
	Referral *pricing.Referral
}

// Result reports what one relayed request produced. Billed is false for
// upstream non-2xx passthroughs, where no usage exists to charge for.
type Result struct {
	StatusCode       int
	Billed           bool
	Usage            provider.Usage
	Costs            pricing.Costs
	Transaction      *ledger.Transaction
	UsageParseFailed bool
}

// Orchestrator relays model requests to their provider, captures usage
// from the response, and prices it.
type Orchestrator struct {
	adapters AdapterSource
	calc     pricing.Calculator
	recon    ReconcileRecorder
	client   *http.Client
	metrics  MetricsRecorder
}

// NewOrchestrator creates a relay orchestrator. The client timeout bounds
// the whole upstream exchange, including streamed bodies.
func NewOrchestrator(adapters AdapterSource, calc pricing.Calculator, recon ReconcileRecorder, timeout time.Duration) *Orchestrator {
	return &Orchestrator{
		adapters: adapters,
		calc:     calc,
		recon:    recon,
		client:   &http.Client{Timeout: timeout},
	}
}

// SetMetrics sets the optional metrics recorder.
func (o *Orchestrator) SetMetrics(m MetricsRecorder) {
	o.metrics = m
}

// hopHeaders are never forwarded upstream. Authorization carries the
// caller's gateway key, which must not leak to the provider; the
// content-length and encoding family would lie after the body is
// re-buffered.
var hopHeaders = map[string]bool{
	"Host":              true,
	"Authorization":     true,
	"Content-Length":    true,
	"Content-Encoding":  true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"X-Payment":         true,
}

// Execute relays one request. Response bytes are written to w as they
// arrive; the returned Result is complete only after the response body has
// been fully consumed, so for streams it reflects everything the client
// received, including partial output when the client disconnected.
func (o *Orchestrator) Execute(ctx context.Context, req Request, w http.ResponseWriter) (*Result, error) {
	adapter, err := o.adapters.Get(req.Model.Provider)
	if err != nil {
		return nil, fmt.Errorf("resolving adapter: %w", err)
	}

	if o.metrics != nil {
		o.metrics.IncActiveRequests(req.Model.Name)
		defer o.metrics.DecActiveRequests(req.Model.Name)
	}

	targetURL := strings.TrimRight(adapter.BaseURL(), "/") + req.Path
	outReq, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	for key, values := range req.Header {
		if hopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			outReq.Header.Add(key, v)
		}
	}
	outReq.Header.Set("Authorization", "Bearer "+adapter.APIKey())
	outReq.Header.Set("Content-Type", "application/json")
	outReq.Header.Set("Accept-Encoding", "gzip, deflate")

	start := time.Now()
	resp, err := o.client.Do(outReq)
	if err != nil {
		if o.metrics != nil {
			o.metrics.IncUpstreamError(classifyUpstreamError(err), req.Model.Name)
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	if o.metrics != nil {
		defer func() {
			o.metrics.ObserveUpstreamDuration(req.Model.Name, time.Since(start).Seconds())
			o.metrics.IncRelayRequests(req.Model.Name, string(req.Model.Provider), resp.StatusCode)
		}()
	}

	// Provider errors pass through verbatim: status, headers, body. The
	// caller paid for nothing and is billed for nothing.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		return &Result{StatusCode: resp.StatusCode}, nil
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	isStream := req.Stream || strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")

	var body []byte
	if isStream {
		body = o.relayStream(resp.Body, w)
	} else {
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			// Headers are gone; all that is left is to bill what arrived.
			slog.Warn("upstream body truncated", "model", req.Model.Name, "error", err)
		}
		_, _ = w.Write(body)
	}

	result := &Result{StatusCode: resp.StatusCode, Billed: true}
	usage, perr := adapter.ParseUsage(body, isStream)
	if perr != nil {
		result.UsageParseFailed = true
		usage = provider.Usage{}
		slog.Warn("usage parse failed, billing zero usage",
			"model", req.Model.Name, "provider", req.Model.Provider, "error", perr)
		if o.metrics != nil {
			o.metrics.IncUsageParseFailure(req.Model.Name)
		}
		if o.recon != nil {
			o.recon.Record(reconcile.Record{
				ID:        uuid.NewString(),
				Kind:      reconcile.KindUsageParseFailed,
				UserID:    req.UserID,
				AppID:     req.AppID,
				Detail:    fmt.Sprintf("model %s: %v", req.Model.Name, perr),
				Timestamp: time.Now().UTC(),
			})
		}
	}

	result.Usage = usage
	raw := req.Model.Price().Cost(usage.PromptUnits, usage.CompletionUnits, usage.TotalUnits)
	result.Costs = o.calc.Compute(raw, req.Markup, req.Referral)
	result.Transaction = o.buildTransaction(req, usage, result.Costs)
	return result, nil
}

// relayStream forwards the upstream body to the client chunk by chunk,
// flushing after each write, while a second branch accumulates the same
// bytes for usage parsing. A client disconnect stops forwarding but the
// capture branch is still drained, so whatever the client did receive is
// billed.
func (o *Orchestrator) relayStream(upstream io.Reader, w http.ResponseWriter) []byte {
	fo := stream.New(upstream)
	forward, capture := fo.Branches()

	captured := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(capture)
		captured <- data
	}()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := forward.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				_, _ = io.Copy(io.Discard, forward)
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			break
		}
	}
	return <-captured
}

func (o *Orchestrator) buildTransaction(req Request, usage provider.Usage, costs pricing.Costs) *ledger.Transaction {
	return &ledger.Transaction{
		ID:                uuid.NewString(),
		UserID:            req.UserID,
		AppID:             req.AppID,
		Model:             req.Model.Name,
		Provider:          string(req.Model.Provider),
		ProviderRequestID: usage.ProviderRequestID,
		InputUnits:        usage.PromptUnits,
		OutputUnits:       usage.CompletionUnits,
		TotalUnits:        usage.TotalUnits,
		ToolCost:          decimal.Zero,
		RawCost:           costs.Raw,
		TotalCost:         costs.Total,
		Status:            ledger.StatusSuccess,
		Origin:            req.Origin,
		CreatedAt:         time.Now().UTC(),
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// classifyUpstreamError categorizes an upstream HTTP client error for
// metrics and status mapping. Timeouts map to 504, the rest to 502.
func classifyUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	return "other"
}

// IsTimeout reports whether an upstream failure was a timeout, for 504
// mapping at the edge.
func IsTimeout(err error) bool {
	return classifyUpstreamError(err) == "timeout"
}
