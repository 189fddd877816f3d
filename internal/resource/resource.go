// Package resource turns any paid capability into an HTTP endpoint with two
// interchangeable payment paths: prepaid balance via API key, or per-request
// crypto payment via the X-PAYMENT header. A resource implementation only
// quotes, executes, and reports cost; everything about paying for it lives
// here.
package resource

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/peagehq/peage/internal/ledger"
)

// InputError marks a request rejected during input decoding. The handler
// maps it to 400; any other decode failure is a 500.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	return "invalid input: " + e.Reason
}

// Errorf is a convenience constructor for decode failures.
func Errorf(reason string) error {
	return &InputError{Reason: reason}
}

// Outcome reports what one execution cost. Transaction is optional: a
// resource that already knows its full billing record (the model relay
// does) supplies it; otherwise the handler synthesizes one from ActualCost.
// The zero Outcome means nothing billable was delivered, for instance an
// upstream rejection relayed to the client verbatim, and the handler
// persists nothing for it.
type Outcome struct {
	ActualCost  decimal.Decimal
	Transaction *ledger.Transaction
}

// Empty reports whether the outcome carries neither a cost nor a record.
func (o Outcome) Empty() bool {
	return o.Transaction == nil && o.ActualCost.IsZero()
}

// Resource is one paid capability. Execute writes its response directly to
// w; by the time it returns, the client has the bytes and the returned
// Outcome prices what they received.
type Resource interface {
	// Name identifies the resource in records and payment challenges.
	Name() string

	// DecodeInput parses and validates the request. Return an *InputError
	// for anything the client can fix.
	DecodeInput(r *http.Request) (any, error)

	// MaxCost quotes the worst case charge for this input. Reservations
	// and payment requirements are sized from it, so overestimating is
	// safe and underestimating lets a caller overdraw.
	MaxCost(input any) decimal.Decimal

	// Execute performs the work. An error means no value was delivered,
	// nothing has been written to w, and nothing should be charged.
	Execute(ctx context.Context, input any, w http.ResponseWriter) (Outcome, error)
}
