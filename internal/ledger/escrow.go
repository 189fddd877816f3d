package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrInsufficientBalance is returned by Reserve when admitting a request
// would let the subject's in-flight reservations exceed its balance.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// BalanceChecker reads a subject's effective spendable balance. Implemented
// by *Store; an interface so the escrow can be tested without a database.
type BalanceChecker interface {
	CheckBalance(ctx context.Context, sub Subject) (decimal.Decimal, error)
}

// Escrow bounds concurrent overspend: before a request executes, its
// worst-case cost is reserved against the subject's balance, and the running
// total of reserved cost across open requests for a subject can never exceed
// the balance that existed when the subject's reservation context opened.
//
// Reservation is a test-and-set against that running total, not a bare
// in-flight counter: two concurrent $6 quotes against a $10 balance admit
// the first and reject the second.
type Escrow struct {
	balances BalanceChecker

	mu       sync.Mutex
	subjects map[string]*reservationContext
}

// reservationContext tracks one subject's open reservations. It is created
// on the first reserve, snapshots the effective balance at that moment, and
// is destroyed when the last in-flight request completes.
type reservationContext struct {
	reserved           decimal.Decimal
	effectiveBalance   decimal.Decimal
	inFlight           map[string]decimal.Decimal // request id -> reserved amount
}

// NewEscrow creates an escrow over the given balance source.
func NewEscrow(balances BalanceChecker) *Escrow {
	return &Escrow{
		balances: balances,
		subjects: make(map[string]*reservationContext),
	}
}

// Reserve admits a request by reserving its maximum cost, or rejects it with
// ErrInsufficientBalance. The balance read happens outside the lock; the
// admission decision is a test-and-set under it.
func (e *Escrow) Reserve(ctx context.Context, sub Subject, requestID string, maxCost decimal.Decimal) error {
	if maxCost.IsNegative() {
		return fmt.Errorf("reserving %s for %s: negative max cost", maxCost, sub.Key())
	}

	balance, err := e.balances.CheckBalance(ctx, sub)
	if err != nil {
		return fmt.Errorf("checking balance for %s: %w", sub.Key(), err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rc, ok := e.subjects[sub.Key()]
	if !ok {
		rc = &reservationContext{
			effectiveBalance: balance,
			inFlight:         make(map[string]decimal.Decimal),
		}
		e.subjects[sub.Key()] = rc
	}
	if _, dup := rc.inFlight[requestID]; dup {
		return fmt.Errorf("request %s already reserved for %s", requestID, sub.Key())
	}

	if rc.reserved.Add(maxCost).GreaterThan(rc.effectiveBalance) {
		if len(rc.inFlight) == 0 {
			delete(e.subjects, sub.Key())
		}
		return ErrInsufficientBalance
	}

	rc.reserved = rc.reserved.Add(maxCost)
	rc.inFlight[requestID] = maxCost
	return nil
}

// Release returns a request's reservation. It is idempotent per request id
// and must run on every path out of an admitted request; when the last
// in-flight request for a subject releases, the reservation context is
// destroyed so the next request snapshots a fresh balance.
func (e *Escrow) Release(sub Subject, requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rc, ok := e.subjects[sub.Key()]
	if !ok {
		return
	}
	amount, ok := rc.inFlight[requestID]
	if !ok {
		return
	}
	delete(rc.inFlight, requestID)
	rc.reserved = rc.reserved.Sub(amount)
	if len(rc.inFlight) == 0 {
		delete(e.subjects, sub.Key())
	}
}

// InFlight returns the number of open reservations for a subject.
func (e *Escrow) InFlight(sub Subject) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	rc, ok := e.subjects[sub.Key()]
	if !ok {
		return 0
	}
	return len(rc.inFlight)
}

// Reserved returns the total amount currently reserved for a subject.
func (e *Escrow) Reserved(sub Subject) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	rc, ok := e.subjects[sub.Key()]
	if !ok {
		return decimal.Zero
	}
	return rc.reserved
}
