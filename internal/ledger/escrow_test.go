package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

type fakeBalances struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	err      error
}

func (f *fakeBalances) CheckBalance(_ context.Context, sub Subject) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.balances[sub.Key()], nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var subject = Subject{UserID: "u1", AppID: "a1"}

func newTestEscrow(balance string) *Escrow {
	return NewEscrow(&fakeBalances{
		balances: map[string]decimal.Decimal{subject.Key(): dec(balance)},
	})
}

func TestEscrow_ReserveAndRelease(t *testing.T) {
	e := newTestEscrow("10.00")
	ctx := context.Background()

	if err := e.Reserve(ctx, subject, "r1", dec("6.00")); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if got := e.InFlight(subject); got != 1 {
		t.Fatalf("InFlight = %d, want 1", got)
	}
	if !e.Reserved(subject).Equal(dec("6.00")) {
		t.Fatalf("Reserved = %s, want 6.00", e.Reserved(subject))
	}

	e.Release(subject, "r1")
	if got := e.InFlight(subject); got != 0 {
		t.Fatalf("InFlight after release = %d, want 0", got)
	}
	if !e.Reserved(subject).IsZero() {
		t.Fatalf("Reserved after release = %s, want 0", e.Reserved(subject))
	}
}

// Two concurrent quotes that individually fit but jointly exceed the balance
// must not both be admitted.
func TestEscrow_ConcurrentQuotesCannotOverspend(t *testing.T) {
	e := newTestEscrow("10.00")
	ctx := context.Background()

	if err := e.Reserve(ctx, subject, "r1", dec("6.00")); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	err := e.Reserve(ctx, subject, "r2", dec("6.00"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("second reserve err = %v, want ErrInsufficientBalance", err)
	}

	// A smaller request that still fits is admitted.
	if err := e.Reserve(ctx, subject, "r3", dec("4.00")); err != nil {
		t.Fatalf("third reserve: %v", err)
	}
}

func TestEscrow_ReleaseIsIdempotent(t *testing.T) {
	e := newTestEscrow("10.00")
	ctx := context.Background()

	if err := e.Reserve(ctx, subject, "r1", dec("3.00")); err != nil {
		t.Fatal(err)
	}
	if err := e.Reserve(ctx, subject, "r2", dec("3.00")); err != nil {
		t.Fatal(err)
	}

	e.Release(subject, "r1")
	e.Release(subject, "r1") // double release must not free r2's reservation
	if !e.Reserved(subject).Equal(dec("3.00")) {
		t.Fatalf("Reserved = %s, want 3.00", e.Reserved(subject))
	}
	e.Release(subject, "unknown") // unknown id is a no-op
	if got := e.InFlight(subject); got != 1 {
		t.Fatalf("InFlight = %d, want 1", got)
	}
}

func TestEscrow_DuplicateReservationRejected(t *testing.T) {
	e := newTestEscrow("10.00")
	ctx := context.Background()

	if err := e.Reserve(ctx, subject, "r1", dec("1.00")); err != nil {
		t.Fatal(err)
	}
	if err := e.Reserve(ctx, subject, "r1", dec("1.00")); err == nil {
		t.Fatal("expected error for duplicate request id")
	}
}

// The balance snapshot is destroyed when the last reservation releases, so a
// later request sees the current balance rather than a stale snapshot.
func TestEscrow_FreshSnapshotAfterDrain(t *testing.T) {
	fb := &fakeBalances{balances: map[string]decimal.Decimal{subject.Key(): dec("10.00")}}
	e := NewEscrow(fb)
	ctx := context.Background()

	if err := e.Reserve(ctx, subject, "r1", dec("10.00")); err != nil {
		t.Fatal(err)
	}
	e.Release(subject, "r1")

	// Commit happened elsewhere; balance shrank.
	fb.mu.Lock()
	fb.balances[subject.Key()] = dec("2.00")
	fb.mu.Unlock()

	if err := e.Reserve(ctx, subject, "r2", dec("5.00")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance against fresh balance", err)
	}
	if err := e.Reserve(ctx, subject, "r3", dec("2.00")); err != nil {
		t.Fatalf("reserve within fresh balance: %v", err)
	}
}

// Reservation symmetry under concurrency: after every admitted reservation
// is released, the in-flight count is zero and total admitted reservations
// never exceeded the balance.
func TestEscrow_ConcurrentStress(t *testing.T) {
	e := newTestEscrow("100.00")
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	admitted := make(chan string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("req-%d", i)
			if err := e.Reserve(ctx, subject, id, dec("7.00")); err == nil {
				admitted <- id
			}
		}(i)
	}
	wg.Wait()
	close(admitted)

	var ids []string
	for id := range admitted {
		ids = append(ids, id)
	}
	// 14 * 7.00 = 98.00 fits, 15 would be 105.00.
	if len(ids) > 14 {
		t.Fatalf("admitted %d reservations, max affordable is 14", len(ids))
	}

	for _, id := range ids {
		e.Release(subject, id)
	}
	if got := e.InFlight(subject); got != 0 {
		t.Fatalf("InFlight after full release = %d, want 0", got)
	}
}

func TestEscrow_BalanceCheckErrorPropagates(t *testing.T) {
	fb := &fakeBalances{err: errors.New("db down")}
	e := NewEscrow(fb)
	if err := e.Reserve(context.Background(), subject, "r1", dec("1")); err == nil {
		t.Fatal("expected error when balance check fails")
	}
}
