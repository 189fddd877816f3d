package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store provides database operations for balances, credit grants, and
// transactions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetBalance returns the subject's balance. A subject with no balance row
// has a zero balance, not an error.
func (s *Store) GetBalance(ctx context.Context, sub Subject) (Balance, error) {
	var b Balance
	err := s.pool.QueryRow(ctx,
		`SELECT total_credits, total_spent, currency
		 FROM balances
		 WHERE user_id = $1 AND app_id = $2`,
		sub.UserID, sub.AppID,
	).Scan(&b.TotalCredits, &b.TotalSpent, &b.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{Currency: "usd"}, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("getting balance: %w", err)
	}
	return b, nil
}

// FreeTierRemaining returns the remaining free-tier pool for the subject and
// whether a pool applies at all.
func (s *Store) FreeTierRemaining(ctx context.Context, sub Subject) (decimal.Decimal, bool, error) {
	var spendCap, spent decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT spend_cap, spent
		 FROM free_tier_pools
		 WHERE user_id = $1 AND app_id = $2`,
		sub.UserID, sub.AppID,
	).Scan(&spendCap, &spent)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("getting free tier pool: %w", err)
	}
	remaining := spendCap.Sub(spent)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return remaining, true, nil
}

// CheckBalance returns the subject's effective spendable balance:
// min(personal available, free-tier remaining) when a free pool applies,
// otherwise the personal available balance.
func (s *Store) CheckBalance(ctx context.Context, sub Subject) (decimal.Decimal, error) {
	b, err := s.GetBalance(ctx, sub)
	if err != nil {
		return decimal.Zero, err
	}
	available := b.Available()

	freeRemaining, applies, err := s.FreeTierRemaining(ctx, sub)
	if err != nil {
		return decimal.Zero, err
	}
	if applies && freeRemaining.LessThan(available) {
		return freeRemaining, nil
	}
	return available, nil
}

// Commit atomically debits the transaction's total cost from the subject's
// balance and persists the transaction record. This is the only operation
// that durably changes a balance on the spend side. The row update is a
// single statement, so concurrent commits for the same subject serialize on
// row-level locking.
func (s *Store) Commit(ctx context.Context, t *Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning commit: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE balances
		 SET total_spent = total_spent + $3
		 WHERE user_id = $1 AND app_id = $2`,
		t.UserID, t.AppID, t.TotalCost,
	)
	if err != nil {
		return fmt.Errorf("debiting balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("debiting balance: no balance row for %s", t.Subject().Key())
	}

	_, err = tx.Exec(ctx,
		`UPDATE free_tier_pools
		 SET spent = spent + $3
		 WHERE user_id = $1 AND app_id = $2`,
		t.UserID, t.AppID, t.TotalCost,
	)
	if err != nil {
		return fmt.Errorf("debiting free tier pool: %w", err)
	}

	if err := insertTransaction(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Record persists a transaction without touching any balance. Used by the
// x402 path, where payment was already settled on-chain.
func (s *Store) Record(ctx context.Context, t *Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning record: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertTransaction(ctx, tx, t); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("recording transaction: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *Transaction) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO transactions
		 (id, user_id, app_id, model, provider, provider_request_id,
		  input_units, output_units, total_units, tool_cost, raw_cost,
		  total_cost, status, origin, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.UserID, t.AppID, t.Model, t.Provider, t.ProviderRequestID,
		t.InputUnits, t.OutputUnits, t.TotalUnits, t.ToolCost, t.RawCost,
		t.TotalCost, t.Status, t.Origin, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

// AddCreditGrant inserts a grant and credits the subject's balance in one
// database transaction. The balance row is created on first credit.
func (s *Store) AddCreditGrant(ctx context.Context, g *CreditGrant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning grant: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_grants
		 (id, user_id, app_id, amount, currency, category, source, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.ID, g.UserID, g.AppID, g.Amount, g.Currency, g.Category, g.Source,
		g.ExpiresAt, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting credit grant: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balances (user_id, app_id, total_credits, total_spent, currency)
		 VALUES ($1, $2, $3, 0, $4)
		 ON CONFLICT (user_id, app_id)
		 DO UPDATE SET total_credits = balances.total_credits + EXCLUDED.total_credits`,
		g.UserID, g.AppID, g.Amount, g.Currency,
	)
	if err != nil {
		return fmt.Errorf("crediting balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing grant: %w", err)
	}
	return nil
}

// EnsureFreeTier creates the subject's free-tier pool with the given spend
// cap if one does not exist yet. A zero or negative cap is a no-op, so apps
// without a free tier never get a pool row.
func (s *Store) EnsureFreeTier(ctx context.Context, sub Subject, spendCap decimal.Decimal) error {
	if !spendCap.IsPositive() {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO free_tier_pools (user_id, app_id, spend_cap, spent)
		 VALUES ($1, $2, $3, 0)
		 ON CONFLICT (user_id, app_id) DO NOTHING`,
		sub.UserID, sub.AppID, spendCap,
	)
	if err != nil {
		return fmt.Errorf("ensuring free tier pool: %w", err)
	}
	return nil
}

// GrantExists reports whether a grant from the given source was already
// recorded. Used to make payment webhooks idempotent.
func (s *Store) GrantExists(ctx context.Context, source string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM credit_grants WHERE source = $1)`, source,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking grant source: %w", err)
	}
	return exists, nil
}

// GetSummary returns aggregate usage matching the given query filters.
func (s *Store) GetSummary(ctx context.Context, q TransactionQuery) (*UsageSummary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(raw_cost), 0),
		COALESCE(SUM(total_cost), 0),
		COALESCE(SUM(total_units), 0)
	FROM transactions` + where

	var sum UsageSummary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&sum.TotalRequests,
		&sum.TotalRawCost,
		&sum.TotalCost,
		&sum.TotalUnits,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	return &sum, nil
}

// ListTransactions returns a page of transactions ordered by created_at
// DESC, id DESC, with cursor pagination. The returned cursor is empty when
// no more results exist.
func (s *Store) ListTransactions(ctx context.Context, q TransactionQuery) ([]*Transaction, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (created_at, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, user_id, app_id, model, provider, provider_request_id,
		input_units, output_units, total_units, tool_cost, raw_cost,
		total_cost, status, origin, created_at
	FROM transactions` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1) // one extra row decides whether a next page exists

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t := &Transaction{}
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.AppID, &t.Model, &t.Provider, &t.ProviderRequestID,
			&t.InputUnits, &t.OutputUnits, &t.TotalUnits, &t.ToolCost, &t.RawCost,
			&t.TotalCost, &t.Status, &t.Origin, &t.CreatedAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning transaction row: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating transaction rows: %w", err)
	}

	var nextCursor string
	if len(txns) > limit {
		last := txns[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		txns = txns[:limit]
	}
	return txns, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// TransactionQuery. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q TransactionQuery) (string, []any) {
	var conditions []string
	var args []any

	if q.UserID != "" {
		args = append(args, q.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if q.AppID != "" {
		args = append(args, q.AppID)
		conditions = append(conditions, fmt.Sprintf("app_id = $%d", len(args)))
	}
	if q.Origin != "" {
		args = append(args, q.Origin)
		conditions = append(conditions, fmt.Sprintf("origin = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
