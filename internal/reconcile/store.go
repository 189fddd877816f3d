package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for reconciliation records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of records to the database in a single
// multi-row INSERT statement. It is a no-op when recs is empty.
func (s *Store) BatchInsert(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	const cols = 9
	args := make([]any, 0, len(recs)*cols)
	rows := make([]string, 0, len(recs))

	for i, rec := range recs {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			rec.ID,
			rec.Kind,
			rec.UserID,
			rec.AppID,
			rec.Amount,
			rec.Asset,
			rec.PayTo,
			rec.Detail,
			rec.Timestamp,
		)
	}

	query := `INSERT INTO reconciliation_records
		(id, kind, user_id, app_id, amount, asset, pay_to, detail, timestamp)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting reconciliation records: %w", err)
	}
	return nil
}

// List returns the most recent records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, user_id, app_id, amount, asset, pay_to, detail, timestamp
		 FROM reconciliation_records
		 ORDER BY timestamp DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing reconciliation records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec := &Record{}
		if err := rows.Scan(
			&rec.ID, &rec.Kind, &rec.UserID, &rec.AppID, &rec.Amount,
			&rec.Asset, &rec.PayTo, &rec.Detail, &rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning reconciliation row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reconciliation rows: %w", err)
	}
	return recs, nil
}
