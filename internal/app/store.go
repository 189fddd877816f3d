package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Validation errors returned before any row is touched.
var (
	ErrNameRequired    = errors.New("name is required")
	ErrMarkupTooLow    = errors.New("markup must be at least 1.0")
	ErrShareOutOfRange = errors.New("referral_share must be within [0, 1]")
)

// Store provides database operations for apps and their API keys.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an app store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const appColumns = `id, name, markup, referral_app_id, referral_share,
	free_tier_cap, rate_limit, created_at`

func scanApp(row pgx.Row) (*App, error) {
	a := &App{}
	var referral *string
	err := row.Scan(&a.ID, &a.Name, &a.Markup, &referral, &a.ReferralShare,
		&a.FreeTierCap, &a.RateLimit, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if referral != nil {
		a.ReferralAppID = *referral
	}
	return a, nil
}

// Create validates and inserts a new app. A markup below 1.0 would sell
// usage under provider cost, so it is rejected here rather than discovered
// at charge time.
func (s *Store) Create(ctx context.Context, in CreateAppInput) (*App, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, ErrNameRequired
	}
	if in.Markup.LessThan(decimal.NewFromInt(1)) {
		return nil, ErrMarkupTooLow
	}
	if in.ReferralShare.IsNegative() || in.ReferralShare.GreaterThan(decimal.NewFromInt(1)) {
		return nil, ErrShareOutOfRange
	}

	var referral *string
	if in.ReferralAppID != "" {
		referral = &in.ReferralAppID
	}

	query := fmt.Sprintf(`INSERT INTO apps
		(name, markup, referral_app_id, referral_share, free_tier_cap, rate_limit)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING %s`, appColumns)
	return scanApp(s.pool.QueryRow(ctx, query,
		in.Name, in.Markup, referral, in.ReferralShare, in.FreeTierCap, in.RateLimit))
}

// GetByID retrieves an app by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*App, error) {
	query := fmt.Sprintf(`SELECT %s FROM apps WHERE id = $1`, appColumns)
	a, err := scanApp(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("getting app by id: %w", err)
	}
	return a, nil
}

// List returns a page of apps ordered by created_at DESC, id DESC using
// cursor-based pagination.
func (s *Store) List(ctx context.Context, params AppListParams) ([]*App, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error
	if params.Cursor != "" {
		cursorTime, cursorID, cerr := decodeCursor(params.Cursor)
		if cerr != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", cerr)
		}
		rows, err = s.pool.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM apps
			 WHERE (created_at, id) < ($1, $2)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $3`, appColumns),
			cursorTime, cursorID, limit+1)
	} else {
		rows, err = s.pool.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM apps
			 ORDER BY created_at DESC, id DESC
			 LIMIT $1`, appColumns),
			limit+1)
	}
	if err != nil {
		return nil, "", fmt.Errorf("listing apps: %w", err)
	}
	defer rows.Close()

	var apps []*App
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning app row: %w", err)
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating app rows: %w", err)
	}

	var nextCursor string
	if len(apps) > limit {
		last := apps[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		apps = apps[:limit]
	}
	return apps, nextCursor, nil
}

// Update performs a partial update and returns the updated record.
func (s *Store) Update(ctx context.Context, id string, in UpdateAppInput) (*App, error) {
	if in.Markup != nil && in.Markup.LessThan(decimal.NewFromInt(1)) {
		return nil, ErrMarkupTooLow
	}
	if in.ReferralShare != nil && (in.ReferralShare.IsNegative() || in.ReferralShare.GreaterThan(decimal.NewFromInt(1))) {
		return nil, ErrShareOutOfRange
	}

	var setClauses []string
	var args []any
	argIdx := 1

	if in.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *in.Name)
		argIdx++
	}
	if in.Markup != nil {
		setClauses = append(setClauses, fmt.Sprintf("markup = $%d", argIdx))
		args = append(args, *in.Markup)
		argIdx++
	}
	if in.ReferralShare != nil {
		setClauses = append(setClauses, fmt.Sprintf("referral_share = $%d", argIdx))
		args = append(args, *in.ReferralShare)
		argIdx++
	}
	if in.FreeTierCap != nil {
		setClauses = append(setClauses, fmt.Sprintf("free_tier_cap = $%d", argIdx))
		args = append(args, *in.FreeTierCap)
		argIdx++
	}
	if in.RateLimit != nil {
		setClauses = append(setClauses, fmt.Sprintf("rate_limit = $%d", argIdx))
		args = append(args, *in.RateLimit)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE apps SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(setClauses, ", "), argIdx, appColumns)

	a, err := scanApp(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("updating app: %w", err)
	}
	return a, nil
}

// Delete removes an app by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM apps WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting app: %w", err)
	}
	return nil
}

// CreateKey inserts an API key row for a user of an app.
func (s *Store) CreateKey(ctx context.Context, in CreateKeyInput) (*APIKey, error) {
	k := &APIKey{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO api_keys (app_id, user_id, key_hash, key_prefix)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, app_id, user_id, key_hash, key_prefix, created_at`,
		in.AppID, in.UserID, in.KeyHash, in.KeyPrefix,
	).Scan(&k.ID, &k.AppID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &k.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating api key: %w", err)
	}
	return k, nil
}

// DeleteKey revokes an API key by id.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetByKeyHash resolves an API key hash to its key row and owning app in
// one query. Used on every authenticated request.
func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*APIKey, *App, error) {
	k := &APIKey{}
	a := &App{}
	var referral *string
	err := s.pool.QueryRow(ctx,
		`SELECT k.id, k.app_id, k.user_id, k.key_hash, k.key_prefix, k.created_at,
		        a.id, a.name, a.markup, a.referral_app_id, a.referral_share,
		        a.free_tier_cap, a.rate_limit, a.created_at
		 FROM api_keys k
		 JOIN apps a ON a.id = k.app_id
		 WHERE k.key_hash = $1`,
		hash,
	).Scan(&k.ID, &k.AppID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &k.CreatedAt,
		&a.ID, &a.Name, &a.Markup, &referral, &a.ReferralShare,
		&a.FreeTierCap, &a.RateLimit, &a.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("getting api key by hash: %w", err)
	}
	if referral != nil {
		a.ReferralAppID = *referral
	}
	return k, a, nil
}

// encodeCursor produces a base64 string from a created_at timestamp and id.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64 cursor back into its created_at and id parts.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}
	return t, parts[1], nil
}
