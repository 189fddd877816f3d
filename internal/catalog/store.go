package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peagehq/peage/internal/crypto"
)

// Store provides database operations for the model catalog and the stored
// provider credentials.
type Store struct {
	pool   *pgxpool.Pool
	cipher *crypto.Cipher
}

// NewStore creates a Store. cipher may be nil, in which case provider API
// keys are stored in plaintext.
func NewStore(pool *pgxpool.Pool, cipher *crypto.Cipher) *Store {
	return &Store{pool: pool, cipher: cipher}
}

const modelColumns = `id, name, provider, prompt_per_million,
	completion_per_million, per_unit, max_cost, active, created_at, updated_at`

func scanModel(row pgx.Row) (*Model, error) {
	var m Model
	err := row.Scan(
		&m.ID,
		&m.Name,
		&m.Provider,
		&m.PromptPerMillion,
		&m.CompletionPerMillion,
		&m.PerUnit,
		&m.MaxCost,
		&m.Active,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateModel inserts a model and returns the full row.
func (s *Store) CreateModel(ctx context.Context, input CreateModelInput) (*Model, error) {
	query := fmt.Sprintf(`INSERT INTO model_catalog
		(name, provider, prompt_per_million, completion_per_million, per_unit, max_cost)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING %s`, modelColumns)

	row := s.pool.QueryRow(ctx, query,
		input.Name,
		input.Provider,
		input.PromptPerMillion,
		input.CompletionPerMillion,
		input.PerUnit,
		input.MaxCost,
	)
	return scanModel(row)
}

// GetModelByName retrieves a model by its request name.
func (s *Store) GetModelByName(ctx context.Context, name string) (*Model, error) {
	query := fmt.Sprintf(`SELECT %s FROM model_catalog WHERE name = $1`, modelColumns)
	return scanModel(s.pool.QueryRow(ctx, query, name))
}

// ListModels returns all models, active only when activeOnly is set,
// ordered by name.
func (s *Store) ListModels(ctx context.Context, activeOnly bool) ([]*Model, error) {
	query := fmt.Sprintf(`SELECT %s FROM model_catalog`, modelColumns)
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning model: %w", err)
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating models: %w", err)
	}
	return models, nil
}

// UpdateModel applies a partial update and returns the updated row.
func (s *Store) UpdateModel(ctx context.Context, id string, input UpdateModelInput) (*Model, error) {
	setClauses := []string{}
	args := []interface{}{}
	argIdx := 1

	if input.PromptPerMillion != nil {
		setClauses = append(setClauses, fmt.Sprintf("prompt_per_million = $%d", argIdx))
		args = append(args, *input.PromptPerMillion)
		argIdx++
	}
	if input.CompletionPerMillion != nil {
		setClauses = append(setClauses, fmt.Sprintf("completion_per_million = $%d", argIdx))
		args = append(args, *input.CompletionPerMillion)
		argIdx++
	}
	if input.PerUnit != nil {
		setClauses = append(setClauses, fmt.Sprintf("per_unit = $%d", argIdx))
		args = append(args, *input.PerUnit)
		argIdx++
	}
	if input.MaxCost != nil {
		setClauses = append(setClauses, fmt.Sprintf("max_cost = $%d", argIdx))
		args = append(args, *input.MaxCost)
		argIdx++
	}
	if input.Active != nil {
		setClauses = append(setClauses, fmt.Sprintf("active = $%d", argIdx))
		args = append(args, *input.Active)
		argIdx++
	}

	if len(setClauses) == 0 {
		query := fmt.Sprintf(`SELECT %s FROM model_catalog WHERE id = $1`, modelColumns)
		return scanModel(s.pool.QueryRow(ctx, query, id))
	}

	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", argIdx))
	args = append(args, time.Now().UTC())
	argIdx++
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE model_catalog SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(setClauses, ", "), argIdx, modelColumns)
	return scanModel(s.pool.QueryRow(ctx, query, args...))
}

// DeleteModel removes a model by ID.
func (s *Store) DeleteModel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM model_catalog WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// UpsertProvider stores or replaces the credentials for a provider type.
// The API key is encrypted before it touches the database.
func (s *Store) UpsertProvider(ctx context.Context, cfg ProviderConfig) error {
	encrypted, err := s.cipher.Encrypt(cfg.APIKey)
	if err != nil {
		return fmt.Errorf("encrypting api key: %w", err)
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO providers (type, base_url, api_key, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (type) DO UPDATE SET
			base_url = EXCLUDED.base_url,
			api_key = EXCLUDED.api_key,
			updated_at = EXCLUDED.updated_at`,
		cfg.Type, cfg.BaseURL, encrypted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting provider: %w", err)
	}
	return nil
}

// ListProviders returns all stored provider credentials, decrypted.
func (s *Store) ListProviders(ctx context.Context) ([]*ProviderConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT type, base_url, api_key, updated_at FROM providers ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer rows.Close()

	var configs []*ProviderConfig
	for rows.Next() {
		var cfg ProviderConfig
		var encrypted string
		if err := rows.Scan(&cfg.Type, &cfg.BaseURL, &encrypted, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning provider: %w", err)
		}
		cfg.APIKey, err = s.cipher.Decrypt(encrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypting api key for %s: %w", cfg.Type, err)
		}
		configs = append(configs, &cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating providers: %w", err)
	}
	return configs, nil
}
