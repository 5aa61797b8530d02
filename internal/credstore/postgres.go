package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists credential snapshots through a raw pgx pool; used
// by deployments that already manage their own pool instead of GORM.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// BuildPool creates a pgx pool with sane defaults.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, parseErr := pgxpool.ParseConfig(databaseURL)
	if parseErr != nil {
		return nil, fmt.Errorf("cred_store.pg.parse_config: %w", parseErr)
	}
	config.MinConns = 1
	config.MaxConns = 8
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	return pgxpool.NewWithConfig(ctx, config)
}

// NewPostgresStore constructs the store and ensures its schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	_, execErr := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS server_credentials (
    principal_id TEXT PRIMARY KEY,
    cookie_data BYTEA NOT NULL,
    saved_at_unix BIGINT NOT NULL
);
`)
	if execErr != nil {
		return nil, fmt.Errorf("cred_store.pg.ensure_schema: %w", execErr)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save upserts the credential snapshot for the principal.
func (store *PostgresStore) Save(ctx context.Context, principalID string, cookieData []byte) error {
	if strings.TrimSpace(principalID) == "" {
		return fmt.Errorf("cred_store.pg.save: %w", ErrEmptyPrincipalID)
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO server_credentials (principal_id, cookie_data, saved_at_unix)
VALUES ($1, $2, $3)
ON CONFLICT (principal_id)
DO UPDATE SET cookie_data = EXCLUDED.cookie_data, saved_at_unix = EXCLUDED.saved_at_unix
`, principalID, cookieData, time.Now().UTC().Unix())
	if execErr != nil {
		return fmt.Errorf("cred_store.pg.save: %w", execErr)
	}
	return nil
}

// Load returns the stored snapshot or ErrCredentialNotFound.
func (store *PostgresStore) Load(ctx context.Context, principalID string) ([]byte, error) {
	var cookieData []byte
	row := store.pool.QueryRow(ctx, `
SELECT cookie_data FROM server_credentials WHERE principal_id = $1
`, principalID)
	if scanErr := row.Scan(&cookieData); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, fmt.Errorf("cred_store.pg.load: %w", ErrCredentialNotFound)
		}
		return nil, fmt.Errorf("cred_store.pg.load: %w", scanErr)
	}
	return cookieData, nil
}

// Delete removes the snapshot; missing rows are ignored.
func (store *PostgresStore) Delete(ctx context.Context, principalID string) error {
	if _, execErr := store.pool.Exec(ctx, `
DELETE FROM server_credentials WHERE principal_id = $1
`, principalID); execErr != nil {
		return fmt.Errorf("cred_store.pg.delete: %w", execErr)
	}
	return nil
}
