package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/dreamware/servelane/internal/region"
)

// Session settings applied transaction-locally before each invocation.
const (
	settingAppVersion = "app.app_version"
	settingAppName    = "app.app_name"
	settingAPIVersion = "app.api_version"
)

// PostgresBackend invokes operations as Postgres functions taking a single
// jsonb argument. Session context is applied with set_config(..., true)
// inside the invocation's own transaction, so nothing leaks between pooled
// connections.
type PostgresBackend struct {
	db     *sql.DB
	region region.ID
}

// OpenPostgres opens a connection pool for one region.
func OpenPostgres(id region.ID, dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres for %s: %w", id, err)
	}
	return NewPostgresBackend(id, db), nil
}

// NewPostgresBackend wraps an existing pool.
func NewPostgresBackend(id region.ID, db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db, region: id}
}

// Invoke runs SELECT op($1::jsonb) in a transaction and returns the result as
// JSON. SQL NULL maps to JSON null.
func (b *PostgresBackend) Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
	if !ValidOperation(op) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, b.classify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if sc, ok := SessionFrom(ctx); ok {
		settings := [][2]string{
			{settingAppVersion, sc.AppVersion},
			{settingAppName, sc.AppName},
			{settingAPIVersion, sc.APIVersion},
		}
		for _, s := range settings {
			if _, err := tx.ExecContext(ctx, "SELECT set_config($1, $2, true)", s[0], s[1]); err != nil {
				return nil, b.classify(op, err)
			}
		}
	}

	query := fmt.Sprintf("SELECT %s($1::jsonb)::text", pq.QuoteIdentifier(op))
	var result sql.NullString
	if err := tx.QueryRowContext(ctx, query, string(payload)).Scan(&result); err != nil {
		return nil, b.classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, b.classify(op, err)
	}

	if !result.Valid {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(result.String), nil
}

// SetSessionContext invokes SetContextOperation with sc.
func (b *PostgresBackend) SetSessionContext(ctx context.Context, sc SessionContext) error {
	payload, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	_, err = b.Invoke(ctx, SetContextOperation, payload)
	return err
}

// Close closes the connection pool.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

// classify turns server-reported errors into *RemoteError and everything else
// into ErrUnreachable.
func (b *PostgresBackend) classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return &RemoteError{
			Operation: op,
			Region:    b.region,
			Code:      string(pqErr.Code),
			Message:   pqErr.Message,
			Status:    500,
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, b.region, err)
}
