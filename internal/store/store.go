// Package store persists the gateway's own records: the fanout audit log,
// per-call API metrics and the client region registry.
//
// Two dialects are supported over database/sql. SQLite (modernc.org/sqlite,
// no cgo) is the default for single-node deployments; Postgres (lib/pq) is
// used when the gateway shares a database with other replicas. Queries are
// written once with "?" placeholders and rebound per dialect.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/dreamware/servelane/internal/fanout"
	"github.com/dreamware/servelane/internal/telemetry"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Dialect selects SQL flavor differences.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Default and maximum page sizes for ListFanoutLogs.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS fanout_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	source_region TEXT NOT NULL,
	target_regions TEXT NOT NULL,
	payload_size INTEGER NOT NULL,
	delivery_status TEXT,
	created_at_ms INTEGER NOT NULL,
	completed_at_ms INTEGER
);

CREATE TABLE IF NOT EXISTS api_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	region TEXT NOT NULL,
	api_version TEXT NOT NULL,
	app_name TEXT NOT NULL,
	app_version TEXT NOT NULL,
	success INTEGER NOT NULL,
	fallback INTEGER NOT NULL,
	cached INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error_code TEXT,
	error_message TEXT,
	recorded_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_api_metrics_operation ON api_metrics(operation, recorded_at_ms);

CREATE TABLE IF NOT EXISTS client_regions (
	client_id TEXT PRIMARY KEY,
	app_name TEXT NOT NULL,
	app_version TEXT NOT NULL,
	region TEXT NOT NULL,
	api_version TEXT NOT NULL,
	last_seen_ms INTEGER NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS fanout_logs (
	id BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	source_region TEXT NOT NULL,
	target_regions TEXT NOT NULL,
	payload_size INTEGER NOT NULL,
	delivery_status TEXT,
	created_at_ms BIGINT NOT NULL,
	completed_at_ms BIGINT
);

CREATE TABLE IF NOT EXISTS api_metrics (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	region TEXT NOT NULL,
	api_version TEXT NOT NULL,
	app_name TEXT NOT NULL,
	app_version TEXT NOT NULL,
	success SMALLINT NOT NULL,
	fallback SMALLINT NOT NULL,
	cached SMALLINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	error_code TEXT,
	error_message TEXT,
	recorded_at_ms BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_api_metrics_operation ON api_metrics(operation, recorded_at_ms);

CREATE TABLE IF NOT EXISTS client_regions (
	client_id TEXT PRIMARY KEY,
	app_name TEXT NOT NULL,
	app_version TEXT NOT NULL,
	region TEXT NOT NULL,
	api_version TEXT NOT NULL,
	last_seen_ms BIGINT NOT NULL
);
`

// Store implements fanout.LogStore, telemetry.MetricsSink and
// telemetry.ClientStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var (
	_ fanout.LogStore       = (*Store)(nil)
	_ telemetry.MetricsSink = (*Store)(nil)
	_ telemetry.ClientStore = (*Store)(nil)
)

// Open connects with the named driver ("sqlite" or "postgres") and applies
// the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	dialect := Dialect(driver)
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case SQLite:
		db, err = openSQLite(dsn)
	case Postgres:
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// New wraps an open database. The schema is not applied.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == Postgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate %s schema: %w", s.dialect, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites "?" placeholders to "$n" for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// CreateFanoutLog inserts rec and returns its id.
func (s *Store) CreateFanoutLog(ctx context.Context, rec fanout.LogRecord) (int64, error) {
	targets, err := json.Marshal(nonNil(rec.TargetRegions))
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.rebind(`
INSERT INTO fanout_logs (event_type, source_region, target_regions, payload_size, created_at_ms)
VALUES (?, ?, ?, ?, ?)
RETURNING id`),
		rec.EventType, rec.SourceRegion, string(targets), rec.PayloadSize, rec.CreatedAt.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert fanout log: %w", err)
	}
	return id, nil
}

// CompleteFanoutLog records the per-region outcome of fanout id.
func (s *Store) CompleteFanoutLog(ctx context.Context, id int64, status map[string]fanout.DeliveryStatus, completedAt time.Time) error {
	if status == nil {
		status = map[string]fanout.DeliveryStatus{}
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE fanout_logs SET delivery_status = ?, completed_at_ms = ? WHERE id = ?`),
		string(raw), completedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("complete fanout log %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("fanout log %d: %w", id, ErrNotFound)
	}
	return nil
}

const fanoutColumns = `id, event_type, source_region, target_regions, payload_size, delivery_status, created_at_ms, completed_at_ms`

// GetFanoutLog returns one record.
func (s *Store) GetFanoutLog(ctx context.Context, id int64) (fanout.LogRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+fanoutColumns+` FROM fanout_logs WHERE id = ?`), id)
	rec, err := scanFanoutLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fanout.LogRecord{}, fmt.Errorf("fanout log %d: %w", id, ErrNotFound)
	}
	return rec, err
}

// ListFanoutLogs returns the most recent records, newest first. limit is
// clamped to [1, MaxListLimit]; non-positive means DefaultListLimit.
func (s *Store) ListFanoutLogs(ctx context.Context, limit int) ([]fanout.LogRecord, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+fanoutColumns+` FROM fanout_logs ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list fanout logs: %w", err)
	}
	defer rows.Close()

	out := make([]fanout.LogRecord, 0, limit)
	for rows.Next() {
		rec, err := scanFanoutLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFanoutLog(sc scanner) (fanout.LogRecord, error) {
	var (
		rec         fanout.LogRecord
		targets     string
		status      sql.NullString
		createdMS   int64
		completedMS sql.NullInt64
	)
	if err := sc.Scan(&rec.ID, &rec.EventType, &rec.SourceRegion, &targets, &rec.PayloadSize, &status, &createdMS, &completedMS); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(targets), &rec.TargetRegions); err != nil {
		return rec, fmt.Errorf("fanout log %d targets: %w", rec.ID, err)
	}
	if status.Valid && status.String != "" {
		if err := json.Unmarshal([]byte(status.String), &rec.DeliveryStatus); err != nil {
			return rec, fmt.Errorf("fanout log %d status: %w", rec.ID, err)
		}
	}
	rec.CreatedAt = time.UnixMilli(createdMS).UTC()
	if completedMS.Valid {
		t := time.UnixMilli(completedMS.Int64).UTC()
		rec.CompletedAt = &t
	}
	return rec, nil
}

// AppendMetric inserts one call metric.
func (s *Store) AppendMetric(ctx context.Context, m telemetry.Metric) error {
	recorded := m.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO api_metrics (request_id, operation, region, api_version, app_name, app_version,
	success, fallback, cached, duration_ms, error_code, error_message, recorded_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.RequestID, m.Operation, m.Region, m.Version, m.AppName, m.AppVersion,
		boolInt(m.Success), boolInt(m.Fallback), boolInt(m.Cached), m.Duration.Milliseconds(),
		nullString(m.ErrorCode), nullString(m.ErrorMessage), recorded.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert api metric: %w", err)
	}
	return nil
}

// UpsertClient records the latest region and version seen for a client.
func (s *Store) UpsertClient(ctx context.Context, c telemetry.ClientRecord) error {
	seen := c.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO client_regions (client_id, app_name, app_version, region, api_version, last_seen_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(client_id) DO UPDATE SET
	app_name = excluded.app_name,
	app_version = excluded.app_version,
	region = excluded.region,
	api_version = excluded.api_version,
	last_seen_ms = excluded.last_seen_ms`),
		c.ClientID, c.AppName, c.AppVersion, c.Region, c.Version, seen.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert client %s: %w", c.ClientID, err)
	}
	return nil
}

// GetClient returns the registry entry for id.
func (s *Store) GetClient(ctx context.Context, id string) (telemetry.ClientRecord, error) {
	var (
		c      telemetry.ClientRecord
		seenMS int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT client_id, app_name, app_version, region, api_version, last_seen_ms
FROM client_regions WHERE client_id = ?`), id).
		Scan(&c.ClientID, &c.AppName, &c.AppVersion, &c.Region, &c.Version, &seenMS)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return c, err
	}
	c.LastSeen = time.UnixMilli(seenMS).UTC()
	return c, nil
}

// CountMetrics returns the number of stored metrics for operation, or for
// every operation when operation is empty.
func (s *Store) CountMetrics(ctx context.Context, operation string) (int, error) {
	query := `SELECT COUNT(*) FROM api_metrics`
	var args []any
	if operation != "" {
		query += ` WHERE operation = ?`
		args = append(args, operation)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
