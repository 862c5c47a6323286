package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/tierroute/tierroute/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS routed_requests (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id    TEXT    NOT NULL,
	user_id       TEXT    NOT NULL DEFAULT '',
	tier          TEXT    NOT NULL DEFAULT '',
	model         TEXT    NOT NULL DEFAULT '',
	provider      TEXT    NOT NULL DEFAULT '',
	tokens_est    INTEGER NOT NULL DEFAULT 0,
	classifier_ms REAL    NOT NULL DEFAULT 0,
	llm_ms        REAL    NOT NULL DEFAULT 0,
	latency_ms    REAL    NOT NULL DEFAULT 0,
	cost_est_usd  REAL    NOT NULL DEFAULT 0,
	reason        TEXT    NOT NULL DEFAULT '',
	status        TEXT    NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routed_requests_user ON routed_requests(user_id);
CREATE INDEX IF NOT EXISTS idx_routed_requests_created ON routed_requests(created_at);
`

const eventColumns = `request_id, user_id, tier, model, provider, tokens_est,
	classifier_ms, llm_ms, latency_ms, cost_est_usd, reason, status, created_at`

// SQLiteStore persists the ledger in a SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	// One writer connection keeps pragmas applied and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("SQLite ledger configured")
	return s, nil
}

// Migrate applies the schema. It is idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, ev models.RouteEvent) error {
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routed_requests (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID, ev.UserID, string(ev.Tier), ev.Model, ev.Provider, ev.TokensEst,
		ev.ClassifierMs, ev.LLMMs, ev.LatencyMs, ev.CostEstUSD, string(ev.Reason), ev.Status,
		created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record event %s: %w", ev.RequestID, err)
	}
	return nil
}

// Recent implements Store.
func (s *SQLiteStore) Recent(ctx context.Context, filter RecentFilter) ([]models.RouteEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Tier != "" {
		where = append(where, "tier = ?")
		args = append(args, string(filter.Tier))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}

	q := `SELECT ` + eventColumns + ` FROM routed_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, filter.NormalizedLimit())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var out []models.RouteEvent
	for rows.Next() {
		ev, _, err := scanEvent(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEvent reads one eventColumns row, optionally preceded by the row id.
func scanEvent(row rowScanner, withID bool) (models.RouteEvent, int64, error) {
	var (
		ev      models.RouteEvent
		id      int64
		tier    string
		reason  string
		created int64
	)
	dest := []interface{}{&ev.RequestID, &ev.UserID, &tier, &ev.Model, &ev.Provider, &ev.TokensEst,
		&ev.ClassifierMs, &ev.LLMMs, &ev.LatencyMs, &ev.CostEstUSD, &reason, &ev.Status, &created}
	if withID {
		dest = append([]interface{}{&id}, dest...)
	}
	if err := row.Scan(dest...); err != nil {
		return ev, 0, fmt.Errorf("scan event: %w", err)
	}
	ev.Service = "router"
	ev.Event = "routed_request"
	ev.Tier = models.Tier(tier)
	ev.Reason = models.Reason(reason)
	ev.CreatedAt = time.UnixMilli(created).UTC()
	return ev, id, nil
}

// Prune implements Pruner. The batch is selected, archived and deleted in
// one transaction so rows are never removed without being archived.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time, limit int, archive ArchiveFunc) (int, error) {
	if limit <= 0 {
		limit = MaxRecentLimit
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, `+eventColumns+` FROM routed_requests
		 WHERE created_at < ? ORDER BY id ASC LIMIT ?`,
		cutoff.UnixMilli(), limit)
	if err != nil {
		return 0, fmt.Errorf("query expired events: %w", err)
	}
	var (
		batch []models.RouteEvent
		maxID int64
	)
	for rows.Next() {
		ev, id, err := scanEvent(rows, true)
		if err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, ev)
		maxID = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("query expired events: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if archive != nil {
		if err := archive(ctx, batch); err != nil {
			return 0, err
		}
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM routed_requests WHERE created_at < ? AND id <= ?`,
		cutoff.UnixMilli(), maxID)
	if err != nil {
		return 0, fmt.Errorf("delete expired events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Summary implements Store.
func (s *SQLiteStore) Summary(ctx context.Context) (models.CostSummary, error) {
	sum := models.NewCostSummary()

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status != 'ok' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'ok' THEN cost_est_usd ELSE 0.0 END), 0.0)
		FROM routed_requests`).Scan(&sum.Requests, &sum.Failures, &sum.TotalCostUSD)
	if err != nil {
		return sum, fmt.Errorf("summarize ledger: %w", err)
	}

	groups := []struct {
		column string
		into   map[string]float64
	}{
		{"model", sum.ByModel},
		{"tier", sum.ByTier},
		{"user_id", sum.ByUser},
	}
	for _, g := range groups {
		if err := s.sumBy(ctx, g.column, g.into); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// sumBy fills into with successful cost grouped by column. column is
// always one of a fixed set of identifiers.
func (s *SQLiteStore) sumBy(ctx context.Context, column string, into map[string]float64) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, SUM(cost_est_usd) FROM routed_requests
		 WHERE status = 'ok' AND `+column+` != '' GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("summarize by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key  string
			cost float64
		)
		if err := rows.Scan(&key, &cost); err != nil {
			return fmt.Errorf("scan %s summary: %w", column, err)
		}
		into[key] = cost
	}
	return rows.Err()
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Name identifies the store as an event sink.
func (s *SQLiteStore) Name() string { return "ledger-sqlite" }

// Emit records ev; it lets the store act as an event sink.
func (s *SQLiteStore) Emit(ctx context.Context, ev models.RouteEvent) error {
	return s.Record(ctx, ev)
}
