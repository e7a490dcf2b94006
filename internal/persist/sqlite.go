package persist

// sqlite.go — SQLite-backed document store.
//
// Each collection is one table with an autoincrement row id, a created_at
// column and the document itself as JSON text. Queries go through
// json_extract on top-level fields; the indexes declared in the schema
// cover the access paths the rest of the system uses. Old raw data
// (ohlc_history, market_events) is pruned at startup per the configured
// retention. Transient errors (locked/busy database) are retried up to
// three times with a short backoff.

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS ohlc_history (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at DATETIME NOT NULL,
    doc        TEXT     NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ohlc_inst_ts ON ohlc_history
    (json_extract(doc,'$.instrument'), json_extract(doc,'$.start_at') DESC);
CREATE INDEX IF NOT EXISTS idx_ohlc_inst_tf_ts ON ohlc_history
    (json_extract(doc,'$.instrument'), json_extract(doc,'$.timeframe'), json_extract(doc,'$.start_at') DESC);

CREATE TABLE IF NOT EXISTS trades_executed (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at DATETIME NOT NULL,
    doc        TEXT     NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_id ON trades_executed
    (json_extract(doc,'$.trade_id'));
CREATE INDEX IF NOT EXISTS idx_trades_entry ON trades_executed
    (json_extract(doc,'$.entry_at') DESC);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades_executed
    (json_extract(doc,'$.status'));

CREATE TABLE IF NOT EXISTS agent_decisions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at DATETIME NOT NULL,
    doc        TEXT     NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_ts ON agent_decisions
    (json_extract(doc,'$.at') DESC);
CREATE INDEX IF NOT EXISTS idx_decisions_agent ON agent_decisions
    (json_extract(doc,'$.agent_name'), json_extract(doc,'$.at') DESC);
CREATE INDEX IF NOT EXISTS idx_decisions_cycle ON agent_decisions
    (json_extract(doc,'$.cycle_id'));

CREATE TABLE IF NOT EXISTS market_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at DATETIME NOT NULL,
    doc        TEXT     NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON market_events
    (json_extract(doc,'$.event_timestamp') DESC);
CREATE INDEX IF NOT EXISTS idx_events_type ON market_events
    (json_extract(doc,'$.event_type'));

CREATE TABLE IF NOT EXISTS alerts (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at DATETIME NOT NULL,
    doc        TEXT     NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts (created_at DESC);

CREATE TABLE IF NOT EXISTS strategy_parameters (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at DATETIME NOT NULL,
    doc        TEXT     NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_params_name ON strategy_parameters
    (json_extract(doc,'$.strategy_name'));
`

var collections = map[string]bool{
	CollOHLCHistory:    true,
	CollTrades:         true,
	CollAgentDecisions: true,
	CollMarketEvents:   true,
	CollAlerts:         true,
	CollStrategyParams: true,
}

const (
	maxRetries   = 3
	retryBackoff = 50 * time.Millisecond
)

// SQLiteStore implements DocStore on a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database, applies the schema and
// prunes raw data past its retention.
func NewSQLiteStore(path string, ohlcTTLDays, eventsTTLDays int, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger.With("component", "persist")}
	s.pruneOld(context.Background(), ohlcTTLDays, eventsTTLDays)
	return s, nil
}

func (s *SQLiteStore) pruneOld(ctx context.Context, ohlcTTLDays, eventsTTLDays int) {
	cutOHLC := time.Now().UTC().AddDate(0, 0, -ohlcTTLDays)
	cutEvents := time.Now().UTC().AddDate(0, 0, -eventsTTLDays)

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM ohlc_history WHERE created_at < ?`, cutOHLC); err != nil {
		s.logger.Warn("prune ohlc_history failed", "error", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM market_events WHERE created_at < ?`, cutEvents); err != nil {
		s.logger.Warn("prune market_events failed", "error", err)
	}
}

// Insert appends a document to a collection.
func (s *SQLiteStore) Insert(ctx context.Context, collection string, doc any) error {
	if !collections[collection] {
		return fmt.Errorf("unknown collection %q", collection)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal doc: %w", err)
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (created_at, doc) VALUES (?, ?)`, collection),
			time.Now().UTC(), string(raw))
		return err
	})
}

// FindOne returns the first document matching q under the given sort.
func (s *SQLiteStore) FindOne(ctx context.Context, collection string, q Query, sort *Sort) (json.RawMessage, error) {
	docs, err := s.FindMany(ctx, collection, q, sort, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// FindMany returns up to limit documents matching q. limit ≤ 0 means no limit.
func (s *SQLiteStore) FindMany(ctx context.Context, collection string, q Query, sort *Sort, limit int) ([]json.RawMessage, error) {
	if !collections[collection] {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}

	where, args := buildWhere(q)
	query := fmt.Sprintf(`SELECT doc FROM %s%s`, collection, where)
	if sort != nil {
		dir := "ASC"
		if sort.Desc {
			dir = "DESC"
		}
		query += fmt.Sprintf(` ORDER BY json_extract(doc,'$.%s') %s`, sort.Field, dir)
	} else {
		query += ` ORDER BY id ASC`
	}
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	var docs []json.RawMessage
	err := s.withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		docs = docs[:0]
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			docs = append(docs, json.RawMessage(raw))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// UpdateOne sets top-level fields on the first document matching q.
// Returns ErrNotFound if nothing matched.
func (s *SQLiteStore) UpdateOne(ctx context.Context, collection string, q Query, fields map[string]any) error {
	if !collections[collection] {
		return fmt.Errorf("unknown collection %q", collection)
	}
	if len(fields) == 0 {
		return nil
	}

	// json_set with one path/value pair per updated field.
	expr := "doc"
	var args []any
	for k, v := range fields {
		expr = fmt.Sprintf(`json_set(%s, '$.%s', json(?))`, expr, k)
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal field %q: %w", k, err)
		}
		args = append(args, string(raw))
	}

	where, whereArgs := buildWhere(q)
	query := fmt.Sprintf(
		`UPDATE %s SET doc = %s WHERE id = (SELECT id FROM %s%s ORDER BY id ASC LIMIT 1)`,
		collection, expr, collection, where)
	args = append(args, whereArgs...)

	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func buildWhere(q Query) (string, []any) {
	if len(q) == 0 {
		return "", nil
	}
	var clauses []string
	var args []any
	for k, v := range q {
		clauses = append(clauses, fmt.Sprintf(`json_extract(doc,'$.%s') = ?`, k))
		args = append(args, v)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// withRetry runs fn, retrying transient failures. ErrNotFound is terminal.
func (s *SQLiteStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = fn(); err == nil || err == ErrNotFound {
			return err
		}
		if !isTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff << attempt):
		}
	}
	return err
}

func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}
