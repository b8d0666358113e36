// Package storage persists correlation rules and engine outputs in
// SQLite. The core engines never touch storage directly; the pipeline
// feeds them from here and routes their outputs back.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite wraps the database handle and owns schema migration.
type SQLite struct {
	DB     *sql.DB
	logger *zap.SugaredLogger
}

// Open opens (creating if needed) the SQLite database at path and runs
// migrations. WAL mode keeps readers unblocked by the single writer.
func Open(path string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent inserts.
	db.SetMaxOpenConns(1)

	s := &SQLite{DB: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infow("sqlite storage opened", "path", path)
	return s, nil
}

// Close closes the underlying handle.
func (s *SQLite) Close() error {
	return s.DB.Close()
}

func (s *SQLite) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS correlation_rules (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	match       TEXT NOT NULL,
	group_by    TEXT NOT NULL,
	window_secs INTEGER NOT NULL,
	threshold   INTEGER NOT NULL,
	escalation  TEXT NOT NULL,
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS incidents (
	incident_id     TEXT PRIMARY KEY,
	rule_id         TEXT NOT NULL,
	rule_name       TEXT NOT NULL DEFAULT '',
	correlation_key TEXT NOT NULL,
	severity        TEXT NOT NULL,
	events          TEXT NOT NULL,
	detected_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_detected_at ON incidents(detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_incidents_rule_id ON incidents(rule_id);

CREATE TABLE IF NOT EXISTS anomaly_findings (
	finding_id      TEXT PRIMARY KEY,
	baseline_key    TEXT NOT NULL,
	entity          TEXT NOT NULL,
	metric          TEXT NOT NULL,
	observed_value  REAL NOT NULL,
	baseline_mean   REAL NOT NULL,
	baseline_stddev REAL NOT NULL,
	deviation_score REAL NOT NULL,
	severity        TEXT NOT NULL,
	detected_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_detected_at ON anomaly_findings(detected_at DESC);
`
	if _, err := s.DB.Exec(schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
