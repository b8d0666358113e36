package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"argus/core"

	"go.uber.org/zap"
)

// RuleStore persists correlation rules. It is the "rule/policy source"
// the engine loads its configuration from; the engine itself never
// queries it.
type RuleStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewRuleStore creates a rule store over an opened database.
func NewRuleStore(s *SQLite, logger *zap.SugaredLogger) *RuleStore {
	return &RuleStore{db: s.DB, logger: logger}
}

// SaveRule inserts or replaces a rule by ID. Rules are validated before
// they touch the database so a malformed rule can never be loaded back.
func (rs *RuleStore) SaveRule(ctx context.Context, rule *core.CorrelationRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	match, err := json.Marshal(rule.Match)
	if err != nil {
		return fmt.Errorf("failed to encode match conditions: %w", err)
	}
	groupBy, err := json.Marshal(rule.GroupBy)
	if err != nil {
		return fmt.Errorf("failed to encode group_by: %w", err)
	}

	now := time.Now().UTC()
	_, err = rs.db.ExecContext(ctx, `
		INSERT INTO correlation_rules
			(id, name, description, match, group_by, window_secs, threshold, escalation, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			match = excluded.match,
			group_by = excluded.group_by,
			window_secs = excluded.window_secs,
			threshold = excluded.threshold,
			escalation = excluded.escalation,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, rule.ID, rule.Name, rule.Description, string(match), string(groupBy),
		int64(rule.Window.Seconds()), rule.Threshold, string(rule.Escalation),
		boolToInt(rule.Enabled), now, now)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}
	return nil
}

// GetRule fetches one rule by ID. Returns ErrRuleNotFound when absent.
func (rs *RuleStore) GetRule(ctx context.Context, id string) (*core.CorrelationRule, error) {
	row := rs.db.QueryRowContext(ctx, `
		SELECT id, name, description, match, group_by, window_secs, threshold, escalation, enabled, created_at, updated_at
		FROM correlation_rules WHERE id = ?
	`, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return rule, err
}

// ListRules returns all rules, ordered by ID. With enabledOnly set, only
// rules eligible for engine registration are returned.
func (rs *RuleStore) ListRules(ctx context.Context, enabledOnly bool) ([]*core.CorrelationRule, error) {
	query := `
		SELECT id, name, description, match, group_by, window_secs, threshold, escalation, enabled, created_at, updated_at
		FROM correlation_rules
	`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY id"

	rows, err := rs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*core.CorrelationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeleteRule removes a rule by ID. Returns ErrRuleNotFound when absent.
func (rs *RuleStore) DeleteRule(ctx context.Context, id string) error {
	res, err := rs.db.ExecContext(ctx, `DELETE FROM correlation_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*core.CorrelationRule, error) {
	var (
		rule        core.CorrelationRule
		match       string
		groupBy     string
		windowSecs  int64
		escalation  string
		enabled     int
	)
	err := row.Scan(&rule.ID, &rule.Name, &rule.Description, &match, &groupBy,
		&windowSecs, &rule.Threshold, &escalation, &enabled, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(match), &rule.Match); err != nil {
		return nil, fmt.Errorf("failed to decode match conditions for rule %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(groupBy), &rule.GroupBy); err != nil {
		return nil, fmt.Errorf("failed to decode group_by for rule %s: %w", rule.ID, err)
	}
	rule.Window = time.Duration(windowSecs) * time.Second
	rule.Escalation = core.Severity(escalation)
	rule.Enabled = enabled != 0
	return &rule, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
