package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"argus/anomaly"
	"argus/core"

	"go.uber.org/zap"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// IncidentStore is the sink for correlated incidents and anomaly
// findings returned from the engines.
type IncidentStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewIncidentStore creates an incident store over an opened database.
func NewIncidentStore(s *SQLite, logger *zap.SugaredLogger) *IncidentStore {
	return &IncidentStore{db: s.DB, logger: logger}
}

// SaveIncident persists one correlated incident. The triggering events
// are stored as a JSON document alongside the indexed columns.
func (is *IncidentStore) SaveIncident(ctx context.Context, incident *core.CorrelatedIncident) error {
	events, err := json.Marshal(incident.TriggeringEvents)
	if err != nil {
		return fmt.Errorf("failed to encode triggering events: %w", err)
	}

	_, err = is.db.ExecContext(ctx, `
		INSERT INTO incidents
			(incident_id, rule_id, rule_name, correlation_key, severity, events, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, incident.IncidentID, incident.RuleID, incident.RuleName, incident.CorrelationKey,
		string(incident.Severity), string(events), incident.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to save incident %s: %w", incident.IncidentID, err)
	}
	return nil
}

// ListIncidents returns incidents newest first.
func (is *IncidentStore) ListIncidents(ctx context.Context, limit, offset int) ([]*core.CorrelatedIncident, error) {
	limit = clampLimit(limit)
	rows, err := is.db.QueryContext(ctx, `
		SELECT incident_id, rule_id, rule_name, correlation_key, severity, events, detected_at
		FROM incidents ORDER BY detected_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*core.CorrelatedIncident
	for rows.Next() {
		var (
			incident core.CorrelatedIncident
			severity string
			events   string
		)
		if err := rows.Scan(&incident.IncidentID, &incident.RuleID, &incident.RuleName,
			&incident.CorrelationKey, &severity, &events, &incident.DetectedAt); err != nil {
			return nil, err
		}
		incident.Severity = core.Severity(severity)
		if err := json.Unmarshal([]byte(events), &incident.TriggeringEvents); err != nil {
			return nil, fmt.Errorf("failed to decode events for incident %s: %w", incident.IncidentID, err)
		}
		incidents = append(incidents, &incident)
	}
	return incidents, rows.Err()
}

// SaveFinding persists one anomaly finding.
func (is *IncidentStore) SaveFinding(ctx context.Context, finding *anomaly.Finding) error {
	_, err := is.db.ExecContext(ctx, `
		INSERT INTO anomaly_findings
			(finding_id, baseline_key, entity, metric, observed_value, baseline_mean,
			 baseline_stddev, deviation_score, severity, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, finding.FindingID, finding.Key, finding.Entity, finding.Metric, finding.ObservedValue,
		finding.BaselineMean, finding.BaselineStdDev, finding.Score,
		string(finding.Severity), finding.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to save finding %s: %w", finding.FindingID, err)
	}
	return nil
}

// ListFindings returns anomaly findings newest first.
func (is *IncidentStore) ListFindings(ctx context.Context, limit, offset int) ([]*anomaly.Finding, error) {
	limit = clampLimit(limit)
	rows, err := is.db.QueryContext(ctx, `
		SELECT finding_id, baseline_key, entity, metric, observed_value, baseline_mean,
		       baseline_stddev, deviation_score, severity, detected_at
		FROM anomaly_findings ORDER BY detected_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []*anomaly.Finding
	for rows.Next() {
		var (
			finding  anomaly.Finding
			severity string
		)
		if err := rows.Scan(&finding.FindingID, &finding.Key, &finding.Entity, &finding.Metric,
			&finding.ObservedValue, &finding.BaselineMean, &finding.BaselineStdDev,
			&finding.Score, &severity, &finding.DetectedAt); err != nil {
			return nil, err
		}
		finding.Severity = core.Severity(severity)
		findings = append(findings, &finding)
	}
	return findings, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
