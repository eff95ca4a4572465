// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders to $N for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// SaveTransaction stores a transaction scoped to a user.
func (r *SQLRepository) SaveTransaction(ctx context.Context, userID string, tx *domain.Transaction) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, user_id, type, amount, category,
			merchant, description, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, userID, string(tx.Type), tx.Amount, tx.Category,
		tx.Merchant, tx.Description, tx.Timestamp, tx.CreatedAt,
	)
	return err
}

// GetTransaction retrieves a transaction by ID scoped to a user.
func (r *SQLRepository) GetTransaction(ctx context.Context, userID string, txID string) (*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, type, amount, category, merchant, description, timestamp, created_at
		FROM transactions
		WHERE user_id = ? AND id = ?
	`

	var tx domain.Transaction
	var txType string
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, txID).Scan(
		&tx.ID, &tx.UserID, &txType, &tx.Amount, &tx.Category,
		&tx.Merchant, &tx.Description, &tx.Timestamp, &tx.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tx.Type = domain.TransactionType(txType)

	return &tx, nil
}

// ListTransactions retrieves a user's transactions in a time window,
// ordered by timestamp ascending.
func (r *SQLRepository) ListTransactions(ctx context.Context, userID string, since, until time.Time) ([]domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, type, amount, category, merchant, description, timestamp, created_at
		FROM transactions
		WHERE user_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var txType string
		if err := rows.Scan(
			&tx.ID, &tx.UserID, &txType, &tx.Amount, &tx.Category,
			&tx.Merchant, &tx.Description, &tx.Timestamp, &tx.CreatedAt,
		); err != nil {
			return nil, err
		}
		tx.Type = domain.TransactionType(txType)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// SaveRuleConfig stores a custom rule, replacing any previous version.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, userID string, rule *domain.RuleConfig) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	bands, err := json.Marshal(rule.Bands)
	if err != nil {
		return fmt.Errorf("failed to encode bands: %w", err)
	}

	now := time.Now().UTC()
	del := `DELETE FROM rule_configs WHERE user_id = ? AND id = ?`
	if _, err := r.db.ExecContext(ctx, r.rebind(del), userID, rule.ID); err != nil {
		return err
	}

	query := `
		INSERT INTO rule_configs (
			id, user_id, name, description, expression,
			bands, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, userID, rule.Name, rule.Description, rule.Expression,
		string(bands), rule.Weight, boolToInt(rule.Enabled), now, now,
	)
	return err
}

// GetRuleConfig retrieves a custom rule by ID.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, userID string, ruleID string) (*domain.RuleConfig, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, name, description, expression, bands, weight, enabled
		FROM rule_configs
		WHERE user_id = ? AND id = ?
	`
	row := r.db.QueryRowContext(ctx, r.rebind(query), userID, ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRuleConfigs retrieves all custom rules for a user.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, userID string) ([]*domain.RuleConfig, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, name, description, expression, bands, weight, enabled
		FROM rule_configs
		WHERE user_id = ?
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RuleConfig
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*domain.RuleConfig, error) {
	var rule domain.RuleConfig
	var bands string
	var enabled int
	if err := s.Scan(
		&rule.ID, &rule.UserID, &rule.Name, &rule.Description,
		&rule.Expression, &bands, &rule.Weight, &enabled,
	); err != nil {
		return nil, err
	}
	if bands != "" {
		if err := json.Unmarshal([]byte(bands), &rule.Bands); err != nil {
			return nil, fmt.Errorf("failed to decode bands for rule %s: %w", rule.ID, err)
		}
	}
	rule.Enabled = enabled != 0
	return &rule, nil
}

// SaveReport stores a finished scoring report.
func (r *SQLRepository) SaveReport(ctx context.Context, userID string, report *domain.Report) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	scores, err := json.Marshal(report.Scores)
	if err != nil {
		return fmt.Errorf("failed to encode scores: %w", err)
	}
	quality, _ := json.Marshal(report.Quality)
	summary, _ := json.Marshal(report.Summary)
	insights, _ := json.Marshal(report.Insights)
	metadata, _ := json.Marshal(report.Metadata)

	query := `
		INSERT INTO reports (
			id, user_id, generated_at, scores, quality, summary, insights, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		report.ID, userID, report.GeneratedAt,
		string(scores), string(quality), string(summary), string(insights), string(metadata),
	)
	return err
}

// GetReport retrieves a report by ID.
func (r *SQLRepository) GetReport(ctx context.Context, userID string, reportID string) (*domain.Report, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, user_id, generated_at, scores, quality, summary, insights, metadata
		FROM reports
		WHERE user_id = ? AND id = ?
	`
	row := r.db.QueryRowContext(ctx, r.rebind(query), userID, reportID)
	report, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return report, err
}

// ListReports retrieves the most recent reports for a user.
func (r *SQLRepository) ListReports(ctx context.Context, userID string, limit int) ([]*domain.Report, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, user_id, generated_at, scores, quality, summary, insights, metadata
		FROM reports
		WHERE user_id = ?
		ORDER BY generated_at DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

func scanReport(s scanner) (*domain.Report, error) {
	var report domain.Report
	var scores, quality, summary, insights, metadata string
	if err := s.Scan(
		&report.ID, &report.UserID, &report.GeneratedAt,
		&scores, &quality, &summary, &insights, &metadata,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scores), &report.Scores); err != nil {
		return nil, fmt.Errorf("failed to decode scores for report %s: %w", report.ID, err)
	}
	if quality != "" && quality != "null" {
		json.Unmarshal([]byte(quality), &report.Quality)
	}
	if err := json.Unmarshal([]byte(summary), &report.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary for report %s: %w", report.ID, err)
	}
	if insights != "" && insights != "null" {
		json.Unmarshal([]byte(insights), &report.Insights)
	}
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &report.Metadata)
	}
	return &report, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
