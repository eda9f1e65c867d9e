// Package repository provides run and policy persistence.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/ipsim/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// defaultListLimit caps ListRuns when no limit is given.
const defaultListLimit = 50

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

	// Configure connection pool
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

// SaveRun inserts a new run record.
func (r *SQLRepository) SaveRun(ctx context.Context, run *domain.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}
	if !run.Kind.Valid() {
		return fmt.Errorf("%w: unknown run kind %q", ErrInvalidInput, run.Kind)
	}

	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to encode run params: %w", err)
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO runs (
			id, kind, status, n, seed, model_version, params,
			result, error, created_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		run.ID, string(run.Kind), string(run.Status),
		run.N, run.Seed, run.ModelVersion, string(params),
		nullableJSON(run.Result), run.Error,
		run.CreatedAt, nullableTime(run.CompletedAt), run.DurationMs,
	)
	return err
}

// UpdateRun stores the outcome of a run.
func (r *SQLRepository) UpdateRun(ctx context.Context, run *domain.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	query := `
		UPDATE runs
		SET status = ?, result = ?, error = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(run.Status), nullableJSON(run.Result), run.Error,
		nullableTime(run.CompletedAt), run.DurationMs, run.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, kind, status, n, seed, model_version, params,
	result, error, created_at, completed_at, duration_ms`

// GetRun retrieves a run by ID.
func (r *SQLRepository) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(r.db.QueryRowContext(ctx, r.rebind(query), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (r *SQLRepository) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var kind, status, params string
	var result sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&run.ID, &kind, &status, &run.N, &run.Seed, &run.ModelVersion, &params,
		&result, &run.Error, &run.CreatedAt, &completedAt, &run.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	run.Kind = domain.RunKind(kind)
	run.Status = domain.RunStatus(status)
	if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to parse params of run %s: %w", run.ID, err)
	}
	if result.Valid && result.String != "" {
		run.Result = json.RawMessage(result.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}

	return &run, nil
}

// SavePolicy creates or replaces a policy configuration.
func (r *SQLRepository) SavePolicy(ctx context.Context, policy *domain.PolicyConfig) error {
	if policy == nil || policy.ID == "" {
		return fmt.Errorf("%w: policy id is required", ErrInvalidInput)
	}
	if policy.Expression == "" {
		return fmt.Errorf("%w: policy expression is required", ErrInvalidInput)
	}

	enabled := 0
	if policy.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now

	query := `
		INSERT INTO policies (
			id, name, description, version, expression, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		policy.ID, policy.Name, policy.Description, policy.Version,
		policy.Expression, enabled, policy.CreatedAt, policy.UpdatedAt,
	)
	return err
}

// GetPolicy retrieves a policy configuration.
func (r *SQLRepository) GetPolicy(ctx context.Context, policyID string) (*domain.PolicyConfig, error) {
	query := `
		SELECT id, name, description, version, expression, enabled, created_at, updated_at
		FROM policies
		WHERE id = ?
	`

	p, err := scanPolicy(r.db.QueryRowContext(ctx, r.rebind(query), policyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPolicies retrieves all policy configurations, enabled or not.
func (r *SQLRepository) ListPolicies(ctx context.Context) ([]*domain.PolicyConfig, error) {
	query := `
		SELECT id, name, description, version, expression, enabled, created_at, updated_at
		FROM policies
		ORDER BY name, id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*domain.PolicyConfig
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}

	return policies, rows.Err()
}

func scanPolicy(row rowScanner) (*domain.PolicyConfig, error) {
	var p domain.PolicyConfig
	var description sql.NullString
	var enabled int

	if err := row.Scan(
		&p.ID, &p.Name, &description, &p.Version, &p.Expression,
		&enabled, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	p.Description = description.String
	p.Enabled = enabled == 1
	return &p, nil
}

// DeletePolicy removes a policy configuration.
func (r *SQLRepository) DeletePolicy(ctx context.Context, policyID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM policies WHERE id = ?`), policyID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
