package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/triage-ai/palisade/services/policy_guard/internal/model"
)

// Database drivers accepted by Open.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// SpecStore abstracts DB queries for testability.
type SpecStore interface {
	LookupSpec(ctx context.Context, projectID, toolName string) (*model.PolicyGuardSpec, error)
	PutSpec(ctx context.Context, projectID string, spec *model.PolicyGuardSpec) error
	ListTools(ctx context.Context, projectID string) ([]string, error)
}

var placeholderRe = regexp.MustCompile(`\$\d+`)

// SQLSpecStore keeps specs in the policy_guard_specs table of Postgres or
// SQLite. Queries are written with Postgres placeholders.
type SQLSpecStore struct {
	db     *sql.DB
	driver string
}

// Open connects to the spec database. driver is DriverPostgres or DriverSQLite.
func Open(driver, dsn string) (*SQLSpecStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("Open: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	return NewSQLSpecStore(db, driver), nil
}

// OpenStore opens Postgres when postgresDSN is set and SQLite at sqlitePath
// otherwise, and applies the schema.
func OpenStore(ctx context.Context, postgresDSN, sqlitePath string) (*SQLSpecStore, error) {
	driver, dsn := DriverPostgres, postgresDSN
	if dsn == "" {
		driver, dsn = DriverSQLite, sqlitePath
	}
	s, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := s.db.PingContext(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("OpenStore: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLSpecStore wraps an open database.
func NewSQLSpecStore(db *sql.DB, driver string) *SQLSpecStore {
	return &SQLSpecStore{db: db, driver: driver}
}

func (s *SQLSpecStore) DB() *sql.DB { return s.db }

func (s *SQLSpecStore) Close() error { return s.db.Close() }

func (s *SQLSpecStore) rebind(q string) string {
	if s.driver == DriverSQLite {
		return placeholderRe.ReplaceAllString(q, "?")
	}
	return q
}

// Migrate creates the specs table if it does not exist.
func (s *SQLSpecStore) Migrate(ctx context.Context) error {
	ts := "TIMESTAMPTZ"
	if s.driver == DriverSQLite {
		ts = "TIMESTAMP"
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS policy_guard_specs (
			project_id TEXT NOT NULL,
			tool_name  TEXT NOT NULL,
			spec_json  TEXT NOT NULL,
			updated_at `+ts+` NOT NULL,
			PRIMARY KEY (project_id, tool_name)
		)
	`)
	if err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

// LookupSpec returns sql.ErrNoRows when the tool has no spec.
func (s *SQLSpecStore) LookupSpec(ctx context.Context, projectID, toolName string) (*model.PolicyGuardSpec, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT spec_json
		FROM policy_guard_specs
		WHERE project_id = $1 AND tool_name = $2
	`), projectID, toolName)

	var raw string
	if err := row.Scan(&raw); err != nil {
		return nil, err
	}
	var spec model.PolicyGuardSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, fmt.Errorf("LookupSpec: %s: %w", toolName, err)
	}
	if spec.PolicyItems == nil {
		spec.PolicyItems = []*model.PolicyGuardSpecItem{}
	}
	return &spec, nil
}

// PutSpec inserts or replaces the spec of spec.ToolName.
func (s *SQLSpecStore) PutSpec(ctx context.Context, projectID string, spec *model.PolicyGuardSpec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("PutSpec: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO policy_guard_specs (project_id, tool_name, spec_json, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, tool_name)
		DO UPDATE SET spec_json = excluded.spec_json, updated_at = excluded.updated_at
	`), projectID, spec.ToolName, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("PutSpec: %s: %w", spec.ToolName, err)
	}
	return nil
}

// ListTools returns the tools with a spec, sorted by name.
func (s *SQLSpecStore) ListTools(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT tool_name
		FROM policy_guard_specs
		WHERE project_id = $1
		ORDER BY tool_name
	`), projectID)
	if err != nil {
		return nil, fmt.Errorf("ListTools: %w", err)
	}
	defer rows.Close()

	var tools []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("ListTools: %w", err)
		}
		tools = append(tools, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListTools: %w", err)
	}
	return tools, nil
}
