package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour spoken to the database
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB wraps a database handle together with its dialect
type DB struct {
	*sql.DB
	Dialect Dialect
}

// NewDB opens and pings a database. driver is "postgres" or "sqlite".
func NewDB(driver, dsn string) (*DB, error) {
	dialect := Dialect(driver)
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if dialect == DialectSQLite {
		// SQLite allows one writer; a single connection also keeps
		// in-memory databases shared across the pool.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(20)
		conn.SetConnMaxIdleTime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return &DB{DB: conn, Dialect: dialect}, nil
}

// rebind rewrites ? placeholders into the dialect's form
func (db *DB) rebind(query string) string {
	if db.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate creates the schema when missing
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range db.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (db *DB) schema() []string {
	serial := "BIGSERIAL PRIMARY KEY"
	float := "DOUBLE PRECISION"
	if db.Dialect == DialectSQLite {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
		float = "REAL"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			model_name TEXT NOT NULL,
			dataset_id TEXT NOT NULL,
			status TEXT NOT NULL,
			config_json TEXT NOT NULL,
			progress ` + float + ` NOT NULL DEFAULT 0,
			current_epoch INTEGER NOT NULL DEFAULT 0,
			total_epochs INTEGER NOT NULL DEFAULT 0,
			current_step INTEGER NOT NULL DEFAULT 0,
			total_steps INTEGER NOT NULL DEFAULT 0,
			loss ` + float + `,
			best_loss ` + float + `,
			stage TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			model_path TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id ` + serial + `,
			job_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			from_status TEXT,
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events (job_id)`,
		`CREATE TABLE IF NOT EXISTS job_artifacts (
			id ` + serial + `,
			job_id TEXT NOT NULL,
			type TEXT NOT NULL,
			uri TEXT NOT NULL,
			meta_json TEXT NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_artifacts_job_id ON job_artifacts (job_id)`,
	}
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func toNullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func fromNullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
