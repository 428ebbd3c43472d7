package collector

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// PostgresOptions locates the metadata database.
type PostgresOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	DB       string
	Schema   string
	SSLMode  string
}

func (o PostgresOptions) dsn() string {
	sslMode := o.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	pairs := []struct{ key, value string }{
		{"host", o.Host},
		{"port", strconv.Itoa(o.Port)},
		{"user", o.User},
		{"password", o.Password},
		{"dbname", o.DB},
		{"sslmode", sslMode},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		parts = append(parts, p.key+"="+dsnValue(p.value))
	}
	return strings.Join(parts, " ")
}

// dsnValue quotes a connection string value when lib/pq would otherwise
// split or misread it.
func dsnValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// OpenPostgres connects, prepares the schema and runs migrations.
func OpenPostgres(ctx context.Context, opts PostgresOptions, log *slog.Logger) (*sql.DB, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Schema == "" {
		opts.Schema = "public"
	}

	db, err := sql.Open("postgres", opts.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Tables are schema-qualified, so pooled connections need no search_path.
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(opts.Schema))); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if err := runMigrations(ctx, db, opts.Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	log.Info("postgres connection established", "database", opts.DB, "schema", opts.Schema)
	return db, nil
}

func runMigrations(ctx context.Context, db *sql.DB, schema string) error {
	table := pq.QuoteIdentifier(schema) + ".screenshots"
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id BIGSERIAL PRIMARY KEY,
			course_id BIGINT NOT NULL,
			module_id BIGINT NOT NULL,
			quiz_id BIGINT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL,
			received_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_screenshots_quiz_id ON ` + table + `(quiz_id, received_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

// PostgresRepository stores records in the screenshots table.
type PostgresRepository struct {
	db    *sql.DB
	table string
}

func NewPostgresRepository(db *sql.DB, schema string) *PostgresRepository {
	if schema == "" {
		schema = "public"
	}
	return &PostgresRepository{db: db, table: pq.QuoteIdentifier(schema) + ".screenshots"}
}

func (p *PostgresRepository) Insert(ctx context.Context, rec *Record) error {
	query := `INSERT INTO ` + p.table + ` (course_id, module_id, quiz_id, path, width, height, size_bytes, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
	err := p.db.QueryRowContext(ctx, query,
		rec.CourseID, rec.ModuleID, rec.QuizID, rec.Path,
		rec.Width, rec.Height, rec.SizeBytes, rec.ReceivedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert screenshot: %w", err)
	}
	return nil
}

func (p *PostgresRepository) ListByQuiz(ctx context.Context, quizID int64) ([]Record, error) {
	query := `SELECT id, course_id, module_id, quiz_id, path, width, height, size_bytes, received_at
		FROM ` + p.table + ` WHERE quiz_id = $1 ORDER BY received_at, id`
	rows, err := p.db.QueryContext(ctx, query, quizID)
	if err != nil {
		return nil, fmt.Errorf("list screenshots: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.CourseID, &r.ModuleID, &r.QuizID, &r.Path,
			&r.Width, &r.Height, &r.SizeBytes, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan screenshot: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
