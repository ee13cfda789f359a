package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// fieldPattern restricts filter fields to plain dotted JSON paths.
var fieldPattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to ":memory:" opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Get retrieves a document by link
func (s *SQLiteStore) Get(ctx context.Context, link string) (*Document, error) {
	query := `
		SELECT link, kind, body, version, expires_at, created_at, updated_at
		FROM documents
		WHERE link = ?
	`

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, link))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, link)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return doc, nil
}

// Create inserts a document, returning the stored one if the link is taken.
func (s *SQLiteStore) Create(ctx context.Context, doc *Document) (*Document, error) {
	if doc.Link == "" || doc.Kind == "" {
		return nil, fmt.Errorf("document link and kind are required")
	}

	query := `
		INSERT INTO documents (link, kind, body, version, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(link) DO NOTHING
	`

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, query,
		doc.Link,
		doc.Kind,
		string(doc.Body),
		nullableUnixNano(doc.ExpiresAt),
		now.UnixNano(),
		now.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	return s.Get(ctx, doc.Link)
}

// ConditionalUpdate writes the body if the stored version matches.
func (s *SQLiteStore) ConditionalUpdate(ctx context.Context, doc *Document, expectedVersion int64) (*Document, error) {
	query := `
		UPDATE documents
		SET body = ?, version = version + 1, expires_at = ?, updated_at = ?
		WHERE link = ? AND version = ?
		RETURNING link, kind, body, version, expires_at, created_at, updated_at
	`

	updated, err := scanDocument(s.db.QueryRowContext(ctx, query,
		string(doc.Body),
		nullableUnixNano(doc.ExpiresAt),
		time.Now().UTC().UnixNano(),
		doc.Link,
		expectedVersion,
	))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, doc.Link); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s (expected version %d)", ErrConflict, doc.Link, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}

	return updated, nil
}

// Put overwrites the body of an existing document.
func (s *SQLiteStore) Put(ctx context.Context, doc *Document) (*Document, error) {
	query := `
		UPDATE documents
		SET body = ?, version = version + 1, expires_at = ?, updated_at = ?
		WHERE link = ?
		RETURNING link, kind, body, version, expires_at, created_at, updated_at
	`

	updated, err := scanDocument(s.db.QueryRowContext(ctx, query,
		string(doc.Body),
		nullableUnixNano(doc.ExpiresAt),
		time.Now().UTC().UnixNano(),
		doc.Link,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, doc.Link)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to put document: %w", err)
	}

	return updated, nil
}

// Delete deletes a document by link
func (s *SQLiteStore) Delete(ctx context.Context, link string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE link = ?`, link)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, link)
	}

	return nil
}

// Query lists documents of one kind matching every filter.
func (s *SQLiteStore) Query(ctx context.Context, q Query) (*QueryPage, error) {
	if q.Kind == "" {
		return nil, fmt.Errorf("query kind is required")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var (
		where = []string{"kind = ?"}
		args  = []interface{}{q.Kind}
	)

	if q.After != "" {
		where = append(where, "link > ?")
		args = append(args, q.After)
	}

	for _, f := range q.Filters {
		if !fieldPattern.MatchString(f.Field) {
			return nil, fmt.Errorf("invalid filter field: %q", f.Field)
		}
		if len(f.Values) == 0 {
			return &QueryPage{}, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Values)), ",")
		where = append(where, fmt.Sprintf("json_extract(body, '$.%s') IN (%s)", f.Field, placeholders))
		for _, v := range f.Values {
			args = append(args, v)
		}
	}

	// Fetch one extra row to learn whether another page exists.
	args = append(args, limit+1)

	query := fmt.Sprintf(`
		SELECT link, kind, body, version, expires_at, created_at, updated_at
		FROM documents
		WHERE %s
		ORDER BY link
		LIMIT ?
	`, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	page := &QueryPage{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		page.Documents = append(page.Documents, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	if len(page.Documents) > limit {
		page.Documents = page.Documents[:limit]
		page.Next = page.Documents[limit-1].Link
	}

	return page, nil
}

// DeleteExpired deletes all expired documents
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM documents WHERE expires_at IS NOT NULL AND expires_at <= ?`

	result, err := s.db.ExecContext(ctx, query, now.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired documents: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// AppendEvent appends a task event to the journal
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *TaskEvent) error {
	query := `
		INSERT INTO task_events (task_link, stage, sub_stage, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		event.TaskLink,
		event.Stage,
		event.SubStage,
		event.Message,
		event.Details,
		event.Timestamp.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents retrieves the journal of one task in insertion order
func (s *SQLiteStore) ListEvents(ctx context.Context, taskLink string, limit, offset int) ([]*TaskEvent, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	query := `
		SELECT id, task_link, stage, sub_stage, message, details, timestamp
		FROM task_events
		WHERE task_link = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, taskLink, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*TaskEvent{}
	for rows.Next() {
		var (
			event TaskEvent
			ts    int64
		)
		if err := rows.Scan(
			&event.ID,
			&event.TaskLink,
			&event.Stage,
			&event.SubStage,
			&event.Message,
			&event.Details,
			&ts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc       Document
		body      string
		expiresAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)

	if err := row.Scan(
		&doc.Link,
		&doc.Kind,
		&body,
		&doc.Version,
		&expiresAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	doc.Body = []byte(body)
	doc.CreatedAt = time.Unix(0, createdAt).UTC()
	doc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		doc.ExpiresAt = &t
	}

	return &doc, nil
}

func nullableUnixNano(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}
