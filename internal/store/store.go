// Package store provides SQLite-backed persistence for the audit trail.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fentz26/xqserver/internal/models"
)

// DefaultLimit caps audit listings without an explicit limit.
const DefaultLimit = 100

// Store provides access to the audit database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		user TEXT,
		library TEXT,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit(action);
	CREATE INDEX IF NOT EXISTS idx_audit_library ON audit(library);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// WriteAudit appends a record. ID and Timestamp are assigned here.
func (s *Store) WriteAudit(ctx context.Context, rec models.AuditRecord) (*models.AuditRecord, error) {
	rec.ID = uuid.New().String()
	rec.Timestamp = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (id, action, user, library, inputs_hash, outcome, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Action, rec.User, rec.Library, rec.InputsHash, rec.Outcome, rec.Details, rec.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit: %w", err)
	}
	return &rec, nil
}

// ListAudit returns records, newest first.
func (s *Store) ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditRecord, error) {
	query := `SELECT id, action, user, library, inputs_hash, outcome, details, timestamp FROM audit`
	var where []string
	var args []interface{}

	if f.Action != "" {
		where = append(where, `action = ?`)
		args = append(args, f.Action)
	}
	if f.Library != "" {
		where = append(where, `library = ?`)
		args = append(args, f.Library)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var user, library, details sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Action, &user, &library, &rec.InputsHash, &rec.Outcome, &details, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		rec.User = user.String
		rec.Library = library.String
		rec.Details = details.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountAudit returns the number of records.
func (s *Store) CountAudit(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}

// PruneAudit deletes records older than the cutoff and returns how many
// were removed.
func (s *Store) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	return res.RowsAffected()
}
