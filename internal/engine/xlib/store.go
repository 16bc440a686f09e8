package xlib

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fentz26/xqserver/internal/engine"
)

const dbFile = "library.db"

// libStore is the sqlite database behind one library.
type libStore struct {
	db   *sql.DB
	path string
}

func openStore(dir string) (*libStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create library directory: %w", err)
	}
	path := filepath.Join(dir, dbFile)
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open library db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &libStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *libStore) close() error { return s.db.Close() }

func (s *libStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		path TEXT PRIMARY KEY,
		xml TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fulltext (
		token TEXT NOT NULL,
		path TEXT NOT NULL,
		PRIMARY KEY (token, path)
	);

	CREATE TABLE IF NOT EXISTS acl (
		principal TEXT NOT NULL,
		permission TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '/',
		allow INTEGER NOT NULL DEFAULT 1
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// setCacheSize applies a page cache budget in bytes.
func (s *libStore) setCacheSize(bytes int64) {
	if bytes <= 0 {
		return
	}
	// negative cache_size is in KiB
	s.db.Exec(fmt.Sprintf("PRAGMA cache_size = -%d", bytes/1024))
}

func (s *libStore) document(ctx context.Context, path string) (string, bool, error) {
	var xml string
	err := s.db.QueryRowContext(ctx, `SELECT xml FROM documents WHERE path = ?`, path).Scan(&xml)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, engine.Wrap(engine.CodeIO, err, "read document")
	}
	return xml, true, nil
}

type storedDoc struct {
	path string
	xml  string
}

// documents returns the documents whose path starts with prefix, ordered
// by path.
func (s *libStore) documents(ctx context.Context, prefix string) ([]storedDoc, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, xml FROM documents WHERE substr(path, 1, length(?)) = ? ORDER BY path`, prefix, prefix)
	if err != nil {
		return nil, engine.Wrap(engine.CodeIO, err, "list documents")
	}
	defer rows.Close()

	var docs []storedDoc
	for rows.Next() {
		var d storedDoc
		if err := rows.Scan(&d.path, &d.xml); err != nil {
			return nil, engine.Wrap(engine.CodeIO, err, "scan document")
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *libStore) countDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// commit writes staged documents and their full-text tokens atomically.
func (s *libStore) commit(ctx context.Context, docs map[string]string, tokens func(xml string) ([]string, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.Wrap(engine.CodeIO, err, "begin commit")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for path, xml := range docs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (path, xml, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET xml = excluded.xml, updated_at = excluded.updated_at`,
			path, xml, now); err != nil {
			return engine.Wrap(engine.CodeIO, err, "write document")
		}
		if err := indexTokens(ctx, tx, path, xml, tokens); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return engine.Wrap(engine.CodeIO, err, "commit")
	}
	return nil
}

func indexTokens(ctx context.Context, tx *sql.Tx, path, xml string, tokens func(string) ([]string, error)) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM fulltext WHERE path = ?`, path); err != nil {
		return engine.Wrap(engine.CodeIO, err, "clear full-text entries")
	}
	words, err := tokens(xml)
	if err != nil {
		return engine.Wrap(engine.CodeIO, err, "tokenize "+path)
	}
	for _, w := range words {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO fulltext (token, path) VALUES (?, ?)`, w, path); err != nil {
			return engine.Wrap(engine.CodeIO, err, "write full-text entry")
		}
	}
	return nil
}

// reindex rebuilds the full-text table, reporting per-document progress.
func (s *libStore) reindex(ctx context.Context, tokens func(xml string) ([]string, error), progress func(float64)) error {
	docs, err := s.documents(ctx, "")
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.Wrap(engine.CodeIO, err, "begin reindex")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fulltext`); err != nil {
		return engine.Wrap(engine.CodeIO, err, "clear full-text index")
	}
	progress(0)
	for i, d := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := indexTokens(ctx, tx, d.path, d.xml, tokens); err != nil {
			return err
		}
		progress(float64(i+1) / float64(len(docs)))
	}
	if err := tx.Commit(); err != nil {
		return engine.Wrap(engine.CodeIO, err, "commit reindex")
	}
	progress(1)
	return nil
}

func (s *libStore) search(ctx context.Context, token string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM fulltext WHERE token = ? ORDER BY path`, token)
	if err != nil {
		return nil, engine.Wrap(engine.CodeIO, err, "full-text search")
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *libStore) setting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (s *libStore) putSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return engine.Wrap(engine.CodeIO, err, "write setting")
	}
	return nil
}

func (s *libStore) aclRules(ctx context.Context) ([]engine.ACLRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT principal, permission, path, allow FROM acl ORDER BY rowid`)
	if err != nil {
		return nil, engine.Wrap(engine.CodeIO, err, "read acl")
	}
	defer rows.Close()
	var rules []engine.ACLRule
	for rows.Next() {
		var r engine.ACLRule
		var perm string
		if err := rows.Scan(&r.Principal, &perm, &r.Path, &r.Allow); err != nil {
			return nil, err
		}
		r.Permission = engine.Permission(perm)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *libStore) addACLRule(ctx context.Context, r engine.ACLRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO acl (principal, permission, path, allow) VALUES (?, ?, ?, ?)`,
		r.Principal, string(r.Permission), r.Path, r.Allow)
	return err
}

// backup copies the database into dir with VACUUM INTO.
func (s *libStore) backup(ctx context.Context, dir string, progress func(float64)) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return engine.Wrap(engine.CodeIO, err, "create backup directory")
	}
	target := filepath.Join(dir, dbFile)
	if _, err := os.Stat(target); err == nil {
		if err := os.Remove(target); err != nil {
			return engine.Wrap(engine.CodeIO, err, "replace previous backup")
		}
	}
	progress(0)
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, target); err != nil {
		return engine.Wrap(engine.CodeIO, err, "backup to "+strings.TrimSpace(dir))
	}
	progress(1)
	return nil
}
