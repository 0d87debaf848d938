// Package sqlStore keeps envelopes in a single SQL table. It speaks SQLite
// through modernc.org/sqlite and PostgreSQL through lib/pq.
package sqlStore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/i5heu/ouroboros-vault/pkg/gateway"
)

// Dialect selects placeholder style and column types.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

type Config struct {
	Dialect Dialect
	DSN     string
	Logger  *logrus.Logger
}

// SQLStore is a gateway over one table keyed by path.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	log     *logrus.Logger
}

// Open connects to cfg.DSN and creates the table if needed.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	switch cfg.Dialect {
	case SQLite, Postgres:
	default:
		return nil, fmt.Errorf("unknown sql dialect %q", cfg.Dialect)
	}
	if cfg.DSN == "" {
		return nil, errors.New("sql dsn is empty")
	}

	db, err := sql.Open(string(cfg.Dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", cfg.Dialect, err)
	}
	if cfg.Dialect == SQLite {
		// one writer at a time, and ":memory:" is per connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error connecting to %s: %w", cfg.Dialect, err)
	}

	s, err := New(ctx, db, cfg.Dialect, cfg.Logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and migrates it.
func New(ctx context.Context, db *sql.DB, dialect Dialect, log *logrus.Logger) (*SQLStore, error) { // A
	if log == nil {
		log = logrus.New()
	}
	s := &SQLStore{db: db, dialect: dialect, log: log}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("error migrating %s: %w", dialect, err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error { // A
	blob := "BLOB"
	if s.dialect == Postgres {
		blob = "BYTEA"
	}
	query := `
	CREATE TABLE IF NOT EXISTS envelopes (
		path TEXT PRIMARY KEY,
		size BIGINT NOT NULL,
		cid TEXT NOT NULL,
		content ` + blob + ` NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// bind rewrites "?" placeholders to "$n" for postgres.
func (s *SQLStore) bind(query string) string { // A
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Write(ctx context.Context, p string, content []byte) error {
	p, err := gateway.Clean(p)
	if err != nil {
		return err
	}
	if content == nil {
		content = []byte{}
	}

	query := s.bind(`INSERT INTO envelopes (path, size, cid, content) VALUES (?, ?, ?, ?)
	ON CONFLICT (path) DO UPDATE SET size = excluded.size, cid = excluded.cid, content = excluded.content`)
	_, err = s.db.ExecContext(ctx, query, p, int64(len(content)), gateway.ContentID(content), content)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

func (s *SQLStore) Read(ctx context.Context, p string) ([]byte, error) { // A
	p, err := gateway.Clean(p)
	if err != nil {
		return nil, err
	}

	var content []byte
	err = s.db.QueryRowContext(ctx, s.bind(`SELECT content FROM envelopes WHERE path = ?`), p).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	if content == nil {
		content = []byte{}
	}
	return content, nil
}

func (s *SQLStore) Stat(ctx context.Context, p string) (gateway.Entry, error) { // A
	p, err := gateway.Clean(p)
	if err != nil {
		return gateway.Entry{}, err
	}

	e := gateway.Entry{Name: path.Base(p)}
	err = s.db.QueryRowContext(ctx, s.bind(`SELECT size, cid FROM envelopes WHERE path = ?`), p).Scan(&e.Size, &e.ContentID)
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.Entry{}, fmt.Errorf("%w: %s", gateway.ErrNotFound, p)
	}
	if err != nil {
		return gateway.Entry{}, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	return e, nil
}

func (s *SQLStore) List(ctx context.Context, dir string) ([]gateway.Entry, error) { // A
	dir, err := gateway.Clean(dir)
	if err != nil {
		return nil, err
	}
	prefix := gateway.DirPrefix(dir)

	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT path, size, cid FROM envelopes WHERE substr(path, 1, ?) = ? ORDER BY path`),
		utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	defer func() { _ = rows.Close() }()

	var objects []gateway.Object
	for rows.Next() {
		var o gateway.Object
		if err := rows.Scan(&o.Path, &o.Size, &o.ContentID); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNotFound, dir)
	}
	return gateway.Children(dir, objects), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ gateway.Gateway = (*SQLStore)(nil)
