package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/herald/internal/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const entryColumns = `id, session, kind, process, detail, error, at`

// DB is a Journal backed by a SQLite file.
type DB struct {
	conn *sql.DB
	path string
}

var _ Journal = (*DB)(nil)

// Open opens or creates the journal at path, creating parent directories and
// applying pending migrations. An existing file is copied to path+".bak"
// before migrating.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	if err := backup(path); err != nil {
		return nil, fmt.Errorf("backing up journal: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		log.ErrorErr(log.CatJournal, "Failed to open journal", err, "path", path)
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if err := migrateUp(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info(log.CatJournal, "Journal ready", "path", path)
	return &DB{conn: conn, path: path}, nil
}

// migrateUp runs the embedded migrations over conn. The migrate sqlite
// package also links and registers modernc.org/sqlite as "sqlite"; only conn,
// opened with the ncruces driver, is ever used.
func migrateUp(conn *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	drv, err := sqlite.WithInstance(conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	// m.Close would close conn through the driver.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func backup(path string) error {
	src, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".bak", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Record appends e. A zero At is stamped with the current time.
func (d *DB) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO lifecycle (session, kind, process, detail, error, at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Session, string(e.Kind), e.Process, e.Detail, e.Error, e.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert lifecycle entry: %w", err)
	}
	return nil
}

// Recent returns matching entries, newest first.
func (d *DB) Recent(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.Session != "" {
		where = append(where, "session = ?")
		args = append(args, q.Session)
	}
	if q.Process != "" {
		where = append(where, "process = ?")
		args = append(args, q.Process)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `SELECT ` + entryColumns + ` FROM lifecycle`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lifecycle: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			kind string
			at   int64
		)
		if err := rows.Scan(&e.ID, &e.Session, &kind, &e.Process, &e.Detail, &e.Error, &at); err != nil {
			return nil, fmt.Errorf("failed to scan lifecycle entry: %w", err)
		}
		e.Kind = Kind(kind)
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (d *DB) Close() error {
	return d.conn.Close()
}
