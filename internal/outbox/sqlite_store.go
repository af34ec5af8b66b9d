package outbox

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// SQLiteStore keeps records in a WAL-mode SQLite file. Any number of
// processes may open the same file; the busy timeout serialises writers.
type SQLiteStore struct {
	sqlStore
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// migrations.
func NewSQLiteStore(path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, err
	}
	s := &SQLiteStore{path: cleanPath}
	s.tableName = sqlOperationsTableName
	s.now = time.Now
	s.prepare = func(ctx context.Context) (*sql.DB, error) {
		return openSQLite(ctx, cleanPath, sql.Open)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func openSQLite(ctx context.Context, path string, open sqlOpenFunc) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, sqliteMigrations, "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}
