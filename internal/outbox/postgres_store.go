package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore keeps records in a shared PostgreSQL table. The table is
// created on first use.
type PostgresStore struct {
	sqlStore
	dsn    string
	openDB sqlOpenFunc
}

func NewPostgresStore(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	s := &PostgresStore{dsn: dsn, openDB: sql.Open}
	s.tableName = sqlOperationsTableName
	s.positional = true
	s.now = time.Now
	s.prepare = s.open
	return s, nil
}

func (s *PostgresStore) open(ctx context.Context) (*sql.DB, error) {
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	table := quoteIdentifier(s.tableName)
	createTableQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			payload TEXT NOT NULL,
			claimed_by TEXT NOT NULL DEFAULT '',
			claim_expires_at BIGINT,
			created_at BIGINT NOT NULL
		)`, table)
	if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
