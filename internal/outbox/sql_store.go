package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	sqlOperationsTableName = "outbox_operations"
	sqlOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlStore holds the queries shared by the SQLite and Postgres backends.
// Queries are written with ? placeholders and rebound for the dialect.
type sqlStore struct {
	tableName   string
	positional  bool
	now         func() time.Time
	prepareOnce sync.Once
	prepareErr  error
	prepare     func(ctx context.Context) (*sql.DB, error)
	db          *sql.DB
}

func (s *sqlStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.prepareOnce.Do(func() {
		db, err := s.prepare(ctx)
		if err != nil {
			s.prepareErr = err
			return
		}
		s.db = db
	})
	return s.prepareErr
}

func (s *sqlStore) q(query string) string {
	query = strings.ReplaceAll(query, "{table}", quoteIdentifier(s.tableName))
	if !s.positional {
		return query
	}
	var b strings.Builder
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

func (s *sqlStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.ensureReady(ctx); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	return ctx, cancel, nil
}

func (s *sqlStore) Enqueue(ctx context.Context, op Operation) error {
	payload, err := encodeStoredPayload(op)
	if err != nil {
		return err
	}
	ctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO {table} (id, payload, claimed_by, claim_expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		op.ID, payload, op.ClaimedBy, unixMillisPtr(op.ClaimExpiresAt), op.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *sqlStore) GetAll(ctx context.Context) ([]Operation, error) {
	ctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT payload, claimed_by, claim_expires_at
		FROM {table}
		ORDER BY seq ASC`))
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()
	out := []Operation{}
	for rows.Next() {
		op, err := scanStoredOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *sqlStore) Get(ctx context.Context, id string) (Operation, error) {
	ctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return Operation{}, err
	}
	defer cancel()
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT payload, claimed_by, claim_expires_at
		FROM {table}
		WHERE id = ?`), strings.TrimSpace(id))
	op, err := scanStoredOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, ErrNotFound
	}
	return op, err
}

func (s *sqlStore) Update(ctx context.Context, op Operation) error {
	payload, err := encodeStoredPayload(op)
	if err != nil {
		return err
	}
	ctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE {table}
		SET payload = ?, claimed_by = ?, claim_expires_at = ?
		WHERE id = ?`),
		payload, op.ClaimedBy, unixMillisPtr(op.ClaimExpiresAt), op.ID,
	)
	if err != nil {
		return fmt.Errorf("update operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) Claim(ctx context.Context, id, owner string, until time.Time) (Operation, error) {
	ctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return Operation{}, err
	}
	defer cancel()
	id = strings.TrimSpace(id)
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE {table}
		SET claimed_by = ?, claim_expires_at = ?
		WHERE id = ?
		  AND (claimed_by = '' OR claim_expires_at IS NULL OR claim_expires_at <= ?)`),
		owner, until.UTC().UnixMilli(), id, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return Operation{}, fmt.Errorf("claim operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Operation{}, err
	}
	if n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM {table} WHERE id = ?`), id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return Operation{}, ErrNotFound
		}
		if err != nil {
			return Operation{}, err
		}
		return Operation{}, ErrClaimed
	}
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT payload, claimed_by, claim_expires_at
		FROM {table}
		WHERE id = ?`), id)
	op, err := scanStoredOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, ErrNotFound
	}
	return op, err
}

func (s *sqlStore) Remove(ctx context.Context, id string) (bool, error) {
	ctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {table} WHERE id = ?`), strings.TrimSpace(id))
	if err != nil {
		return false, fmt.Errorf("remove operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) Count(ctx context.Context) (int, error) {
	ctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	var count int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM {table}`)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return count, nil
}

func (s *sqlStore) Clear(ctx context.Context) error {
	ctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {table}`)); err != nil {
		return fmt.Errorf("clear operations: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoredOperation(row rowScanner) (Operation, error) {
	var (
		payload   string
		claimedBy sql.NullString
		expiresAt sql.NullInt64
	)
	if err := row.Scan(&payload, &claimedBy, &expiresAt); err != nil {
		return Operation{}, err
	}
	op, err := DecodeOperation([]byte(payload))
	if err != nil {
		return Operation{}, err
	}
	op.ClaimedBy = claimedBy.String
	op.ClaimExpiresAt = nil
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64).UTC()
		op.ClaimExpiresAt = &t
	}
	return op, nil
}

// encodeStoredPayload validates op and strips the lease, which lives in its
// own columns so Claim can be a single conditional UPDATE.
func encodeStoredPayload(op Operation) (string, error) {
	raw, err := EncodeOperation(op.withoutClaim())
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unixMillisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
