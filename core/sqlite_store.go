package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps tokens in a single SQLite file. Writes are serialised through one
// connection; the conditional UPDATE is the compare-and-decrement.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			remaining INTEGER NOT NULL CHECK (remaining >= 0),
			quota INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS consumptions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			token_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			remaining_after INTEGER NOT NULL,
			consumed_at INTEGER NOT NULL,
			FOREIGN KEY (token_id) REFERENCES tokens(id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_consumptions_request
			ON consumptions(token_id, request_id) WHERE request_id <> ''`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, t Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, type, remaining, quota, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET type = excluded.type, remaining = excluded.remaining,
			quota = excluded.quota, expires_at = excluded.expires_at`,
		t.ID.String(), string(t.Type), t.Remaining, t.Quota, t.CreatedAt.UnixMilli(), t.ExpiresAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*Token, error) {
	return getToken(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getToken(ctx context.Context, q queryRower, id uuid.UUID) (*Token, error) {
	var (
		typ                string
		remaining, quota   int64
		created, expiresAt int64
	)
	err := q.QueryRowContext(ctx,
		"SELECT type, remaining, quota, created_at, expires_at FROM tokens WHERE id = ?", id.String(),
	).Scan(&typ, &remaining, &quota, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return &Token{
		ID:        id,
		Type:      TokenType(typ),
		Remaining: remaining,
		Quota:     quota,
		CreatedAt: time.UnixMilli(created).UTC(),
		ExpiresAt: time.UnixMilli(expiresAt).UTC(),
	}, nil
}

func (s *SQLiteStore) Consume(ctx context.Context, id uuid.UUID, requestID string, now time.Time) (res ConsumeResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ConsumeResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if requestID != "" {
		var prev int64
		err = tx.QueryRowContext(ctx,
			"SELECT remaining_after FROM consumptions WHERE token_id = ? AND request_id = ?",
			id.String(), requestID,
		).Scan(&prev)
		switch {
		case err == nil:
			if err = tx.Commit(); err != nil {
				return ConsumeResult{}, err
			}
			return ConsumeResult{Remaining: prev, Replayed: true}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return ConsumeResult{}, err
		}
	}

	var remaining int64
	err = tx.QueryRowContext(ctx,
		`UPDATE tokens SET remaining = remaining - 1
		WHERE id = ? AND remaining > 0 AND expires_at > ?
		RETURNING remaining`,
		id.String(), now.UnixMilli(),
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		t, getErr := getToken(ctx, tx, id)
		if getErr != nil {
			err = getErr
			return ConsumeResult{}, err
		}
		err = t.Status(now)
		if err == nil {
			err = fmt.Errorf("token %s changed during consume", id)
		}
		return ConsumeResult{}, err
	}
	if err != nil {
		return ConsumeResult{}, err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO consumptions (token_id, request_id, remaining_after, consumed_at) VALUES (?, ?, ?, ?)",
		id.String(), requestID, remaining, now.UnixMilli(),
	)
	if err != nil {
		return ConsumeResult{}, err
	}
	if err = tx.Commit(); err != nil {
		return ConsumeResult{}, err
	}
	return ConsumeResult{Remaining: remaining}, nil
}

func (s *SQLiteStore) Reset(ctx context.Context, id uuid.UUID, expiresAt time.Time) (*Token, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET remaining = quota, expires_at = ? WHERE id = ?",
		expiresAt.UnixMilli(), id.String(),
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrInvalidToken
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) History(ctx context.Context, id uuid.UUID) ([]Consumption, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT request_id, remaining_after, consumed_at FROM consumptions WHERE token_id = ? ORDER BY seq",
		id.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Consumption
	for rows.Next() {
		var (
			c  Consumption
			at int64
		)
		if err := rows.Scan(&c.RequestID, &c.RemainingAfter, &at); err != nil {
			return nil, err
		}
		c.ConsumedAt = time.UnixMilli(at).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
