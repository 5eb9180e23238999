package assessment

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteSessionStore is a single-file session store for local runs.
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStore opens (creating if needed) the database at path.
// ":memory:" gives a private in-memory database.
func NewSQLiteSessionStore(path string) (*SQLiteSessionStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteSessionStore{db: db}, nil
}

// Ping checks that the database file is still reachable.
func (s *SQLiteSessionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteSessionStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteSessionStore) Load(ctx context.Context, userID string) (*Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM assessment_session WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return decodeSession(userID, []byte(data))
}

func (s *SQLiteSessionStore) Save(ctx context.Context, sess *Session) error {
	expected, data, restore, err := encodeForSave(sess)
	if err != nil {
		return err
	}

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO assessment_session (user_id, session_id, stage, version, data, started_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO NOTHING`,
			sess.UserID, sess.ID.String(), string(sess.Stage), sess.Version, string(data), sess.StartedAt, sess.UpdatedAt)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE assessment_session SET session_id = ?, stage = ?, version = ?, data = ?,
				started_at = ?, updated_at = ?
			WHERE user_id = ? AND version = ?`,
			sess.ID.String(), string(sess.Stage), sess.Version, string(data), sess.StartedAt, sess.UpdatedAt,
			sess.UserID, expected)
	}
	if err != nil {
		restore()
		return fmt.Errorf("save session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		restore()
		return fmt.Errorf("save session: %w", err)
	}
	if n == 0 {
		restore()
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLiteSessionStore) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM assessment_session WHERE user_id = ?`, userID)
	return err
}
