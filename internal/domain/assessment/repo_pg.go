package assessment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type sessionStorePG struct {
	conn queryable
}

// NewSessionStorePG stores one jsonb row per user in assessment_session.
func NewSessionStorePG(pool *pgxpool.Pool) SessionStore {
	return &sessionStorePG{conn: pool}
}

func (r *sessionStorePG) Load(ctx context.Context, userID string) (*Session, error) {
	var data []byte
	err := r.conn.QueryRow(ctx,
		`SELECT data FROM assessment_session WHERE user_id = $1`, userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return decodeSession(userID, data)
}

func (r *sessionStorePG) Save(ctx context.Context, s *Session) error {
	expected, data, restore, err := encodeForSave(s)
	if err != nil {
		return err
	}

	var tag pgconn.CommandTag
	if expected == 0 {
		tag, err = r.conn.Exec(ctx, `
			INSERT INTO assessment_session (user_id, session_id, stage, version, data, started_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (user_id) DO NOTHING`,
			s.UserID, s.ID, string(s.Stage), s.Version, data, s.StartedAt, s.UpdatedAt)
	} else {
		tag, err = r.conn.Exec(ctx, `
			UPDATE assessment_session SET session_id=$2, stage=$3, version=$4, data=$5,
				started_at=$6, updated_at=$7
			WHERE user_id = $1 AND version = $8`,
			s.UserID, s.ID, string(s.Stage), s.Version, data, s.StartedAt, s.UpdatedAt, expected)
	}
	if err != nil {
		restore()
		return fmt.Errorf("save session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		restore()
		return ErrVersionConflict
	}
	return nil
}

func (r *sessionStorePG) Delete(ctx context.Context, userID string) error {
	_, err := r.conn.Exec(ctx, `DELETE FROM assessment_session WHERE user_id = $1`, userID)
	return err
}
