package assessment

import (
	"context"
	"encoding/json"
	"fmt"
)

// SessionStore persists at most one session per user.
//
// Save is optimistic: the stored version must equal s.Version (0 meaning no
// stored session), otherwise ErrVersionConflict is returned. On success
// s.Version is incremented. Load returns ErrSessionNotFound when the user has
// no session and *SessionCorruptError when the stored bytes cannot be decoded.
type SessionStore interface {
	Load(ctx context.Context, userID string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, userID string) error
}

// encodeForSave bumps the version and serializes the session. The returned
// expected version is what the store must currently hold; call restore on
// any failure.
func encodeForSave(s *Session) (expected int, data []byte, restore func(), err error) {
	expected = s.Version
	restore = func() { s.Version = expected }
	s.Version = expected + 1
	data, err = json.Marshal(s)
	if err != nil {
		restore()
		return expected, nil, restore, fmt.Errorf("encode session: %w", err)
	}
	return expected, data, restore, nil
}

func decodeSession(userID string, data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &SessionCorruptError{UserID: userID, Err: err}
	}
	if s.UserID != userID {
		return nil, &SessionCorruptError{UserID: userID, Err: fmt.Errorf("stored session belongs to %q", s.UserID)}
	}
	return &s, nil
}
