package assessment

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound  = errors.New("assessment session not found")
	ErrSessionBusy      = errors.New("another answer for this session is still being processed")
	ErrAssessmentClosed = errors.New("assessment is already finished")
	ErrAssessmentOpen   = errors.New("assessment is still in progress")
	ErrVersionConflict  = errors.New("session was modified concurrently")
)

// ValidationError rejects a submission without changing the session.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// StaleQuestionError means the question is not currently eligible; the caller
// should re-fetch the current question.
type StaleQuestionError struct {
	QuestionID string
	Reason     string
}

func (e *StaleQuestionError) Error() string {
	return fmt.Sprintf("question %s is not eligible: %s", e.QuestionID, e.Reason)
}

// SessionCorruptError reports a persisted session that cannot be trusted.
type SessionCorruptError struct {
	UserID string
	Err    error
}

func (e *SessionCorruptError) Error() string {
	return fmt.Sprintf("session for user %s is corrupt: %v", e.UserID, e.Err)
}

func (e *SessionCorruptError) Unwrap() error { return e.Err }
