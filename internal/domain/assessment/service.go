package assessment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/screening/internal/domain/catalog"
	"github.com/ehr/screening/internal/domain/scoring"
	"github.com/ehr/screening/internal/platform/metrics"
)

// EventCompleted is the event type published for finished assessments.
const EventCompleted = "assessment.completed"

// publishTimeout bounds one completion delivery, retries included.
const publishTimeout = time.Minute

// Publisher delivers events to external consumers.
type Publisher interface {
	Publish(ctx context.Context, eventType, resourceID string, payload interface{}) error
}

// sessionLocks serializes work per user. TryLock never waits: a second
// submission while one is in flight is rejected rather than queued.
type sessionLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{held: make(map[string]struct{})}
}

func (l *sessionLocks) TryLock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *sessionLocks) Unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

// Service drives assessments for many users. Each user's session is
// processed one step at a time; different users proceed in parallel.
type Service struct {
	engine    *Engine
	store     SessionStore
	publisher Publisher
	locks     *sessionLocks
	logger    zerolog.Logger
	inflight  sync.WaitGroup
}

func NewService(engine *Engine, store SessionStore, logger zerolog.Logger) *Service {
	return &Service{
		engine: engine,
		store:  store,
		locks:  newSessionLocks(),
		logger: logger.With().Str("component", "assessment").Logger(),
	}
}

// SetPublisher enables delivery of completion results.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// Wait blocks until every completion result handed to the publisher has
// been delivered or given up on.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// Engine exposes the flow engine for read-only use.
func (s *Service) Engine() *Engine { return s.engine }

// StartAssessment resumes the user's in-progress session, or starts a new one
// when there is none, the previous one finished, or restart is requested.
func (s *Service) StartAssessment(ctx context.Context, userID string, sex scoring.Sex, restart bool) (*Session, bool, error) {
	if userID == "" {
		return nil, false, &ValidationError{Field: "user_id", Message: "is required"}
	}
	if !s.locks.TryLock(userID) {
		return nil, false, ErrSessionBusy
	}
	defer s.locks.Unlock(userID)

	existing, err := s.restore(ctx, userID)
	var corrupt *SessionCorruptError
	switch {
	case err == nil:
		if !restart && !existing.Stage.Terminal() {
			return existing, true, nil
		}
	case errors.Is(err, ErrSessionNotFound):
	case errors.As(err, &corrupt) && restart:
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("discarding corrupt session on restart")
	default:
		return nil, false, err
	}

	sess, err := s.engine.NewSession(userID, sex)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		sess.Version = existing.Version
	} else if err := s.store.Delete(ctx, userID); err != nil {
		return nil, false, fmt.Errorf("clear session: %w", err)
	}
	if err := s.store.Save(ctx, sess); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to save new session")
		return nil, false, err
	}

	metrics.RecordAssessmentStarted()
	s.logger.Info().
		Str("user_id", userID).
		Str("session_id", sess.ID.String()).
		Bool("restart", restart).
		Msg("assessment started")
	return sess, false, nil
}

// SubmitAnswer runs one step and persists it before returning. The step's
// session is only visible to later calls once the save has succeeded.
func (s *Service) SubmitAnswer(ctx context.Context, userID string, sessionID uuid.UUID, questionID string, value catalog.Value, latencyMs *int64) (*StepResult, error) {
	if !s.locks.TryLock(userID) {
		metrics.RecordAnswerRejected("busy")
		return nil, ErrSessionBusy
	}
	defer s.locks.Unlock(userID)
	start := time.Now()

	sess, err := s.session(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.RecordAnswer(sess, questionID, value, latencyMs)
	if err != nil {
		metrics.RecordAnswerRejected(rejectionReason(err))
		return nil, err
	}

	if err := s.store.Save(ctx, res.Session); err != nil {
		s.logger.Error().Err(err).
			Str("user_id", userID).
			Str("session_id", sessionID.String()).
			Msg("failed to save session")
		return nil, err
	}
	metrics.RecordStepDuration(time.Since(start))
	metrics.RecordAnswerSubmitted(string(sess.Stage))

	ev := s.logger.Info()
	if res.Outcome == OutcomeEmergency {
		ev = s.logger.Warn()
	}
	ev.Str("user_id", userID).
		Str("session_id", sessionID.String()).
		Str("question_id", questionID).
		Str("stage", string(res.Session.Stage)).
		Str("outcome", string(res.Outcome)).
		Str("risk_level", string(res.Risk.Level)).
		Msg("answer recorded")

	if res.Completion != nil {
		s.finished(ctx, res.Completion)
	}
	return res, nil
}

// Restore loads a session and checks it against the catalog. Scores are
// re-derived on demand, never read from storage.
func (s *Service) Restore(ctx context.Context, userID string) (*Session, error) {
	return s.restore(ctx, userID)
}

// Progress reports the progress of the user's session.
func (s *Service) Progress(ctx context.Context, userID string, sessionID uuid.UUID) (Progress, error) {
	sess, err := s.session(ctx, userID, sessionID)
	if err != nil {
		return Progress{}, err
	}
	return s.engine.Progress(sess), nil
}

// Result returns the completion result of a finished session.
func (s *Service) Result(ctx context.Context, userID string, sessionID uuid.UUID) (*CompletionResult, error) {
	sess, err := s.session(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.engine.Result(sess)
}

func (s *Service) session(ctx context.Context, userID string, sessionID uuid.UUID) (*Session, error) {
	sess, err := s.restore(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.ID != sessionID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) restore(ctx context.Context, userID string) (*Session, error) {
	sess, err := s.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Validate(sess); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("stored session failed validation")
		return nil, &SessionCorruptError{UserID: userID, Err: err}
	}
	return sess, nil
}

func (s *Service) finished(ctx context.Context, r *CompletionResult) {
	metrics.RecordAssessmentCompleted(string(r.Risk.Level))
	metrics.RecordFraudRecommendation(string(r.Fraud.Recommendation))
	if r.Emergency != nil {
		metrics.RecordEmergencyProtocol(string(r.Emergency.Type))
	}
	if s.publisher == nil {
		return
	}
	// Delivery runs after the step returns and outlives the request.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		if err := s.publisher.Publish(pubCtx, EventCompleted, r.SessionID.String(), r); err != nil {
			s.logger.Error().Err(err).
				Str("session_id", r.SessionID.String()).
				Msg("failed to publish completion result")
		}
	}()
}

func rejectionReason(err error) string {
	var verr *ValidationError
	var stale *StaleQuestionError
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &stale):
		return "stale_question"
	case errors.Is(err, ErrAssessmentClosed):
		return "closed"
	default:
		return "internal"
	}
}
