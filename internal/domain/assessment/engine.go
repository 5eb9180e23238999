package assessment

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/screening/internal/domain/catalog"
	"github.com/ehr/screening/internal/domain/clinical"
	"github.com/ehr/screening/internal/domain/fraud"
	"github.com/ehr/screening/internal/domain/scoring"
)

// Engine is the flow state machine. It holds no session state: every
// transition takes a Session and returns a new one, leaving the input as it was.
type Engine struct {
	cat      *catalog.Catalog
	clinical *clinical.Engine
	fraud    *fraud.Detector
	now      func() time.Time
}

func NewEngine(cat *catalog.Catalog, ce *clinical.Engine, fd *fraud.Detector) *Engine {
	return &Engine{cat: cat, clinical: ce, fraud: fd, now: time.Now}
}

// Catalog returns the catalog the engine asks from.
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

// NewSession starts a session in triage with its first question presented.
func (e *Engine) NewSession(userID string, sex scoring.Sex) (*Session, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "is required"}
	}
	if !sex.Valid() {
		return nil, &ValidationError{Field: "sex", Message: fmt.Sprintf("unsupported value %q", sex)}
	}
	now := e.now().UTC()
	s := &Session{
		ID:               uuid.New(),
		UserID:           userID,
		Sex:              sex,
		CatalogVersion:   e.cat.Version(),
		Answers:          catalog.Answers{},
		DomainsCompleted: []string{},
		Stage:            StageTriage,
		StartedAt:        now,
		UpdatedAt:        now,
	}
	started := newAudit(now, AuditAssessmentStarted)
	started.ToStage = StageTriage
	s.AuditLog = []AuditEntry{started}
	if q := e.NextQuestion(s); q != nil {
		e.present(s, q, now)
	}
	return s, nil
}

// NextQuestion is the first eligible unanswered question of every stage
// reached so far, or nil when the session is terminal.
func (e *Engine) NextQuestion(s *Session) *catalog.Question {
	if s.Stage.Terminal() {
		return nil
	}
	if p := e.pending(s); len(p) > 0 {
		return p[0]
	}
	return nil
}

// Progress is answered / (answered + remaining eligible). The denominator
// grows when conditional questions become eligible. Follow-ups pruned by a
// changed answer leave the answered count, so Answered can go down.
func (e *Engine) Progress(s *Session) Progress {
	p := Progress{Answered: len(s.Answers), Stage: s.Stage}
	if s.Stage.Terminal() {
		p.Percentage = 100
		return p
	}
	p.Remaining = len(e.pending(s))
	if total := p.Answered + p.Remaining; total > 0 {
		p.Percentage = math.Round(float64(p.Answered)/float64(total)*1000) / 10
	}
	return p
}

// Evaluate re-derives scores and risk from the session's answers.
func (e *Engine) Evaluate(s *Session) (clinical.Evaluation, error) {
	return e.clinical.Evaluate(s.Answers, s.Sex)
}

// Result rebuilds the completion result of a terminal session.
func (e *Engine) Result(s *Session) (*CompletionResult, error) {
	if !s.Stage.Terminal() {
		return nil, ErrAssessmentOpen
	}
	ev, err := e.Evaluate(s)
	if err != nil {
		return nil, err
	}
	return e.completion(s, ev), nil
}

// RecordAnswer runs one atomic step: record, prune, rescore, evaluate risk,
// annotate fraud, then select the next question or terminate. On error the
// input session is untouched and no new session is produced. latencyMs may be
// nil, in which case it is derived from when the question was presented.
func (e *Engine) RecordAnswer(s *Session, questionID string, value catalog.Value, latencyMs *int64) (*StepResult, error) {
	if s.Stage.Terminal() {
		return nil, ErrAssessmentClosed
	}
	q, ok := e.cat.Question(questionID)
	if !ok {
		return nil, &ValidationError{Field: "question_id", Message: fmt.Sprintf("unknown question %q", questionID)}
	}
	if err := q.Validate(value); err != nil {
		return nil, &ValidationError{Field: "value", Message: err.Error()}
	}
	if latencyMs != nil && *latencyMs < 0 {
		return nil, &ValidationError{Field: "latency_ms", Message: "must not be negative"}
	}
	if q.Stage.Rank() > e.reachedRank(s) {
		return nil, &StaleQuestionError{QuestionID: q.ID, Reason: "its stage has not been reached"}
	}
	if !e.cat.IsEligible(q, s.Answers) {
		return nil, &StaleQuestionError{QuestionID: q.ID, Reason: "its condition is not met"}
	}

	now := e.now().UTC()
	next := s.Clone()
	var entries []AuditEntry
	add := func(a AuditEntry) { entries = append(entries, a) }

	_, changed := next.Answers[q.ID]
	ans := catalog.Answer{
		QuestionID: q.ID,
		Value:      value,
		AnsweredAt: now,
		LatencyMs:  e.latency(s, q.ID, latencyMs, now),
	}
	next.Answers[q.ID] = ans
	recorded := newAudit(now, AuditAnswerRecorded)
	recorded.QuestionID = q.ID
	if changed {
		recorded.Detail = "answer changed"
	}
	add(recorded)
	for _, id := range e.prune(next.Answers) {
		pruned := newAudit(now, AuditAnswerPruned)
		pruned.QuestionID = id
		pruned.Detail = "condition no longer met"
		add(pruned)
	}

	ev, err := e.clinical.Evaluate(next.Answers, next.Sex)
	if err != nil {
		return nil, fmt.Errorf("evaluate answers: %w", err)
	}

	fa := e.fraud.Analyze(ans, next.Answers)
	if fa.Recommendation != fraud.RecommendAccept {
		flagged := newAudit(now, AuditFraudFlagged)
		flagged.QuestionID = q.ID
		flagged.Detail = fmt.Sprintf("%s (score %d)", fa.Recommendation, fa.OverallScore)
		add(flagged)
	}

	res := &StepResult{Session: next, Risk: ev.Risk, Fraud: fa}
	switch {
	case ev.Emergency != nil:
		triggered := newAudit(now, AuditEmergencyTriggered)
		triggered.QuestionID = q.ID
		triggered.Detail = fmt.Sprintf("%s/%s", ev.Emergency.Type, ev.Emergency.Severity)
		add(triggered)
		e.finish(next, StageEmergencyTerminated, now, add)
		res.Outcome = OutcomeEmergency
		res.Emergency = ev.Emergency
	default:
		if nq := e.advance(next, ev.Risk.Level, now, add); nq != nil {
			e.present(next, nq, now)
			res.Outcome = OutcomeNextQuestion
			res.NextQuestion = nq
			break
		}
		e.finish(next, StageCompleted, now, add)
		add(newAudit(now, AuditAssessmentCompleted))
		res.Outcome = OutcomeCompleted
	}

	next.DomainsCompleted = e.domainsCompleted(next)
	next.UpdatedAt = now
	next.AuditLog = append(next.AuditLog, entries...)
	if next.Stage.Terminal() {
		res.Completion = e.completion(next, ev)
	}
	res.Progress = e.Progress(next)
	res.Audit = entries
	return res, nil
}

// Validate checks that a persisted session is internally consistent with the
// catalog. It never repairs anything.
func (e *Engine) Validate(s *Session) error {
	if s == nil {
		return fmt.Errorf("session is empty")
	}
	if s.ID == uuid.Nil {
		return fmt.Errorf("session id is missing")
	}
	if s.UserID == "" {
		return fmt.Errorf("user id is missing")
	}
	if !s.Stage.Valid() {
		return fmt.Errorf("unknown stage %q", s.Stage)
	}
	if !s.Sex.Valid() {
		return fmt.Errorf("unknown sex %q", s.Sex)
	}
	if s.StartedAt.IsZero() {
		return fmt.Errorf("start time is missing")
	}
	terminal := s.Stage.Terminal()
	if terminal && s.CompletedAt == nil {
		return fmt.Errorf("terminal session has no completion time")
	}
	if !terminal && s.CatalogVersion != e.cat.Version() {
		return fmt.Errorf("catalog version %q does not match %q", s.CatalogVersion, e.cat.Version())
	}

	rank := e.reachedRank(s)
	for id, a := range s.Answers {
		if a.QuestionID != id {
			return fmt.Errorf("answer keyed %s names question %s", id, a.QuestionID)
		}
		q, ok := e.cat.Question(id)
		if !ok {
			return fmt.Errorf("answer to unknown question %s", id)
		}
		if err := q.Validate(a.Value); err != nil {
			return fmt.Errorf("answer to %s: %w", id, err)
		}
		if q.Stage.Rank() > rank {
			return fmt.Errorf("answer to %s precedes its stage", id)
		}
		if !e.cat.IsEligible(q, s.Answers) {
			return fmt.Errorf("answer to ineligible question %s", id)
		}
	}

	if !terminal || s.CatalogVersion == e.cat.Version() {
		ev, err := e.clinical.Evaluate(s.Answers, s.Sex)
		if err != nil {
			return fmt.Errorf("evaluate answers: %w", err)
		}
		if !terminal && ev.Emergency != nil {
			return fmt.Errorf("session in %s holds an unhandled %s emergency", s.Stage, ev.Emergency.Type)
		}
		if s.Stage == StageEmergencyTerminated && ev.Emergency == nil {
			return fmt.Errorf("session ended in an emergency its answers do not raise")
		}
	}

	if terminal {
		return nil
	}
	if s.Stage != StageTriage && !enteredStage(s) {
		return fmt.Errorf("session never escalated to %s", s.Stage)
	}
	nq := e.NextQuestion(s)
	if nq == nil {
		return fmt.Errorf("session in %s has nothing left to ask", s.Stage)
	}
	if s.CurrentQuestionID != "" {
		if _, ok := e.cat.Question(s.CurrentQuestionID); !ok {
			return fmt.Errorf("current question %s is unknown", s.CurrentQuestionID)
		}
	}
	return nil
}

// enteredStage reports whether the audit log records the move into s.Stage.
func enteredStage(s *Session) bool {
	for _, entry := range s.AuditLog {
		if entry.Action == AuditStageChanged && entry.ToStage == s.Stage {
			return true
		}
	}
	return false
}

// pending lists eligible unanswered questions of every reached stage in
// presentation order.
func (e *Engine) pending(s *Session) []*catalog.Question {
	rank := e.reachedRank(s)
	var out []*catalog.Question
	for _, q := range e.cat.ListQuestions() {
		if q.Stage.Rank() > rank {
			continue
		}
		if _, answered := s.Answers[q.ID]; answered {
			continue
		}
		if e.cat.IsEligible(q, s.Answers) {
			out = append(out, q)
		}
	}
	return out
}

// reachedRank is the highest catalog stage the session has entered. Terminal
// sessions no longer carry it, so it is recovered from their answers.
func (e *Engine) reachedRank(s *Session) int {
	if qs, ok := s.Stage.questionStage(); ok {
		return qs.Rank()
	}
	rank := catalog.StageTriage.Rank()
	for id := range s.Answers {
		if q, ok := e.cat.Question(id); ok && q.Stage.Rank() > rank {
			rank = q.Stage.Rank()
		}
	}
	return rank
}

// advance returns the next question, escalating the stage while the current
// one is exhausted and risk is at least moderate. Nil means the session is done.
func (e *Engine) advance(s *Session, level clinical.RiskLevel, now time.Time, add func(AuditEntry)) *catalog.Question {
	for {
		if p := e.pending(s); len(p) > 0 {
			return p[0]
		}
		if !level.AtLeast(clinical.RiskModerate) {
			return nil
		}
		var to Stage
		switch s.Stage {
		case StageTriage:
			to = StageTargeted
		case StageTargeted:
			to = StageSpecialized
		default:
			return nil
		}
		changed := newAudit(now, AuditStageChanged)
		changed.FromStage, changed.ToStage = s.Stage, to
		add(changed)
		s.Stage = to
	}
}

func (e *Engine) finish(s *Session, to Stage, now time.Time, add func(AuditEntry)) {
	changed := newAudit(now, AuditStageChanged)
	changed.FromStage, changed.ToStage = s.Stage, to
	add(changed)
	s.Stage = to
	done := now
	s.CompletedAt = &done
	s.CurrentQuestionID = ""
	s.PresentedAt = nil
}

func (e *Engine) present(s *Session, q *catalog.Question, now time.Time) {
	if s.CurrentQuestionID == q.ID && s.PresentedAt != nil {
		return
	}
	at := now
	s.CurrentQuestionID = q.ID
	s.PresentedAt = &at
}

// latency prefers the client's measurement. Without one it is measured from
// presentation, or -1 when the question was not the one on screen.
func (e *Engine) latency(s *Session, questionID string, supplied *int64, now time.Time) int64 {
	if supplied != nil {
		return *supplied
	}
	if s.CurrentQuestionID != questionID || s.PresentedAt == nil {
		return -1
	}
	ms := now.Sub(*s.PresentedAt).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// prune removes answers whose conditions no longer hold, repeating until
// stable since one removal can invalidate another.
func (e *Engine) prune(answers catalog.Answers) []string {
	var removed []string
	for {
		changed := false
		for _, q := range e.cat.ListQuestions() {
			if _, ok := answers[q.ID]; !ok {
				continue
			}
			if !e.cat.IsEligible(q, answers) {
				delete(answers, q.ID)
				removed = append(removed, q.ID)
				changed = true
			}
		}
		if !changed {
			return removed
		}
	}
}

// domainsCompleted lists domains whose reached, eligible questions are all answered.
func (e *Engine) domainsCompleted(s *Session) []string {
	rank := e.reachedRank(s)
	seen := map[string]bool{}
	open := map[string]bool{}
	for _, q := range e.cat.ListQuestions() {
		if q.Stage.Rank() > rank {
			continue
		}
		seen[q.Domain] = true
		if _, ok := s.Answers[q.ID]; !ok && e.cat.IsEligible(q, s.Answers) {
			open[q.Domain] = true
		}
	}
	out := []string{}
	for d := range seen {
		if !open[d] {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) completion(s *Session, ev clinical.Evaluation) *CompletionResult {
	r := &CompletionResult{
		SessionID:      s.ID,
		UserID:         s.UserID,
		Stage:          s.Stage,
		CatalogVersion: s.CatalogVersion,
		Scores:         ev.Scores,
		Risk:           ev.Risk,
		Emergency:      ev.Emergency,
		Fraud:          e.fraud.Finalize(s.Answers),
		StartedAt:      s.StartedAt,
	}
	if s.CompletedAt != nil {
		r.CompletedAt = *s.CompletedAt
	}
	return r
}

func newAudit(at time.Time, action AuditAction) AuditEntry {
	return AuditEntry{ID: uuid.New(), At: at, Action: action}
}
