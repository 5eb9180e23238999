package assessment

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ehr/screening/internal/domain/catalog"
	"github.com/ehr/screening/internal/domain/clinical"
	"github.com/ehr/screening/internal/domain/fraud"
	"github.com/ehr/screening/internal/domain/protocol"
	"github.com/ehr/screening/internal/domain/scoring"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	lib, err := protocol.DefaultLibrary()
	if err != nil {
		t.Fatalf("load protocols: %v", err)
	}
	scorer := scoring.NewScorer(cat, scoring.DefaultConfig())
	e := NewEngine(cat, clinical.NewEngine(cat, scorer, lib), fraud.NewDetector(cat, fraud.DefaultConfig()))
	clock := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	e.now = func() time.Time {
		clock = clock.Add(30 * time.Second)
		return clock
	}
	return e
}

func newTestSession(t *testing.T, e *Engine) *Session {
	t.Helper()
	s, err := e.NewSession("user-1", scoring.SexUnspecified)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func mustAnswer(t *testing.T, e *Engine, s *Session, id string, code int) *StepResult {
	t.Helper()
	res, err := e.RecordAnswer(s, id, catalog.CodeValue(code), nil)
	if err != nil {
		t.Fatalf("answer %s=%d: %v", id, code, err)
	}
	return res
}

// drive answers whatever is asked next, using codes when given and 0
// otherwise, until the session ends or stop is asked.
func drive(t *testing.T, e *Engine, s *Session, codes map[string]int, stop string) (*Session, *StepResult) {
	t.Helper()
	var last *StepResult
	for i := 0; i < 100; i++ {
		q := e.NextQuestion(s)
		if q == nil || q.ID == stop {
			return s, last
		}
		v := catalog.CodeValue(codes[q.ID])
		if q.ResponseType() == catalog.ResponseMultiSelect {
			v = catalog.SelectedValue(1)
		}
		res, err := e.RecordAnswer(s, q.ID, v, nil)
		if err != nil {
			t.Fatalf("answer %s: %v", q.ID, err)
		}
		s, last = res.Session, res
	}
	t.Fatal("session did not finish")
	return nil, nil
}

func hasAudit(entries []AuditEntry, action AuditAction) bool {
	for _, a := range entries {
		if a.Action == action {
			return true
		}
	}
	return false
}

func TestNewSession(t *testing.T) {
	e := newTestEngine(t)
	s := newTestSession(t, e)
	if s.Stage != StageTriage {
		t.Errorf("expected triage, got %s", s.Stage)
	}
	if s.CurrentQuestionID != "phq9_1" {
		t.Errorf("expected phq9_1, got %s", s.CurrentQuestionID)
	}
	if s.PresentedAt == nil {
		t.Error("expected presentation time")
	}
	if !hasAudit(s.AuditLog, AuditAssessmentStarted) {
		t.Error("expected start audit entry")
	}
	if err := e.Validate(s); err != nil {
		t.Errorf("new session should validate: %v", err)
	}
}

func TestNewSession_Validation(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.NewSession("", scoring.SexUnspecified); err == nil {
		t.Error("expected error for missing user")
	}
	var verr *ValidationError
	if _, err := e.NewSession("u", scoring.Sex("other")); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestRecordAnswer_AllZeroCompletesAfterTriage(t *testing.T) {
	e := newTestEngine(t)
	s, last := drive(t, e, newTestSession(t, e), nil, "")

	if last.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", last.Outcome)
	}
	if s.Stage != StageCompleted || s.CompletedAt == nil {
		t.Errorf("stage = %s", s.Stage)
	}
	if len(s.Answers) != 17 {
		t.Errorf("expected 17 answers, got %d", len(s.Answers))
	}
	if _, ok := s.Answers["auditc_1"]; ok {
		t.Error("low risk should not reach targeted questions")
	}
	if last.Completion == nil || last.Completion.Risk.Level != clinical.RiskLow {
		t.Fatalf("expected low-risk completion, got %+v", last.Completion)
	}
	if last.Completion.Emergency != nil {
		t.Error("expected no emergency")
	}
	if last.Progress.Percentage != 100 {
		t.Errorf("progress = %v, want 100", last.Progress.Percentage)
	}
	if got := fmt.Sprint(s.DomainsCompleted); got != "[allergy mental_health]" {
		t.Errorf("domains completed = %s", got)
	}
	if !hasAudit(last.Audit, AuditAssessmentCompleted) {
		t.Error("expected completion audit entry")
	}
}

func TestRecordAnswer_SuicidalIdeationTerminates(t *testing.T) {
	e := newTestEngine(t)
	s, _ := drive(t, e, newTestSession(t, e), nil, "phq9_9")
	res := mustAnswer(t, e, s, "phq9_9", 1)

	if res.Outcome != OutcomeEmergency {
		t.Fatalf("expected emergency, got %s", res.Outcome)
	}
	if res.Emergency == nil || res.Emergency.Type != protocol.TypeSuicideRisk {
		t.Fatalf("expected suicide protocol, got %+v", res.Emergency)
	}
	if res.NextQuestion != nil {
		t.Error("no further question may be issued")
	}
	if res.Session.Stage != StageEmergencyTerminated {
		t.Errorf("stage = %s", res.Session.Stage)
	}
	if res.Risk.Level != clinical.RiskCritical || res.Risk.TimeToIntervention != 0 {
		t.Errorf("risk = %+v", res.Risk)
	}
	if res.Completion == nil || res.Completion.Emergency == nil {
		t.Error("completion should carry the protocol")
	}
	if !hasAudit(res.Audit, AuditEmergencyTriggered) {
		t.Error("expected emergency audit entry")
	}

	_, err := e.RecordAnswer(res.Session, "gad7_1", catalog.CodeValue(0), nil)
	if !errors.Is(err, ErrAssessmentClosed) {
		t.Errorf("expected ErrAssessmentClosed, got %v", err)
	}
}

func TestRecordAnswer_FunctionalFollowUpAtTen(t *testing.T) {
	e := newTestEngine(t)

	s, _ := drive(t, e, newTestSession(t, e), map[string]int{"phq9_1": 2, "phq9_2": 2, "phq9_3": 2, "phq9_4": 2, "phq9_5": 1}, "gad7_1")
	if _, ok := s.Answers["phq9_func"]; ok {
		t.Error("follow-up asked with total 9")
	}

	s2, _ := drive(t, e, newTestSession(t, e), map[string]int{"phq9_1": 2, "phq9_2": 2, "phq9_3": 2, "phq9_4": 2, "phq9_5": 2}, "gad7_1")
	if _, ok := s2.Answers["phq9_func"]; !ok {
		t.Error("follow-up not asked with total 10")
	}
	if _, ok := s2.Answers["phq9_duration"]; !ok {
		t.Error("duration follow-up not asked with total 10")
	}
}

func TestRecordAnswer_ChangedAnswerPrunesFollowUps(t *testing.T) {
	e := newTestEngine(t)
	s, _ := drive(t, e, newTestSession(t, e), map[string]int{"phq9_1": 2, "phq9_2": 2, "phq9_3": 2, "phq9_4": 2, "phq9_5": 2, "phq9_func": 1}, "gad7_1")
	if _, ok := s.Answers["phq9_func"]; !ok {
		t.Fatal("expected follow-up answered")
	}

	res := mustAnswer(t, e, s, "phq9_1", 0)
	if _, ok := res.Session.Answers["phq9_func"]; ok {
		t.Error("follow-up should be pruned once the total drops below 10")
	}
	if _, ok := res.Session.Answers["phq9_duration"]; ok {
		t.Error("duration follow-up should be pruned")
	}
	pruned := 0
	for _, a := range res.Audit {
		if a.Action == AuditAnswerPruned {
			pruned++
		}
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned entries, got %d", pruned)
	}
	if res.Audit[0].Detail != "answer changed" {
		t.Errorf("expected changed answer detail, got %q", res.Audit[0].Detail)
	}
	if err := e.Validate(res.Session); err != nil {
		t.Errorf("pruned session should validate: %v", err)
	}
}

func TestRecordAnswer_StaleQuestion(t *testing.T) {
	e := newTestEngine(t)
	s := newTestSession(t, e)

	tests := []struct {
		name string
		id   string
	}{
		{"condition false", "phq9_func"},
		{"stage not reached", "auditc_1"},
		{"dependent on unanswered", "allergy_anaphylaxis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.RecordAnswer(s, tt.id, catalog.CodeValue(0), nil)
			var stale *StaleQuestionError
			if !errors.As(err, &stale) {
				t.Fatalf("expected StaleQuestionError, got %v", err)
			}
			if stale.QuestionID != tt.id {
				t.Errorf("question id = %s", stale.QuestionID)
			}
		})
	}
	if len(s.Answers) != 0 {
		t.Error("session changed after rejected answers")
	}
}

func TestRecordAnswer_ValidationErrors(t *testing.T) {
	e := newTestEngine(t)
	s := newTestSession(t, e)
	neg := int64(-5)

	tests := []struct {
		name    string
		id      string
		value   catalog.Value
		latency *int64
		field   string
	}{
		{"unknown question", "phq9_99", catalog.CodeValue(0), nil, "question_id"},
		{"out of range", "phq9_1", catalog.CodeValue(7), nil, "value"},
		{"missing code", "phq9_1", catalog.Value{}, nil, "value"},
		{"negative latency", "phq9_1", catalog.CodeValue(0), &neg, "latency_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.RecordAnswer(s, tt.id, tt.value, tt.latency)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %s, want %s", verr.Field, tt.field)
			}
		})
	}
	if len(s.Answers) != 0 || len(s.AuditLog) != 1 {
		t.Error("session changed after rejected answers")
	}
}

func TestRecordAnswer_DoesNotMutateInput(t *testing.T) {
	e := newTestEngine(t)
	s := newTestSession(t, e)
	before := s.Clone()

	res := mustAnswer(t, e, s, "phq9_1", 1)
	if len(s.Answers) != 0 || len(s.AuditLog) != len(before.AuditLog) {
		t.Error("input session was mutated")
	}
	if s.CurrentQuestionID != before.CurrentQuestionID {
		t.Error("input current question changed")
	}
	if res.Session == s {
		t.Error("expected a new session value")
	}
	if res.NextQuestion == nil || res.NextQuestion.ID != "phq9_2" {
		t.Errorf("next question = %+v", res.NextQuestion)
	}
}

func TestRecordAnswer_EscalatesOnModerateRisk(t *testing.T) {
	e := newTestEngine(t)
	codes := map[string]int{"phq9_1": 2, "phq9_2": 2, "phq9_3": 2, "phq9_4": 2, "phq9_5": 2}

	s, last := drive(t, e, newTestSession(t, e), codes, "auditc_1")
	if s.Stage != StageTargeted {
		t.Fatalf("expected targeted, got %s", s.Stage)
	}
	if !hasAudit(last.Audit, AuditStageChanged) {
		t.Error("expected stage change entry")
	}
	if last.NextQuestion == nil || last.NextQuestion.ID != "auditc_1" {
		t.Errorf("next = %+v", last.NextQuestion)
	}

	s, _ = drive(t, e, s, codes, "crisis_harm_others")
	if s.Stage != StageSpecialized {
		t.Fatalf("expected specialized, got %s", s.Stage)
	}

	s, last = drive(t, e, s, codes, "")
	if s.Stage != StageCompleted {
		t.Errorf("expected completed, got %s", s.Stage)
	}
	if got := fmt.Sprint(s.DomainsCompleted); got != "[allergy crisis_intervention mental_health risk_behaviors]" {
		t.Errorf("domains completed = %s", got)
	}
	if last.Completion == nil || len(last.Completion.Scores) != len(catalog.Instruments) {
		t.Error("expected every instrument scored")
	}
}

// moderateDepression puts PHQ-9 at 10, enough to escalate out of triage.
var moderateDepression = map[string]int{"phq9_1": 2, "phq9_2": 2, "phq9_3": 2, "phq9_4": 2, "phq9_5": 2}

func stageChange(entries []AuditEntry, to Stage) *AuditEntry {
	for i := range entries {
		if entries[i].Action == AuditStageChanged && entries[i].ToStage == to {
			return &entries[i]
		}
	}
	return nil
}

func TestRecordAnswer_TargetedCompletesWhenRiskDrops(t *testing.T) {
	e := newTestEngine(t)
	s, _ := drive(t, e, newTestSession(t, e), moderateDepression, "auditc_1")
	if s.Stage != StageTargeted {
		t.Fatalf("expected targeted, got %s", s.Stage)
	}

	res := mustAnswer(t, e, s, "phq9_1", 0)
	if res.Outcome != OutcomeNextQuestion || res.NextQuestion.ID != "auditc_1" {
		t.Fatalf("outcome = %s, next = %+v", res.Outcome, res.NextQuestion)
	}
	if _, ok := res.Session.Answers["phq9_func"]; ok {
		t.Error("expected phq9_func pruned once PHQ-9 fell below 10")
	}

	s, last := drive(t, e, res.Session, nil, "")
	if s.Stage != StageCompleted {
		t.Fatalf("expected completed, got %s", s.Stage)
	}
	if last.Completion.Risk.Level != clinical.RiskLow {
		t.Errorf("risk = %s, want low", last.Completion.Risk.Level)
	}
	if stageChange(s.AuditLog, StageSpecialized) != nil {
		t.Error("session should not have escalated to specialized")
	}
	if _, ok := s.Answers["crisis_harm_others"]; ok {
		t.Error("specialized question was asked")
	}
	if changed := stageChange(s.AuditLog, StageCompleted); changed == nil || changed.FromStage != StageTargeted {
		t.Errorf("expected targeted -> completed, got %+v", changed)
	}
}

func TestRecordAnswer_SubstanceCombinationEndsTargeted(t *testing.T) {
	e := newTestEngine(t)
	s, _ := drive(t, e, newTestSession(t, e), moderateDepression, "auditc_1")

	codes := map[string]int{"auditc_1": 2, "auditc_2": 1, "auditc_3": 1, "nida_1": 3}
	s, last := drive(t, e, s, codes, "")
	if s.Stage != StageEmergencyTerminated {
		t.Fatalf("expected emergency_terminated, got %s", s.Stage)
	}
	if last.Outcome != OutcomeEmergency || last.Emergency == nil {
		t.Fatalf("outcome = %s, emergency = %v", last.Outcome, last.Emergency)
	}
	if last.Emergency.Type != protocol.TypeSubstanceCombination {
		t.Errorf("emergency type = %s", last.Emergency.Type)
	}
	if _, ok := s.Answers["nida_2"]; ok {
		t.Error("no question may follow the emergency")
	}
	if changed := stageChange(s.AuditLog, StageEmergencyTerminated); changed == nil || changed.FromStage != StageTargeted {
		t.Errorf("expected targeted -> emergency_terminated, got %+v", changed)
	}
	if err := e.Validate(s); err != nil {
		t.Errorf("emergency session should validate: %v", err)
	}
}

func TestRecordAnswer_HarmToOthersEndsSpecialized(t *testing.T) {
	e := newTestEngine(t)
	s, _ := drive(t, e, newTestSession(t, e), moderateDepression, "crisis_harm_others")
	if s.Stage != StageSpecialized {
		t.Fatalf("expected specialized, got %s", s.Stage)
	}

	res := mustAnswer(t, e, s, "crisis_harm_others", 1)
	if res.Outcome != OutcomeEmergency || res.Session.Stage != StageEmergencyTerminated {
		t.Fatalf("outcome = %s, stage = %s", res.Outcome, res.Session.Stage)
	}
	if res.Emergency.Type != protocol.TypeHarmToOthers || res.Emergency.Severity != protocol.SeverityImminent {
		t.Errorf("emergency = %s/%s", res.Emergency.Type, res.Emergency.Severity)
	}
	if res.NextQuestion != nil {
		t.Errorf("unexpected next question %s", res.NextQuestion.ID)
	}
	if changed := stageChange(res.Audit, StageEmergencyTerminated); changed == nil || changed.FromStage != StageSpecialized {
		t.Errorf("expected specialized -> emergency_terminated, got %+v", changed)
	}
	if _, err := e.RecordAnswer(res.Session, "crisis_prior_attempt", catalog.CodeValue(0), nil); !errors.Is(err, ErrAssessmentClosed) {
		t.Errorf("expected ErrAssessmentClosed, got %v", err)
	}
}

func TestProgress_MonotonicWithinStage(t *testing.T) {
	e := newTestEngine(t)
	s := newTestSession(t, e)
	prev := e.Progress(s).Percentage
	if prev != 0 {
		t.Errorf("initial progress = %v", prev)
	}
	for i := 0; i < 16; i++ {
		q := e.NextQuestion(s)
		res := mustAnswer(t, e, s, q.ID, 0)
		if res.Progress.Percentage < prev {
			t.Fatalf("progress fell from %v to %v at %s", prev, res.Progress.Percentage, q.ID)
		}
		prev = res.Progress.Percentage
		s = res.Session
	}
}

func TestProgress_DenominatorGrowsWithFollowUps(t *testing.T) {
	e := newTestEngine(t)
	s, _ := drive(t, e, newTestSession(t, e), map[string]int{"phq9_1": 2, "phq9_2": 2, "phq9_3": 2, "phq9_4": 2}, "phq9_5")
	before := e.Progress(s)

	res := mustAnswer(t, e, s, "phq9_5", 2)
	after := res.Progress
	if after.Answered != before.Answered+1 {
		t.Errorf("answered %d -> %d", before.Answered, after.Answered)
	}
	if after.Answered+after.Remaining != before.Answered+before.Remaining+2 {
		t.Errorf("expected two new eligible questions, totals %d -> %d",
			before.Answered+before.Remaining, after.Answered+after.Remaining)
	}
}

func TestProgress_PrunedFollowUpsLeaveAnsweredCount(t *testing.T) {
	e := newTestEngine(t)
	s, _ := drive(t, e, newTestSession(t, e), moderateDepression, "gad7_1")
	before := e.Progress(s)

	res := mustAnswer(t, e, s, "phq9_1", 0)
	if got := res.Progress.Answered; got != before.Answered-2 {
		t.Errorf("answered = %d, want %d after pruning both PHQ-9 follow-ups", got, before.Answered-2)
	}
	if !hasAudit(res.Audit, AuditAnswerPruned) {
		t.Error("expected prune audit entries")
	}
}

func TestRecordAnswer_LatencyDerivedFromPresentation(t *testing.T) {
	e := newTestEngine(t)
	s := newTestSession(t, e)

	res := mustAnswer(t, e, s, "phq9_1", 1)
	if got := res.Session.Answers["phq9_1"].LatencyMs; got != 30000 {
		t.Errorf("latency = %d, want 30000", got)
	}

	// re-answering a question that is not on screen has no measurement
	res = mustAnswer(t, e, res.Session, "phq9_1", 0)
	if got := res.Session.Answers["phq9_1"].LatencyMs; got != -1 {
		t.Errorf("latency = %d, want -1", got)
	}

	supplied := int64(4200)
	res, err := e.RecordAnswer(res.Session, "phq9_2", catalog.CodeValue(0), &supplied)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := res.Session.Answers["phq9_2"].LatencyMs; got != 4200 {
		t.Errorf("latency = %d, want 4200", got)
	}
}

func TestRecordAnswer_FastAnswerFlaggedButNotBlocked(t *testing.T) {
	e := newTestEngine(t)
	s := newTestSession(t, e)
	fast := int64(10)
	res, err := e.RecordAnswer(s, "phq9_1", catalog.CodeValue(0), &fast)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeNextQuestion {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if res.Fraud.Recommendation == fraud.RecommendAccept {
		t.Error("expected a non-accept recommendation")
	}
	if !hasAudit(res.Audit, AuditFraudFlagged) {
		t.Error("expected fraud audit entry")
	}
}

func TestValidate_CorruptSessions(t *testing.T) {
	e := newTestEngine(t)
	base, _ := drive(t, e, newTestSession(t, e), nil, "gad7_1")

	tests := []struct {
		name   string
		mutate func(s *Session)
	}{
		{"unknown stage", func(s *Session) { s.Stage = "limbo" }},
		{"unknown question", func(s *Session) {
			s.Answers["zzz"] = catalog.Answer{QuestionID: "zzz", Value: catalog.CodeValue(0)}
		}},
		{"mismatched key", func(s *Session) {
			a := s.Answers["phq9_1"]
			a.QuestionID = "phq9_2"
			s.Answers["phq9_1"] = a
		}},
		{"invalid value", func(s *Session) {
			s.Answers["phq9_1"] = catalog.Answer{QuestionID: "phq9_1", Value: catalog.CodeValue(9)}
		}},
		{"ineligible answer", func(s *Session) {
			s.Answers["phq9_func"] = catalog.Answer{QuestionID: "phq9_func", Value: catalog.CodeValue(1)}
		}},
		{"answer beyond stage", func(s *Session) {
			s.Answers["auditc_1"] = catalog.Answer{QuestionID: "auditc_1", Value: catalog.CodeValue(1)}
		}},
		{"terminal without completion", func(s *Session) { s.Stage = StageCompleted }},
		{"missing user", func(s *Session) { s.UserID = "" }},
		{"catalog drift", func(s *Session) { s.CatalogVersion = "1999.1" }},
		{"emergency answer left open", func(s *Session) {
			s.Answers["phq9_9"] = catalog.Answer{QuestionID: "phq9_9", Value: catalog.CodeValue(2)}
		}},
		{"emergency stage without trigger", func(s *Session) {
			done := s.UpdatedAt
			s.Stage = StageEmergencyTerminated
			s.CompletedAt = &done
		}},
		{"stage never entered", func(s *Session) { s.Stage = StageSpecialized }},
		{"specialized without answers", func(s *Session) {
			s.Stage = StageSpecialized
			s.Answers = catalog.Answers{}
		}},
	}
	if err := e.Validate(base); err != nil {
		t.Fatalf("base session invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base.Clone()
			tt.mutate(s)
			if err := e.Validate(s); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_EscalatedSession(t *testing.T) {
	e := newTestEngine(t)
	s, _ := drive(t, e, newTestSession(t, e), moderateDepression, "crisis_harm_others")
	if err := e.Validate(s); err != nil {
		t.Fatalf("escalated session should validate: %v", err)
	}

	s.AuditLog = s.AuditLog[:1]
	if err := e.Validate(s); err == nil {
		t.Error("expected error once the stage changes are dropped")
	}
}

func TestResult(t *testing.T) {
	e := newTestEngine(t)
	s := newTestSession(t, e)
	if _, err := e.Result(s); !errors.Is(err, ErrAssessmentOpen) {
		t.Errorf("expected ErrAssessmentOpen, got %v", err)
	}
	done, last := drive(t, e, s, nil, "")
	r, err := e.Result(done)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Risk.Level != last.Completion.Risk.Level || r.SessionID != done.ID {
		t.Error("rebuilt result differs from the step's completion")
	}
	if !r.CompletedAt.Equal(*done.CompletedAt) {
		t.Error("completion time mismatch")
	}
}
