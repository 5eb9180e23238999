package assessment

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/screening/internal/domain/catalog"
	"github.com/ehr/screening/internal/domain/clinical"
	"github.com/ehr/screening/internal/domain/fraud"
	"github.com/ehr/screening/internal/domain/protocol"
	"github.com/ehr/screening/internal/domain/scoring"
)

// Stage is the flow state of a session.
type Stage string

const (
	StageTriage              Stage = "triage"
	StageTargeted            Stage = "targeted"
	StageSpecialized         Stage = "specialized"
	StageCompleted           Stage = "completed"
	StageEmergencyTerminated Stage = "emergency_terminated"
)

// Terminal reports whether no further answers are accepted.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageEmergencyTerminated
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageTriage, StageTargeted, StageSpecialized, StageCompleted, StageEmergencyTerminated:
		return true
	}
	return false
}

// questionStage maps an active flow stage to the catalog stage it asks from.
func (s Stage) questionStage() (catalog.Stage, bool) {
	switch s {
	case StageTriage:
		return catalog.StageTriage, true
	case StageTargeted:
		return catalog.StageTargeted, true
	case StageSpecialized:
		return catalog.StageSpecialized, true
	}
	return "", false
}

// AuditAction names an audit log entry.
type AuditAction string

const (
	AuditAnswerRecorded      AuditAction = "answer_recorded"
	AuditAnswerPruned        AuditAction = "answer_pruned"
	AuditStageChanged        AuditAction = "stage_changed"
	AuditEmergencyTriggered  AuditAction = "emergency_triggered"
	AuditFraudFlagged        AuditAction = "fraud_flagged"
	AuditAssessmentCompleted AuditAction = "assessment_completed"
	AuditAssessmentStarted   AuditAction = "assessment_started"
)

// AuditEntry is one append-only record of a state change. Answer values are
// never recorded here.
type AuditEntry struct {
	ID         uuid.UUID   `json:"id"`
	At         time.Time   `json:"at"`
	Action     AuditAction `json:"action"`
	QuestionID string      `json:"question_id,omitempty"`
	FromStage  Stage       `json:"from_stage,omitempty"`
	ToStage    Stage       `json:"to_stage,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

// Session is the single mutable aggregate of one assessment. Scores are
// never stored; they are always derived from Answers.
type Session struct {
	ID                uuid.UUID       `json:"id"`
	UserID            string          `json:"user_id"`
	Sex               scoring.Sex     `json:"sex,omitempty"`
	CatalogVersion    string          `json:"catalog_version"`
	Answers           catalog.Answers `json:"answers"`
	DomainsCompleted  []string        `json:"domains_completed"`
	Stage             Stage           `json:"stage"`
	CurrentQuestionID string          `json:"current_question_id,omitempty"`
	PresentedAt       *time.Time      `json:"presented_at,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Version           int             `json:"version"`
	AuditLog          []AuditEntry    `json:"audit_log"`
}

// Clone returns a deep copy so that transitions never mutate their input.
func (s *Session) Clone() *Session {
	out := *s
	out.Answers = s.Answers.Clone()
	out.DomainsCompleted = append([]string(nil), s.DomainsCompleted...)
	out.AuditLog = append([]AuditEntry(nil), s.AuditLog...)
	if s.PresentedAt != nil {
		t := *s.PresentedAt
		out.PresentedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Progress reports how far the session has come.
type Progress struct {
	Answered   int     `json:"answered"`
	Remaining  int     `json:"remaining"`
	Percentage float64 `json:"percentage"`
	Stage      Stage   `json:"stage"`
}

// Outcome is the variant returned by a submitted answer.
type Outcome string

const (
	OutcomeNextQuestion Outcome = "next_question"
	OutcomeCompleted    Outcome = "completed"
	OutcomeEmergency    Outcome = "emergency"
)

// CompletionResult is emitted once a session reaches a terminal stage.
type CompletionResult struct {
	SessionID      uuid.UUID                   `json:"session_id"`
	UserID         string                      `json:"user_id"`
	Stage          Stage                       `json:"stage"`
	CatalogVersion string                      `json:"catalog_version"`
	Scores         []scoring.ClinicalScore     `json:"scores"`
	Risk           clinical.RiskStratification `json:"risk_stratification"`
	Emergency      *protocol.EmergencyProtocol `json:"emergency_protocol,omitempty"`
	Fraud          fraud.FraudAnalysis         `json:"fraud_analysis"`
	StartedAt      time.Time                   `json:"started_at"`
	CompletedAt    time.Time                   `json:"completed_at"`
}

// StepResult is the outcome of one answer submission. Exactly one of
// NextQuestion, Completion (with or without Emergency) is meaningful per
// Outcome.
type StepResult struct {
	Session      *Session                    `json:"-"`
	Outcome      Outcome                     `json:"outcome"`
	NextQuestion *catalog.Question           `json:"next_question,omitempty"`
	Completion   *CompletionResult           `json:"completion,omitempty"`
	Emergency    *protocol.EmergencyProtocol `json:"emergency_protocol,omitempty"`
	Risk         clinical.RiskStratification `json:"risk_stratification"`
	Fraud        fraud.FraudAnalysis         `json:"fraud_analysis"`
	Progress     Progress                    `json:"progress"`
	Audit        []AuditEntry                `json:"audit"`
}
