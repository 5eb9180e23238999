// Package clinical combines instrument scores and safety-critical items into
// a risk stratification and, when warranted, an emergency protocol.
package clinical

import (
	"fmt"
	"sort"

	"github.com/ehr/screening/internal/domain/catalog"
	"github.com/ehr/screening/internal/domain/protocol"
	"github.com/ehr/screening/internal/domain/scoring"
)

// RiskLevel is the overall stratification level.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{RiskLow: 0, RiskModerate: 1, RiskHigh: 2, RiskCritical: 3}

// AtLeast reports whether r is as severe as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool { return riskRank[r] >= riskRank[other] }

// Concern tags reported in PrimaryConcerns.
const (
	ConcernDepression           = "depression"
	ConcernAnxiety              = "anxiety"
	ConcernAlcoholUse           = "alcohol_use"
	ConcernSubstanceUse         = "substance_use"
	ConcernAllergy              = "allergy"
	ConcernCrisisHistory        = "crisis_history"
	ConcernSuicideRisk          = "suicide_risk"
	ConcernHarmToOthers         = "harm_to_others"
	ConcernAnaphylaxis          = "anaphylaxis"
	ConcernSubstanceCombination = "substance_combination"
)

// Hours until intervention per level.
const (
	hoursCritical        = 0
	hoursHighSingle      = 24
	hoursHighMultiple    = 4
	hoursModerate        = 72
	hoursLow             = 720
	frequentUseThreshold = 3
)

// RiskStratification is the derived risk for a set of answers.
type RiskStratification struct {
	Level              RiskLevel `json:"level"`
	ConfidenceScore    int       `json:"confidence_score"`
	PrimaryConcerns    []string  `json:"primary_concerns"`
	TimeToIntervention int       `json:"time_to_intervention_hours"`
	EscalationRequired bool      `json:"escalation_required"`
}

// Evaluation is the output of one decision pass.
type Evaluation struct {
	Scores    []scoring.ClinicalScore     `json:"scores"`
	Risk      RiskStratification          `json:"risk"`
	Emergency *protocol.EmergencyProtocol `json:"emergency_protocol,omitempty"`
}

// Engine evaluates answers. It is stateless and safe for concurrent use.
type Engine struct {
	cat    *catalog.Catalog
	scorer *scoring.Scorer
	lib    *protocol.Library
}

func NewEngine(cat *catalog.Catalog, scorer *scoring.Scorer, lib *protocol.Library) *Engine {
	return &Engine{cat: cat, scorer: scorer, lib: lib}
}

// Evaluate scores every instrument and stratifies risk. Any safety-critical
// trigger forces critical risk and a resolved emergency protocol regardless
// of totals. The only error is protocol.ErrProtocolUnavailable.
func (e *Engine) Evaluate(answers catalog.Answers, sex scoring.Sex) (Evaluation, error) {
	scores := e.scorer.ScoreAll(answers, sex)
	byInst := make(map[catalog.Instrument]*scoring.ClinicalScore, len(scores))
	for i := range scores {
		byInst[scores[i].Instrument] = &scores[i]
	}

	triggers := e.triggers(answers, byInst)
	concerns := map[string]bool{}
	level := RiskLow
	raise := func(l RiskLevel, concern string) {
		concerns[concern] = true
		if !level.AtLeast(l) {
			level = l
		}
	}
	highConcerns := 0
	raiseHigh := func(concern string) {
		highConcerns++
		raise(RiskHigh, concern)
	}

	frequentUse := e.frequentSubstanceUse(answers)

	if s := byInst[catalog.InstrumentPHQ9]; s.Severity == scoring.SeveritySevere {
		raiseHigh(ConcernDepression)
	} else if s.TotalScore >= 10 {
		raise(RiskModerate, ConcernDepression)
	}
	if s := byInst[catalog.InstrumentGAD7]; s.Severity == scoring.SeveritySevere {
		raiseHigh(ConcernAnxiety)
	} else if s.TotalScore >= 10 {
		raise(RiskModerate, ConcernAnxiety)
	}
	switch byInst[catalog.InstrumentAUDITC].Severity {
	case scoring.SeverityHighRisk:
		raiseHigh(ConcernAlcoholUse)
	case scoring.SeverityAtRisk:
		raise(RiskModerate, ConcernAlcoholUse)
	}
	if frequentUse {
		raiseHigh(ConcernSubstanceUse)
	} else if byInst[catalog.InstrumentNIDA].PositiveScreen {
		raise(RiskModerate, ConcernSubstanceUse)
	}
	if byInst[catalog.InstrumentCrisis].PositiveScreen {
		raiseHigh(ConcernCrisisHistory)
	}
	if byInst[catalog.InstrumentAllergy].PositiveScreen {
		concerns[ConcernAllergy] = true
	}

	var emergency *protocol.EmergencyProtocol
	if len(triggers) > 0 {
		for _, t := range triggers {
			raise(RiskCritical, string(t.Type))
		}
		p, err := e.lib.Resolve(triggers)
		if err != nil {
			return Evaluation{}, err
		}
		emergency = p
		for _, t := range triggers {
			if s, ok := byInst[t.Instrument]; ok {
				s.EmergencyProtocol = p
			}
		}
	}

	risk := RiskStratification{
		Level:              level,
		ConfidenceScore:    confidence(scores),
		PrimaryConcerns:    sortedKeys(concerns),
		TimeToIntervention: timeToIntervention(level, highConcerns),
		EscalationRequired: level.AtLeast(RiskHigh),
	}
	return Evaluation{Scores: scores, Risk: risk, Emergency: emergency}, nil
}

// triggers lists every safety-critical condition present in the answers.
func (e *Engine) triggers(answers catalog.Answers, byInst map[catalog.Instrument]*scoring.ClinicalScore) []protocol.Trigger {
	var out []protocol.Trigger
	for _, q := range e.cat.ListQuestions() {
		if !q.SafetyCritical {
			continue
		}
		code, ok := answers.Code(q.ID)
		if !ok || code == 0 {
			continue
		}
		t := protocol.Type(q.EmergencyType)
		out = append(out, protocol.Trigger{
			Type:       t,
			Severity:   severityFor(t, code),
			Instrument: q.Instrument,
			QuestionID: q.ID,
		})
	}
	if byInst[catalog.InstrumentAUDITC].PositiveScreen && e.frequentSubstanceUse(answers) {
		out = append(out, protocol.Trigger{
			Type:       protocol.TypeSubstanceCombination,
			Severity:   protocol.SeverityUrgent,
			Instrument: catalog.InstrumentNIDA,
			Detail:     "risky drinking combined with weekly or daily drug use",
		})
	}
	return out
}

// frequentSubstanceUse reports any NIDA item at weekly frequency or more.
func (e *Engine) frequentSubstanceUse(answers catalog.Answers) bool {
	for _, q := range e.cat.ScoredItems(catalog.InstrumentNIDA) {
		if code, ok := answers.Code(q.ID); ok && code >= frequentUseThreshold {
			return true
		}
	}
	return false
}

// CheckProtocols confirms the library can resolve every trigger the catalog's
// safety-critical items and the substance-combination rule can raise. The
// error wraps protocol.ErrProtocolUnavailable.
func (e *Engine) CheckProtocols() error {
	for _, q := range e.cat.ListQuestions() {
		if !q.SafetyCritical {
			continue
		}
		t := protocol.Type(q.EmergencyType)
		for _, s := range severities(t) {
			if !e.lib.Supports(t, s) {
				return fmt.Errorf("%w: question %s raises %s/%s", protocol.ErrProtocolUnavailable, q.ID, t, s)
			}
		}
	}
	if !e.lib.Supports(protocol.TypeSubstanceCombination, protocol.SeverityUrgent) {
		return fmt.Errorf("%w: no %s/%s protocol", protocol.ErrProtocolUnavailable,
			protocol.TypeSubstanceCombination, protocol.SeverityUrgent)
	}
	return nil
}

// severities lists what severityFor can return for t.
func severities(t protocol.Type) []protocol.Severity {
	switch t {
	case protocol.TypeHarmToOthers:
		return []protocol.Severity{protocol.SeverityImminent}
	case protocol.TypeSuicideRisk:
		return []protocol.Severity{protocol.SeverityImminent, protocol.SeverityUrgent}
	}
	return []protocol.Severity{protocol.SeverityUrgent}
}

func severityFor(t protocol.Type, code int) protocol.Severity {
	switch t {
	case protocol.TypeHarmToOthers:
		return protocol.SeverityImminent
	case protocol.TypeSuicideRisk:
		if code >= 2 {
			return protocol.SeverityImminent
		}
	}
	return protocol.SeverityUrgent
}

var confidenceInstruments = []catalog.Instrument{
	catalog.InstrumentPHQ9, catalog.InstrumentGAD7,
	catalog.InstrumentAUDITC, catalog.InstrumentNIDA,
}

// confidence grows with the number of instruments answered.
func confidence(scores []scoring.ClinicalScore) int {
	c := 20
	for _, s := range scores {
		for _, inst := range confidenceInstruments {
			if s.Instrument != inst {
				continue
			}
			switch {
			case s.Complete:
				c += 20
			case s.AnsweredItems > 0:
				c += 5
			}
		}
	}
	if c > 100 {
		c = 100
	}
	return c
}

func timeToIntervention(level RiskLevel, highConcerns int) int {
	switch level {
	case RiskCritical:
		return hoursCritical
	case RiskHigh:
		if highConcerns > 1 {
			return hoursHighMultiple
		}
		return hoursHighSingle
	case RiskModerate:
		return hoursModerate
	default:
		return hoursLow
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
