// Package scoring maps answered catalog items to validated instrument scores
// and severity buckets.
package scoring

import (
	"fmt"

	"github.com/ehr/screening/internal/domain/catalog"
	"github.com/ehr/screening/internal/domain/protocol"
)

// Sex selects the AUDIT-C cutoff. The zero value is unspecified.
type Sex string

const (
	SexUnspecified Sex = ""
	SexMale        Sex = "male"
	SexFemale      Sex = "female"
)

// Valid reports whether s is a recognized value.
func (s Sex) Valid() bool {
	return s == SexUnspecified || s == SexMale || s == SexFemale
}

// Severity is an instrument-specific severity bucket.
type Severity string

const (
	SeverityMinimal          Severity = "minimal"
	SeverityMild             Severity = "mild"
	SeverityModerate         Severity = "moderate"
	SeverityModeratelySevere Severity = "moderately_severe"
	SeveritySevere           Severity = "severe"

	SeverityLowRisk  Severity = "low_risk"
	SeverityAtRisk   Severity = "at_risk"
	SeverityHighRisk Severity = "high_risk"

	SeverityNegative Severity = "negative"
	SeverityPositive Severity = "positive"

	SeverityNone               Severity = "none"
	SeverityReported           Severity = "reported"
	SeverityAnaphylaxisHistory Severity = "anaphylaxis_history"
	SeverityFlagged            Severity = "flagged"
)

// Config holds the configurable AUDIT-C cutoffs.
type Config struct {
	AuditCCutoffDefault int
	AuditCCutoffMale    int
	AuditCCutoffFemale  int
	AuditCHighRisk      int
}

// DefaultConfig uses the conservative cutoff of 4 for everyone.
func DefaultConfig() Config {
	return Config{
		AuditCCutoffDefault: 4,
		AuditCCutoffMale:    4,
		AuditCCutoffFemale:  4,
		AuditCHighRisk:      8,
	}
}

// Validate checks every cutoff lies in the AUDIT-C range.
func (c Config) Validate() error {
	for name, v := range map[string]int{
		"default": c.AuditCCutoffDefault, "male": c.AuditCCutoffMale,
		"female": c.AuditCCutoffFemale, "high risk": c.AuditCHighRisk,
	} {
		if v < 1 || v > 12 {
			return fmt.Errorf("audit-c %s cutoff must be between 1 and 12, got %d", name, v)
		}
	}
	for _, v := range []int{c.AuditCCutoffDefault, c.AuditCCutoffMale, c.AuditCCutoffFemale} {
		if v > c.AuditCHighRisk {
			return fmt.Errorf("audit-c cutoff %d exceeds high risk cutoff %d", v, c.AuditCHighRisk)
		}
	}
	return nil
}

// AuditCCutoff returns the risky-drinking cutoff for sex.
func (c Config) AuditCCutoff(sex Sex) int {
	switch sex {
	case SexMale:
		return c.AuditCCutoffMale
	case SexFemale:
		return c.AuditCCutoffFemale
	default:
		return c.AuditCCutoffDefault
	}
}

// ClinicalScore is the derived score of one instrument. MaxScore is 0 for
// screens without a summed score, where TotalScore is informational only.
type ClinicalScore struct {
	Instrument        catalog.Instrument          `json:"instrument"`
	TotalScore        int                         `json:"total_score"`
	MaxScore          int                         `json:"max_score"`
	Severity          Severity                    `json:"severity"`
	ICD10Code         string                      `json:"icd10_code,omitempty"`
	AnsweredItems     int                         `json:"answered_items"`
	TotalItems        int                         `json:"total_items"`
	Complete          bool                        `json:"complete"`
	PositiveScreen    bool                        `json:"positive_screen"`
	EmergencyProtocol *protocol.EmergencyProtocol `json:"emergency_protocol,omitempty"`
}

// Scorer computes ClinicalScores from catalog answers. It holds no session state.
type Scorer struct {
	cat *catalog.Catalog
	cfg Config
}

func NewScorer(cat *catalog.Catalog, cfg Config) *Scorer {
	return &Scorer{cat: cat, cfg: cfg}
}

// Config returns the scorer's cutoffs.
func (s *Scorer) Config() Config { return s.cfg }

// Score sums the instrument's answered items and buckets the total.
// Unanswered items contribute 0.
func (s *Scorer) Score(inst catalog.Instrument, answers catalog.Answers, sex Sex) ClinicalScore {
	items := s.cat.ScoredItems(inst)
	answered := 0
	anyNonZero := false
	for _, q := range items {
		if code, ok := answers.Code(q.ID); ok {
			answered++
			if code != 0 {
				anyNonZero = true
			}
		}
	}
	total := s.cat.Total(inst, answers)

	cs := ClinicalScore{
		Instrument:    inst,
		TotalScore:    total,
		MaxScore:      s.cat.MaxScore(inst),
		AnsweredItems: answered,
		TotalItems:    len(items),
		Complete:      len(items) > 0 && answered == len(items),
	}

	switch inst {
	case catalog.InstrumentPHQ9:
		cs.Severity = PHQ9Severity(total)
		cs.PositiveScreen = total >= 10
	case catalog.InstrumentGAD7:
		cs.Severity = GAD7Severity(total)
		cs.PositiveScreen = total >= 10
	case catalog.InstrumentAUDITC:
		cs.Severity = AuditCSeverity(total, s.cfg.AuditCCutoff(sex), s.cfg.AuditCHighRisk)
		cs.PositiveScreen = cs.Severity != SeverityLowRisk
	case catalog.InstrumentNIDA:
		cs.MaxScore = 0
		cs.Severity = SeverityNegative
		if anyNonZero {
			cs.Severity = SeverityPositive
		}
		cs.PositiveScreen = anyNonZero
	case catalog.InstrumentAllergy:
		cs.Severity = AllergySeverity(total)
		cs.PositiveScreen = total > 0
	case catalog.InstrumentCrisis:
		cs.Severity = SeverityNone
		if total > 0 {
			cs.Severity = SeverityFlagged
		}
		cs.PositiveScreen = total > 0
	}
	cs.ICD10Code = ICD10(inst, cs.Severity)
	return cs
}

// ScoreAll scores every instrument in catalog.Instruments order.
func (s *Scorer) ScoreAll(answers catalog.Answers, sex Sex) []ClinicalScore {
	out := make([]ClinicalScore, 0, len(catalog.Instruments))
	for _, inst := range catalog.Instruments {
		out = append(out, s.Score(inst, answers, sex))
	}
	return out
}

// PHQ9Severity buckets a PHQ-9 total (0-27).
func PHQ9Severity(total int) Severity {
	switch {
	case total >= 20:
		return SeveritySevere
	case total >= 15:
		return SeverityModeratelySevere
	case total >= 10:
		return SeverityModerate
	case total >= 5:
		return SeverityMild
	default:
		return SeverityMinimal
	}
}

// GAD7Severity buckets a GAD-7 total (0-21).
func GAD7Severity(total int) Severity {
	switch {
	case total >= 15:
		return SeveritySevere
	case total >= 10:
		return SeverityModerate
	case total >= 5:
		return SeverityMild
	default:
		return SeverityMinimal
	}
}

// AuditCSeverity buckets an AUDIT-C total (0-12) against the given cutoffs.
func AuditCSeverity(total, cutoff, highRisk int) Severity {
	switch {
	case total >= highRisk:
		return SeverityHighRisk
	case total >= cutoff:
		return SeverityAtRisk
	default:
		return SeverityLowRisk
	}
}

// AllergySeverity buckets the allergy history items.
func AllergySeverity(total int) Severity {
	switch {
	case total >= 2:
		return SeverityAnaphylaxisHistory
	case total == 1:
		return SeverityReported
	default:
		return SeverityNone
	}
}

var icd10 = map[catalog.Instrument]map[Severity]string{
	catalog.InstrumentPHQ9: {
		SeverityMild:             "F32.0",
		SeverityModerate:         "F32.1",
		SeverityModeratelySevere: "F32.1",
		SeveritySevere:           "F32.2",
	},
	catalog.InstrumentGAD7: {
		SeverityMild:     "F41.1",
		SeverityModerate: "F41.1",
		SeveritySevere:   "F41.1",
	},
	catalog.InstrumentAUDITC: {
		SeverityAtRisk:   "Z71.41",
		SeverityHighRisk: "F10.10",
	},
	catalog.InstrumentNIDA: {
		SeverityPositive: "F19.10",
	},
	catalog.InstrumentAllergy: {
		SeverityAnaphylaxisHistory: "Z87.892",
	},
	catalog.InstrumentCrisis: {
		SeverityFlagged: "R45.850",
	},
}

// ICD10 looks up the suggested code for an instrument severity, or "".
func ICD10(inst catalog.Instrument, sev Severity) string {
	return icd10[inst][sev]
}
