package catalog

import (
	"fmt"
	"time"
)

// Instrument identifies the standardized screening tool a question belongs to.
type Instrument string

const (
	InstrumentPHQ9    Instrument = "PHQ-9"
	InstrumentGAD7    Instrument = "GAD-7"
	InstrumentAUDITC  Instrument = "AUDIT-C"
	InstrumentNIDA    Instrument = "NIDA"
	InstrumentAllergy Instrument = "ALLERGY"
	InstrumentCrisis  Instrument = "CRISIS"
	InstrumentNone    Instrument = "NONE"
)

// Instruments lists every instrument in scoring order.
var Instruments = []Instrument{
	InstrumentPHQ9, InstrumentGAD7, InstrumentAUDITC, InstrumentNIDA,
	InstrumentAllergy, InstrumentCrisis,
}

var validInstruments = map[Instrument]bool{
	InstrumentPHQ9: true, InstrumentGAD7: true, InstrumentAUDITC: true,
	InstrumentNIDA: true, InstrumentAllergy: true, InstrumentCrisis: true,
	InstrumentNone: true,
}

// requiredScoredItems is the exact number of scored items each instrument must define.
var requiredScoredItems = map[Instrument]int{
	InstrumentPHQ9:   9,
	InstrumentGAD7:   7,
	InstrumentAUDITC: 3,
	InstrumentNIDA:   2,
}

// Stage is the flow stage in which a question is asked.
type Stage string

const (
	StageTriage      Stage = "triage"
	StageTargeted    Stage = "targeted"
	StageSpecialized Stage = "specialized"
)

// stageRank orders the question stages.
var stageRank = map[Stage]int{
	StageTriage:      1,
	StageTargeted:    2,
	StageSpecialized: 3,
}

// Rank returns the ordinal of the stage, or 0 when unknown.
func (s Stage) Rank() int { return stageRank[s] }

// Domain names used by the embedded catalog.
const (
	DomainMentalHealth       = "mental_health"
	DomainAllergy            = "allergy"
	DomainRiskBehaviors      = "risk_behaviors"
	DomainCrisisIntervention = "crisis_intervention"
)

// Option is one value/label pair of a response.
type Option struct {
	Value int    `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
}

// Value is a submitted answer value: a single numeric code, or a set of
// selected codes for multi-select questions.
type Value struct {
	Code     *int  `json:"code,omitempty" yaml:"code,omitempty"`
	Selected []int `json:"selected,omitempty" yaml:"selected,omitempty"`
}

// CodeValue builds a single-code Value.
func CodeValue(code int) Value { return Value{Code: &code} }

// SelectedValue builds a multi-select Value.
func SelectedValue(codes ...int) Value { return Value{Selected: codes} }

// Numeric returns the scoring contribution of the value. Multi-select values
// have no numeric meaning and contribute 0.
func (v Value) Numeric() int {
	if v.Code == nil {
		return 0
	}
	return *v.Code
}

// Answer is one recorded response.
type Answer struct {
	QuestionID string    `json:"question_id"`
	Value      Value     `json:"value"`
	AnsweredAt time.Time `json:"answered_at"`
	LatencyMs  int64     `json:"latency_ms"`
}

// Answers maps question id to the recorded answer.
type Answers map[string]Answer

// Code returns the numeric code for a question and whether it was answered.
func (a Answers) Code(questionID string) (int, bool) {
	ans, ok := a[questionID]
	if !ok {
		return 0, false
	}
	return ans.Value.Numeric(), true
}

// Clone returns an independent copy.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		if v.Value.Code != nil {
			code := *v.Value.Code
			v.Value.Code = &code
		}
		if v.Value.Selected != nil {
			v.Value.Selected = append([]int(nil), v.Value.Selected...)
		}
		out[k] = v
	}
	return out
}

// Question is an immutable catalog entry.
type Question struct {
	ID             string     `json:"id"`
	Instrument     Instrument `json:"instrument"`
	Domain         string     `json:"domain"`
	Stage          Stage      `json:"stage"`
	Text           string     `json:"text"`
	Response       Response   `json:"-"`
	Scored         bool       `json:"scored"`
	SafetyCritical bool       `json:"is_safety_critical"`
	EmergencyType  string     `json:"emergency_type,omitempty"`
	ConditionalOn  *Condition `json:"conditional_on,omitempty"`
}

// ResponseType reports the variant of the question's response.
func (q *Question) ResponseType() ResponseType { return q.Response.Type() }

// Options returns the ordered options regardless of response variant.
func (q *Question) Options() []Option { return q.Response.Options() }

// Validate checks a value against the question's declared options.
func (q *Question) Validate(v Value) error { return q.Response.Validate(v) }

// PairRule names how two validation-pair answers must relate.
type PairRule string

const (
	// PairMaxGap flags answers whose codes differ by at least MaxGap.
	PairMaxGap PairRule = "max_gap"
	// PairZeroImpliesZero flags a non-zero second answer when the first is zero.
	PairZeroImpliesZero PairRule = "zero_implies_zero"
)

// ValidationPair designates two questions whose answers should be consistent.
type ValidationPair struct {
	First  string   `yaml:"first" json:"first"`
	Second string   `yaml:"second" json:"second"`
	Rule   PairRule `yaml:"rule" json:"rule"`
	MaxGap int      `yaml:"max_gap,omitempty" json:"max_gap,omitempty"`
}

// Contradicts reports whether the two codes violate the pair rule.
func (p ValidationPair) Contradicts(first, second int) bool {
	switch p.Rule {
	case PairMaxGap:
		gap := first - second
		if gap < 0 {
			gap = -gap
		}
		return gap >= p.MaxGap
	case PairZeroImpliesZero:
		return first == 0 && second != 0
	default:
		return false
	}
}

func (p ValidationPair) String() string {
	return fmt.Sprintf("%s/%s(%s)", p.First, p.Second, p.Rule)
}
