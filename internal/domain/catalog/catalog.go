// Package catalog holds the versioned, read-only definitions of every
// screening item and the eligibility rules that gate conditional items.
package catalog

import (
	"encoding/json"
	"fmt"
)

// Catalog is the immutable question set loaded at startup.
type Catalog struct {
	version         string
	questions       []*Question
	byID            map[string]*Question
	validationPairs []ValidationPair
}

// New builds a catalog from questions in presentation order and validates it.
func New(version string, questions []*Question, pairs []ValidationPair) (*Catalog, error) {
	c := &Catalog{
		version:         version,
		questions:       questions,
		byID:            make(map[string]*Question, len(questions)),
		validationPairs: pairs,
	}
	for _, q := range questions {
		if _, dup := c.byID[q.ID]; dup {
			return nil, fmt.Errorf("duplicate question id: %s", q.ID)
		}
		c.byID[q.ID] = q
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Version returns the catalog data version.
func (c *Catalog) Version() string { return c.version }

// Question looks up a question by id.
func (c *Catalog) Question(id string) (*Question, bool) {
	q, ok := c.byID[id]
	return q, ok
}

// ListQuestions returns questions in presentation order. When domains are
// given only questions in those domains are returned.
func (c *Catalog) ListQuestions(domains ...string) []*Question {
	if len(domains) == 0 {
		out := make([]*Question, len(c.questions))
		copy(out, c.questions)
		return out
	}
	want := make(map[string]bool, len(domains))
	for _, d := range domains {
		want[d] = true
	}
	var out []*Question
	for _, q := range c.questions {
		if want[q.Domain] {
			out = append(out, q)
		}
	}
	return out
}

// QuestionsForStage returns the stage's questions in presentation order.
func (c *Catalog) QuestionsForStage(stage Stage) []*Question {
	var out []*Question
	for _, q := range c.questions {
		if q.Stage == stage {
			out = append(out, q)
		}
	}
	return out
}

// ScoredItems returns the scored questions of an instrument.
func (c *Catalog) ScoredItems(inst Instrument) []*Question {
	var out []*Question
	for _, q := range c.questions {
		if q.Instrument == inst && q.Scored {
			out = append(out, q)
		}
	}
	return out
}

// MaxScore is the highest total the instrument's scored items can reach.
func (c *Catalog) MaxScore(inst Instrument) int {
	total := 0
	for _, q := range c.ScoredItems(inst) {
		total += maxOption(q.Options())
	}
	return total
}

// Total sums the numeric values of every answered scored item of the
// instrument. Unanswered items contribute 0.
func (c *Catalog) Total(inst Instrument, answers Answers) int {
	total := 0
	for _, q := range c.ScoredItems(inst) {
		if code, ok := answers.Code(q.ID); ok {
			total += code
		}
	}
	return total
}

// ValidationPairs returns the designated consistency pairs.
func (c *Catalog) ValidationPairs() []ValidationPair {
	out := make([]ValidationPair, len(c.validationPairs))
	copy(out, c.validationPairs)
	return out
}

// IsEligible evaluates the question's condition against the current answers.
// A question without a condition is always eligible once its stage is active.
func (c *Catalog) IsEligible(q *Question, answers Answers) bool {
	cond := q.ConditionalOn
	if cond == nil {
		return true
	}
	if cond.Question != "" {
		code, ok := answers.Code(cond.Question)
		if !ok {
			return false
		}
		return cond.Operator.apply(code, cond.Value)
	}
	return cond.Operator.apply(c.Total(cond.Instrument, answers), cond.Value)
}

// Validate checks the catalog is internally consistent and exhaustive for
// every standardized instrument.
func (c *Catalog) Validate() error {
	if len(c.questions) == 0 {
		return fmt.Errorf("catalog has no questions")
	}
	scored := make(map[Instrument]int)
	for _, q := range c.questions {
		if q.ID == "" {
			return fmt.Errorf("question id is required")
		}
		if !validInstruments[q.Instrument] {
			return fmt.Errorf("question %s: unknown instrument %q", q.ID, q.Instrument)
		}
		if q.Domain == "" {
			return fmt.Errorf("question %s: domain is required", q.ID)
		}
		if q.Stage.Rank() == 0 {
			return fmt.Errorf("question %s: unknown stage %q", q.ID, q.Stage)
		}
		if q.Response == nil {
			return fmt.Errorf("question %s: response is required", q.ID)
		}
		if q.Scored && q.ResponseType() == ResponseMultiSelect {
			return fmt.Errorf("question %s: multi-select items cannot be scored", q.ID)
		}
		if q.SafetyCritical && q.EmergencyType == "" {
			return fmt.Errorf("question %s: safety-critical items require an emergency type", q.ID)
		}
		if q.Scored {
			scored[q.Instrument]++
		}
		if cond := q.ConditionalOn; cond != nil {
			if err := cond.validate(); err != nil {
				return fmt.Errorf("question %s: %w", q.ID, err)
			}
			if cond.Question != "" {
				dep, ok := c.byID[cond.Question]
				if !ok {
					return fmt.Errorf("question %s: condition references unknown question %s", q.ID, cond.Question)
				}
				if dep.Stage.Rank() > q.Stage.Rank() {
					return fmt.Errorf("question %s: condition depends on later-stage question %s", q.ID, dep.ID)
				}
			}
			if cond.Instrument != "" && !validInstruments[cond.Instrument] {
				return fmt.Errorf("question %s: condition references unknown instrument %q", q.ID, cond.Instrument)
			}
		}
	}
	for inst, want := range requiredScoredItems {
		if scored[inst] != want {
			return fmt.Errorf("instrument %s requires %d scored items, catalog has %d", inst, want, scored[inst])
		}
	}
	for _, p := range c.validationPairs {
		if _, ok := c.byID[p.First]; !ok {
			return fmt.Errorf("validation pair %s: unknown question %s", p, p.First)
		}
		if _, ok := c.byID[p.Second]; !ok {
			return fmt.Errorf("validation pair %s: unknown question %s", p, p.Second)
		}
		if p.Rule != PairMaxGap && p.Rule != PairZeroImpliesZero {
			return fmt.Errorf("validation pair %s: unknown rule", p)
		}
		if p.Rule == PairMaxGap && p.MaxGap <= 0 {
			return fmt.Errorf("validation pair %s: max_gap must be positive", p)
		}
	}
	return nil
}

// MarshalJSON renders the question with its response variant flattened.
func (q *Question) MarshalJSON() ([]byte, error) {
	type plain Question
	return json.Marshal(struct {
		*plain
		ResponseType ResponseType `json:"response_type"`
		Options      []Option     `json:"options"`
	}{
		plain:        (*plain)(q),
		ResponseType: q.ResponseType(),
		Options:      q.Options(),
	})
}
