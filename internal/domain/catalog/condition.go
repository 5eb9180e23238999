package catalog

import "fmt"

// Operator compares an observed number against a condition value.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

func (op Operator) apply(observed, want int) bool {
	switch op {
	case OpEq:
		return observed == want
	case OpNe:
		return observed != want
	case OpGt:
		return observed > want
	case OpGte:
		return observed >= want
	case OpLt:
		return observed < want
	case OpLte:
		return observed <= want
	default:
		return false
	}
}

func (op Operator) valid() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

// Condition makes a question eligible only when it holds. Exactly one of
// Question or Instrument is set: the former compares a prior answer's code,
// the latter the instrument's running total.
type Condition struct {
	Question   string     `yaml:"question,omitempty" json:"question,omitempty"`
	Instrument Instrument `yaml:"instrument,omitempty" json:"instrument,omitempty"`
	Operator   Operator   `yaml:"operator" json:"operator"`
	Value      int        `yaml:"value" json:"value"`
}

func (c *Condition) validate() error {
	if (c.Question == "") == (c.Instrument == "") {
		return fmt.Errorf("condition must reference exactly one of question or instrument")
	}
	if !c.Operator.valid() {
		return fmt.Errorf("invalid operator: %q", c.Operator)
	}
	return nil
}

func (c *Condition) String() string {
	subject := c.Question
	if c.Instrument != "" {
		subject = string(c.Instrument) + " total"
	}
	return fmt.Sprintf("%s %s %d", subject, c.Operator, c.Value)
}
