package catalog

import "fmt"

// ResponseType is the kind of answer a question accepts.
type ResponseType string

const (
	ResponseScale        ResponseType = "scale"
	ResponseSingleSelect ResponseType = "single_select"
	ResponseMultiSelect  ResponseType = "multi_select"
)

// Response is the per-variant answer definition of a question.
type Response interface {
	Type() ResponseType
	Options() []Option
	Validate(v Value) error
}

// ScaleResponse is a discrete ordered numeric scale.
type ScaleResponse struct {
	Choices []Option
}

func (r ScaleResponse) Type() ResponseType { return ResponseScale }
func (r ScaleResponse) Options() []Option  { return r.Choices }

// Validate requires a single code within the scale.
func (r ScaleResponse) Validate(v Value) error {
	return validateCode(r.Choices, v)
}

// SingleSelectResponse accepts exactly one option code.
type SingleSelectResponse struct {
	Choices []Option
}

func (r SingleSelectResponse) Type() ResponseType { return ResponseSingleSelect }
func (r SingleSelectResponse) Options() []Option  { return r.Choices }

func (r SingleSelectResponse) Validate(v Value) error {
	return validateCode(r.Choices, v)
}

// MultiSelectResponse accepts a set of distinct option codes.
type MultiSelectResponse struct {
	Choices []Option
}

func (r MultiSelectResponse) Type() ResponseType { return ResponseMultiSelect }
func (r MultiSelectResponse) Options() []Option  { return r.Choices }

// Validate requires at least one selection, all declared and none repeated.
func (r MultiSelectResponse) Validate(v Value) error {
	if v.Code != nil {
		return fmt.Errorf("multi-select answer must use selected codes")
	}
	if len(v.Selected) == 0 {
		return fmt.Errorf("at least one option must be selected")
	}
	seen := make(map[int]bool, len(v.Selected))
	for _, code := range v.Selected {
		if !hasOption(r.Choices, code) {
			return fmt.Errorf("option %d is not declared", code)
		}
		if seen[code] {
			return fmt.Errorf("option %d selected more than once", code)
		}
		seen[code] = true
	}
	return nil
}

func validateCode(choices []Option, v Value) error {
	if len(v.Selected) > 0 {
		return fmt.Errorf("answer must be a single code")
	}
	if v.Code == nil {
		return fmt.Errorf("code is required")
	}
	if !hasOption(choices, *v.Code) {
		return fmt.Errorf("code %d is not a declared option", *v.Code)
	}
	return nil
}

func hasOption(choices []Option, code int) bool {
	for _, o := range choices {
		if o.Value == code {
			return true
		}
	}
	return false
}

func newResponse(t ResponseType, opts []Option) (Response, error) {
	if len(opts) == 0 {
		return nil, fmt.Errorf("response requires options")
	}
	switch t {
	case ResponseScale:
		return ScaleResponse{Choices: opts}, nil
	case ResponseSingleSelect:
		return SingleSelectResponse{Choices: opts}, nil
	case ResponseMultiSelect:
		return MultiSelectResponse{Choices: opts}, nil
	default:
		return nil, fmt.Errorf("unknown response type: %q", t)
	}
}

// maxOption returns the highest option code.
func maxOption(opts []Option) int {
	m := 0
	for _, o := range opts {
		if o.Value > m {
			m = o.Value
		}
	}
	return m
}
