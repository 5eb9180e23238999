// Package protocol resolves the static emergency-response content shown when
// a screening detects critical risk.
package protocol

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ehr/screening/internal/domain/catalog"
)

//go:embed protocols.yaml
var embeddedLibrary []byte

// ErrProtocolUnavailable is returned when contact or safety-plan content for
// an emergency cannot be resolved. Callers must halt rather than present a
// partial safety message.
var ErrProtocolUnavailable = errors.New("emergency protocol unavailable")

// Type is the kind of emergency detected.
type Type string

const (
	TypeSuicideRisk          Type = "suicide_risk"
	TypeHarmToOthers         Type = "harm_to_others"
	TypeAnaphylaxis          Type = "anaphylaxis"
	TypeSubstanceCombination Type = "substance_combination"
)

// priority orders emergency types when several trigger at once.
var priority = map[Type]int{
	TypeSuicideRisk:          0,
	TypeHarmToOthers:         1,
	TypeAnaphylaxis:          2,
	TypeSubstanceCombination: 3,
}

// Severity grades how quickly the protocol must be acted on.
type Severity string

const (
	SeverityImminent Severity = "imminent"
	SeverityUrgent   Severity = "urgent"
)

// required lists every (type, severity) pair the decision engine can emit.
var required = map[Type][]Severity{
	TypeSuicideRisk:          {SeverityImminent, SeverityUrgent},
	TypeHarmToOthers:         {SeverityImminent},
	TypeAnaphylaxis:          {SeverityUrgent},
	TypeSubstanceCombination: {SeverityUrgent},
}

// Contact is an emergency resource.
type Contact struct {
	Name        string `yaml:"name" json:"name"`
	Phone       string `yaml:"phone" json:"phone"`
	Available24 bool   `yaml:"available_24h" json:"available_24h"`
}

// Trigger is one detected reason for an emergency.
type Trigger struct {
	Type       Type               `json:"type"`
	Severity   Severity           `json:"severity"`
	Instrument catalog.Instrument `json:"instrument"`
	QuestionID string             `json:"question_id,omitempty"`
	Detail     string             `json:"detail,omitempty"`
}

// EmergencyProtocol is the safety payload rendered to the user.
type EmergencyProtocol struct {
	Type                         Type      `json:"type"`
	Severity                     Severity  `json:"severity"`
	Triggers                     []Trigger `json:"triggers"`
	ImmediateActions             []string  `json:"immediate_actions"`
	Contacts                     []Contact `json:"contacts"`
	SafetyPlan                   []string  `json:"safety_plan"`
	EstimatedTimeToSafetyMinutes int       `json:"estimated_time_to_safety_minutes"`
}

type template struct {
	Type             Type     `yaml:"type"`
	Severity         Severity `yaml:"severity"`
	EstimatedMinutes int      `yaml:"estimated_minutes"`
	Contacts         []string `yaml:"contacts"`
	ImmediateActions []string `yaml:"immediate_actions"`
	SafetyPlan       []string `yaml:"safety_plan"`
}

type key struct {
	t Type
	s Severity
}

// Library holds the protocol templates keyed by emergency type and severity.
type Library struct {
	contacts  map[string]Contact
	templates map[key]template
}

type libraryFile struct {
	Contacts  map[string]Contact `yaml:"contacts"`
	Templates []template         `yaml:"templates"`
}

// DefaultLibrary returns the validated library compiled into the binary.
func DefaultLibrary() (*Library, error) {
	return ParseLibrary(embeddedLibrary)
}

// LoadLibrary reads a protocol library file; an empty path yields the default.
func LoadLibrary(path string) (*Library, error) {
	if path == "" {
		return DefaultLibrary()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protocol library %s: %w", path, err)
	}
	return ParseLibrary(data)
}

// ParseLibrary decodes and validates a protocol library.
func ParseLibrary(data []byte) (*Library, error) {
	var f libraryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode protocol library: %w", err)
	}
	lib := &Library{
		contacts:  f.Contacts,
		templates: make(map[key]template, len(f.Templates)),
	}
	for _, t := range f.Templates {
		k := key{t.Type, t.Severity}
		if _, dup := lib.templates[k]; dup {
			return nil, fmt.Errorf("duplicate protocol template %s/%s", t.Type, t.Severity)
		}
		lib.templates[k] = t
	}
	if err := lib.Validate(); err != nil {
		return nil, err
	}
	return lib, nil
}

// Validate confirms every protocol the decision engine can request is
// complete. The error wraps ErrProtocolUnavailable.
func (l *Library) Validate() error {
	for t, sevs := range required {
		for _, s := range sevs {
			if _, err := l.build(t, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// Supports reports whether a complete protocol exists for t at severity s.
func (l *Library) Supports(t Type, s Severity) bool {
	_, err := l.build(t, s)
	return err == nil
}

// Resolve selects the highest-priority trigger and returns its protocol with
// every trigger attached. Resolve never returns a partial protocol.
func (l *Library) Resolve(triggers []Trigger) (*EmergencyProtocol, error) {
	if len(triggers) == 0 {
		return nil, fmt.Errorf("%w: no triggers", ErrProtocolUnavailable)
	}
	ordered := make([]Trigger, len(triggers))
	copy(ordered, triggers)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if (a.Severity == SeverityImminent) != (b.Severity == SeverityImminent) {
			return a.Severity == SeverityImminent
		}
		return priority[a.Type] < priority[b.Type]
	})

	p, err := l.build(ordered[0].Type, ordered[0].Severity)
	if err != nil {
		return nil, err
	}
	p.Triggers = ordered
	return p, nil
}

func (l *Library) build(t Type, s Severity) (*EmergencyProtocol, error) {
	tmpl, ok := l.templates[key{t, s}]
	if !ok {
		return nil, fmt.Errorf("%w: no template for %s/%s", ErrProtocolUnavailable, t, s)
	}
	if len(tmpl.ImmediateActions) == 0 {
		return nil, fmt.Errorf("%w: %s/%s has no immediate actions", ErrProtocolUnavailable, t, s)
	}
	if len(tmpl.SafetyPlan) == 0 {
		return nil, fmt.Errorf("%w: %s/%s has no safety plan", ErrProtocolUnavailable, t, s)
	}
	if len(tmpl.Contacts) == 0 {
		return nil, fmt.Errorf("%w: %s/%s has no contacts", ErrProtocolUnavailable, t, s)
	}
	contacts := make([]Contact, 0, len(tmpl.Contacts))
	for _, ref := range tmpl.Contacts {
		c, ok := l.contacts[ref]
		if !ok || c.Phone == "" {
			return nil, fmt.Errorf("%w: %s/%s references unknown contact %q", ErrProtocolUnavailable, t, s, ref)
		}
		contacts = append(contacts, c)
	}
	return &EmergencyProtocol{
		Type:                         t,
		Severity:                     s,
		ImmediateActions:             append([]string(nil), tmpl.ImmediateActions...),
		Contacts:                     contacts,
		SafetyPlan:                   append([]string(nil), tmpl.SafetyPlan...),
		EstimatedTimeToSafetyMinutes: tmpl.EstimatedMinutes,
	}, nil
}
