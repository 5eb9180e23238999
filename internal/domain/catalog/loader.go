package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

type fileQuestion struct {
	ID             string       `yaml:"id"`
	Instrument     Instrument   `yaml:"instrument"`
	Domain         string       `yaml:"domain"`
	Stage          Stage        `yaml:"stage"`
	Text           string       `yaml:"text"`
	ResponseType   ResponseType `yaml:"response_type"`
	Options        []Option     `yaml:"options"`
	OptionSet      string       `yaml:"option_set"`
	Scored         bool         `yaml:"scored"`
	SafetyCritical bool         `yaml:"safety_critical"`
	EmergencyType  string       `yaml:"emergency_type"`
	ConditionalOn  *Condition   `yaml:"conditional_on"`
}

type fileCatalog struct {
	Version         string              `yaml:"version"`
	OptionSets      map[string][]Option `yaml:"option_sets"`
	Questions       []fileQuestion      `yaml:"questions"`
	ValidationPairs []ValidationPair    `yaml:"validation_pairs"`
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(embeddedCatalog)
}

// Load reads a catalog YAML file. An empty path yields the embedded catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var fc fileCatalog
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if fc.Version == "" {
		return nil, fmt.Errorf("catalog version is required")
	}

	questions := make([]*Question, 0, len(fc.Questions))
	for _, fq := range fc.Questions {
		opts := fq.Options
		if fq.OptionSet != "" {
			set, ok := fc.OptionSets[fq.OptionSet]
			if !ok {
				return nil, fmt.Errorf("question %s: unknown option set %q", fq.ID, fq.OptionSet)
			}
			opts = set
		}
		resp, err := newResponse(fq.ResponseType, opts)
		if err != nil {
			return nil, fmt.Errorf("question %s: %w", fq.ID, err)
		}
		questions = append(questions, &Question{
			ID:             fq.ID,
			Instrument:     fq.Instrument,
			Domain:         fq.Domain,
			Stage:          fq.Stage,
			Text:           fq.Text,
			Response:       resp,
			Scored:         fq.Scored,
			SafetyCritical: fq.SafetyCritical,
			EmergencyType:  fq.EmergencyType,
			ConditionalOn:  fq.ConditionalOn,
		})
	}
	return New(fc.Version, questions, fc.ValidationPairs)
}
