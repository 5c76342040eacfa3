package scenario

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadScenario reads, defaults and validates a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open %q: %w", path, err)
	}
	defer f.Close()

	s, err := LoadScenarioFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("scenario: load %q: %w", path, err)
	}
	return s, nil
}

// LoadScenarioFromReader parses scenario YAML from r. Unknown keys are
// rejected.
func LoadScenarioFromReader(r io.Reader) (*Scenario, error) {
	var s Scenario
	if err := decodeStrict(r, &s); err != nil {
		return nil, err
	}
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadParticipant reads, defaults and validates a participant YAML file.
func LoadParticipant(path string) (*Participant, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: open participant %q: %w", path, err)
	}
	defer f.Close()

	p, err := LoadParticipantFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("scenario: load participant %q: %w", path, err)
	}
	return p, nil
}

// LoadParticipantFromReader parses participant YAML from r.
func LoadParticipantFromReader(r io.Reader) (*Participant, error) {
	var p Participant
	if err := decodeStrict(r, &p); err != nil {
		return nil, err
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeStrict(r io.Reader, v any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return fmt.Errorf("scenario: empty document")
		}
		return fmt.Errorf("scenario: decode yaml: %w", err)
	}
	return nil
}
