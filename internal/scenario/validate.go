package scenario

import (
	"errors"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
)

// suggestThreshold is the minimum Jaro-Winkler similarity for a voice name
// to be offered as a correction.
const suggestThreshold = 0.7

// Validate checks s for required fields and recognised enum values. All
// problems are reported together.
func (s *Scenario) Validate() error {
	var errs []error

	if s.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if s.Persona.Name == "" {
		errs = append(errs, errors.New("persona.name must not be empty"))
	}
	if s.Persona.Mood != "" && !s.Persona.Mood.IsValid() {
		errs = append(errs, fmt.Errorf("persona.mood %q is not a recognised mood", s.Persona.Mood))
	}
	if s.Persona.ComprehensionLevel != "" && !s.Persona.ComprehensionLevel.IsValid() {
		errs = append(errs, fmt.Errorf("persona.comprehension_level %q is not recognised", s.Persona.ComprehensionLevel))
	}
	if v := s.Persona.VoiceName; v != "" && !IsVoice(v) {
		msg := fmt.Sprintf("persona.voice_name %q is not a known voice", v)
		if sug := SuggestVoice(v); sug != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", sug)
		}
		errs = append(errs, errors.New(msg))
	}
	if s.SessionType != "" && !s.SessionType.IsValid() {
		errs = append(errs, fmt.Errorf("session_type %q must be standard or call", s.SessionType))
	}

	seen := make(map[string]bool, len(s.Workflow))
	for i, step := range s.Workflow {
		if step.Label == "" {
			errs = append(errs, fmt.Errorf("workflow[%d]: label must not be empty", i))
		}
		if step.Type != "" && !step.Type.IsValid() {
			errs = append(errs, fmt.Errorf("workflow[%d]: type %q is not recognised", i, step.Type))
		}
		if step.ID != "" {
			if seen[step.ID] {
				errs = append(errs, fmt.Errorf("workflow[%d]: duplicate id %q", i, step.ID))
			}
			seen[step.ID] = true
		}
	}
	for i, f := range s.InfoFields {
		if f.Label == "" {
			errs = append(errs, fmt.Errorf("info_fields[%d]: label must not be empty", i))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Validate checks p for required fields.
func (p *Participant) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if strings.TrimSpace(p.Language) == "" {
		errs = append(errs, errors.New("language must not be empty"))
	}
	for i, a := range p.Answers {
		if a.Question == "" {
			errs = append(errs, fmt.Errorf("answers[%d]: question must not be empty", i))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// CheckRequirements reports which profile fields s demands that p lacks.
func (s *Scenario) CheckRequirements(p *Participant) error {
	var errs []error
	if s.Config.RequireCV && strings.TrimSpace(p.CVText) == "" {
		errs = append(errs, errors.New("scenario requires a cv_text"))
	}
	if s.Config.RequireProfile && strings.TrimSpace(p.Bio) == "" && len(p.Answers) == 0 {
		errs = append(errs, errors.New("scenario requires a bio or onboarding answers"))
	}
	if s.Config.RequireLanguage && strings.TrimSpace(p.Language) == "" {
		errs = append(errs, errors.New("scenario requires a language"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// IsVoice reports whether name is one of [Voices].
func IsVoice(name string) bool {
	for _, v := range Voices {
		if v == name {
			return true
		}
	}
	return false
}

// SuggestVoice returns the known voice closest to name, or "" when nothing
// is similar enough. Matching is case-insensitive.
func SuggestVoice(name string) string {
	in := strings.ToLower(name)
	best, bestScore := "", 0.0
	for _, v := range Voices {
		score := matchr.JaroWinkler(in, strings.ToLower(v), false)
		if score > bestScore {
			best, bestScore = v, score
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}
