// Package scenario defines the read-only descriptors a session is framed
// from: the [Scenario] (persona, background, workflow script, case library)
// and the [Participant] profile. Both are loaded from YAML files.
package scenario

import "math/rand/v2"

// SessionType selects how a session opens.
type SessionType string

const (
	// SessionStandard connects immediately and the persona opens the
	// conversation.
	SessionStandard SessionType = "standard"

	// SessionCall rings first and waits for the participant to speak.
	SessionCall SessionType = "call"
)

// IsValid reports whether t is a recognised session type.
func (t SessionType) IsValid() bool {
	return t == SessionStandard || t == SessionCall
}

// Mood is the persona's character.
type Mood string

const (
	MoodCheerful      Mood = "vrolijk"
	MoodAngry         Mood = "boos"
	MoodHumorous      Mood = "humoristisch"
	MoodSerious       Mood = "serieus"
	MoodSubstantive   Mood = "inhoudelijk"
	MoodVague         Mood = "wollig"
	MoodSarcastic     Mood = "sarcastisch"
	MoodEmpathetic    Mood = "empathisch"
	MoodAuthoritarian Mood = "autoritair"
)

var validMoods = map[Mood]bool{
	MoodCheerful: true, MoodAngry: true, MoodHumorous: true, MoodSerious: true,
	MoodSubstantive: true, MoodVague: true, MoodSarcastic: true,
	MoodEmpathetic: true, MoodAuthoritarian: true,
}

// IsValid reports whether m is a recognised mood.
func (m Mood) IsValid() bool { return validMoods[m] }

// Comprehension is how readily the persona accepts what it hears.
type Comprehension string

const (
	ComprehensionCompliant     Comprehension = "meegaand"
	ComprehensionUnderstanding Comprehension = "begrijpend"
	ComprehensionQuestioning   Comprehension = "vragend"
	ComprehensionCritical      Comprehension = "kritisch"
	ComprehensionStubborn      Comprehension = "onverzettelijk"
)

var validComprehension = map[Comprehension]bool{
	ComprehensionCompliant: true, ComprehensionUnderstanding: true,
	ComprehensionQuestioning: true, ComprehensionCritical: true,
	ComprehensionStubborn: true,
}

// IsValid reports whether c is a recognised comprehension level.
func (c Comprehension) IsValid() bool { return validComprehension[c] }

// StepType classifies a workflow step.
type StepType string

const (
	StepIntro            StepType = "intro"
	StepMotivation       StepType = "motivation"
	StepProblemStatement StepType = "problem_statement"
	StepPracticalCase    StepType = "practical_case"
	StepDeepDive         StepType = "deep_dive"
	StepSummary          StepType = "summary"
	StepClosing          StepType = "closing"
	StepCompleted        StepType = "completed"
	StepCustom           StepType = "custom"
)

var validSteps = map[StepType]bool{
	StepIntro: true, StepMotivation: true, StepProblemStatement: true,
	StepPracticalCase: true, StepDeepDive: true, StepSummary: true,
	StepClosing: true, StepCompleted: true, StepCustom: true,
}

// IsValid reports whether s is a recognised step type.
func (s StepType) IsValid() bool { return validSteps[s] }

// Voices lists the prebuilt voice names the upstream accepts.
var Voices = []string{"Puck", "Charon", "Kore", "Fenrir", "Zephyr"}

// Persona is the character the upstream model plays.
type Persona struct {
	Name               string        `yaml:"name" json:"name"`
	Role               string        `yaml:"role" json:"role"`
	Mood               Mood          `yaml:"mood" json:"mood"`
	ComprehensionLevel Comprehension `yaml:"comprehension_level" json:"comprehensionLevel"`
	Description        string        `yaml:"description" json:"description"`
	VoiceName          string        `yaml:"voice_name" json:"voiceName"`
}

// InfoField is one labelled block of background information.
type InfoField struct {
	ID      string `yaml:"id" json:"id"`
	Label   string `yaml:"label" json:"label"`
	Content string `yaml:"content" json:"content"`
}

// WorkflowStep is one entry of the ordered conversation script.
type WorkflowStep struct {
	ID            string   `yaml:"id" json:"id"`
	Type          StepType `yaml:"type" json:"type"`
	Label         string   `yaml:"label" json:"label"`
	AIInstruction string   `yaml:"ai_instruction" json:"aiInstruction"`
}

// Settings are per-scenario switches.
type Settings struct {
	RequireCV       bool   `yaml:"require_cv" json:"requireCv"`
	RequireLanguage bool   `yaml:"require_language" json:"requireLanguage"`
	RequireProfile  bool   `yaml:"require_profile" json:"requireProfile"`
	AutoTerminate   bool   `yaml:"auto_terminate" json:"autoTerminate"`
	EvaluationFocus string `yaml:"evaluation_focus" json:"evaluationFocus"`
}

// Scenario is a complete conversation descriptor.
//
// Example:
//
//	id: sales-intake
//	name: "Intakegesprek"
//	organization: Exact
//	session_type: call
//	persona:
//	  name: "Sanne"
//	  role: "Financieel directeur"
//	  mood: kritisch
//	  voice_name: Kore
type Scenario struct {
	ID            string         `yaml:"id" json:"id"`
	Name          string         `yaml:"name" json:"name"`
	Organization  string         `yaml:"organization" json:"organization"`
	Persona       Persona        `yaml:"persona" json:"persona"`
	InfoFields    []InfoField    `yaml:"info_fields" json:"infoFields"`
	Workflow      []WorkflowStep `yaml:"workflow" json:"workflow"`
	CaseLibrary   []string       `yaml:"case_library" json:"caseLibrary"`
	RandomizeCase bool           `yaml:"randomize_case" json:"randomizeCase"`
	SessionType   SessionType    `yaml:"session_type" json:"sessionType"`
	Config        Settings       `yaml:"config" json:"config"`
	Documentation string         `yaml:"documentation" json:"documentation"`
}

// Answer is one onboarding question with the participant's answer.
type Answer struct {
	Question string `yaml:"question" json:"question"`
	Answer   string `yaml:"answer" json:"answer"`
}

// Participant is the profile of the person rehearsing.
type Participant struct {
	Name             string   `yaml:"name" json:"name"`
	Language         string   `yaml:"language" json:"language"`
	SelectedKeywords []string `yaml:"selected_keywords" json:"selectedKeywords"`
	Bio              string   `yaml:"bio" json:"bio"`
	CVText           string   `yaml:"cv_text" json:"cvText"`
	Answers          []Answer `yaml:"answers" json:"answers"`
}

// Defaults applied by [Scenario.ApplyDefaults] and [Participant.ApplyDefaults].
const (
	DefaultOrganization = "Exact"
	DefaultVoice        = "Puck"
	DefaultLanguage     = "Nederlands"
)

// ApplyDefaults fills empty optional fields.
func (s *Scenario) ApplyDefaults() {
	if s.Organization == "" {
		s.Organization = DefaultOrganization
	}
	if s.SessionType == "" {
		s.SessionType = SessionStandard
	}
	if s.Persona.VoiceName == "" {
		s.Persona.VoiceName = DefaultVoice
	}
}

// ApplyDefaults fills empty optional fields.
func (p *Participant) ApplyDefaults() {
	if p.Language == "" {
		p.Language = DefaultLanguage
	}
}

// SelectCase picks the case presented in this session: a uniformly random
// entry when RandomizeCase is set, otherwise the first. It returns "" when
// the library is empty.
func (s *Scenario) SelectCase() string {
	return s.selectCase(rand.IntN)
}

func (s *Scenario) selectCase(intn func(int) int) string {
	if len(s.CaseLibrary) == 0 {
		return ""
	}
	if !s.RandomizeCase {
		return s.CaseLibrary[0]
	}
	return s.CaseLibrary[intn(len(s.CaseLibrary))]
}
