// Package report implements the post-session evaluation contract.
//
// The server side exposes a single JSON endpoint with two actions: a
// "genericReport" that asks a language model to evaluate a finished
// conversation, and a "ttsPreview" that synthesises a short sample of a
// persona voice. The client side ([Client]) calls that endpoint from the
// participant application. Scoring is delegated entirely to the model; this
// package only builds the prompt and validates the shape of the answer.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/rehearsal/internal/scenario"
	"github.com/MrWong99/rehearsal/pkg/types"
)

// Request limits enforced by [Handler].
const (
	MaxBodyBytes       = 250_000
	MaxHistory         = 250
	MaxTranscriptRunes = 40_000
	MaxVoiceNameLen    = 64
)

// Default models used by the Gemini backends.
const (
	DefaultReportModel = "gemini-3-flash-preview"
	DefaultTTSModel    = "gemini-2.5-flash-preview-tts"
)

// Actions understood by the endpoint.
const (
	ActionGenericReport = "genericReport"
	ActionTTSPreview    = "ttsPreview"
)

// ErrInvalidReport is returned when the model's answer is not a report object.
var ErrInvalidReport = errors.New("report: invalid report response")

// EvaluationReport is the model-generated evaluation of one session.
type EvaluationReport struct {
	Summary             string              `json:"summary"`
	Score               float64             `json:"score"`
	Sentiment           string              `json:"sentiment"`
	BehavioralAnalysis  BehavioralAnalysis  `json:"behavioralAnalysis"`
	ContentAnalysis     ContentAnalysis     `json:"contentAnalysis"`
	ParticipantFeedback ParticipantFeedback `json:"participantFeedback"`
}

// BehavioralAnalysis scores how the participant conducted the conversation.
type BehavioralAnalysis struct {
	AverageLatency   float64 `json:"averageLatency"`
	ConsistencyScore float64 `json:"consistencyScore"`
	Notes            string  `json:"notes"`
}

// ContentAnalysis scores what the participant said.
type ContentAnalysis struct {
	Accuracy         float64 `json:"accuracy"`
	Depth            string  `json:"depth"`
	MatchWithContext string  `json:"matchWithContext"`
}

// ParticipantFeedback is the advice addressed to the participant.
type ParticipantFeedback struct {
	MainFeedback string   `json:"mainFeedback"`
	Tips         []string `json:"tips"`
}

// Request is the body of a call to the endpoint. Which fields are read
// depends on Action.
type Request struct {
	Action      string                `json:"action"`
	History     []types.Message       `json:"history,omitempty"`
	Scenario    *scenario.Scenario    `json:"scenario,omitempty"`
	Participant *scenario.Participant `json:"participant,omitempty"`
	ActiveCase  string                `json:"activeCase,omitempty"`
	VoiceName   string                `json:"voiceName,omitempty"`
}

// ReportResponse answers [ActionGenericReport].
type ReportResponse struct {
	Report *EvaluationReport `json:"report"`
}

// PreviewResponse answers [ActionTTSPreview]. AudioBase64 is nil when the
// model returned no audio.
type PreviewResponse struct {
	AudioBase64 *string `json:"audioBase64"`
}

// ErrorResponse carries a failure message prefixed with "Error: ".
type ErrorResponse struct {
	Error string `json:"error"`
}

// Input is everything the evaluation prompt is built from.
type Input struct {
	History     []types.Message
	Scenario    *scenario.Scenario
	Participant *scenario.Participant
	ActiveCase  string
}

// Transcript renders history as "role: text" lines and truncates the result
// to [MaxTranscriptRunes]. Messages without a role are labelled "unknown".
func Transcript(history []types.Message) string {
	var b strings.Builder
	for i, m := range history {
		if i > 0 {
			b.WriteByte('\n')
		}
		role := string(m.Role)
		if role == "" {
			role = "unknown"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Text)
	}
	return truncateRunes(b.String(), MaxTranscriptRunes)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Prompt builds the evaluation instruction for in.
func Prompt(in Input) string {
	var scn scenario.Scenario
	if in.Scenario != nil {
		scn = *in.Scenario
	}
	var participant string
	if in.Participant != nil {
		participant = in.Participant.Name
	}
	activeCase := in.ActiveCase
	if activeCase == "" {
		activeCase = "Niet van toepassing"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyseer deze interactie voor het scenario: %q.\n", scn.Name)
	fmt.Fprintf(&b, "PERSONA: %s (%s), STEMMING: %s.\n", scn.Persona.Name, scn.Persona.Role, scn.Persona.Mood)
	fmt.Fprintf(&b, "CASE CONTEXT: %s.\n", activeCase)
	fmt.Fprintf(&b, "DEELNEMER: %s.\n\n", participant)
	fmt.Fprintf(&b, "BELANGRIJK: DE FOCUS VAN DEZE EVALUATIE IS: %q.\n", scn.Config.EvaluationFocus)
	b.WriteString("Baseer je feedback, scores en tips specifiek op dit doel.\n\n")
	b.WriteString("TRANSCRIPT:\n")
	b.WriteString(Transcript(in.History))
	b.WriteString("\n\nGenereer een uitgebreide analyse in JSON formaat met scores op inhoud, gedrag en specifieke feedback.")
	return b.String()
}

// PreviewText is the sentence spoken in a voice preview.
func PreviewText(voice string) string {
	return fmt.Sprintf("Hallo, ik ben de stem %s. Zo klink ik tijdens een gesprek.", voice)
}

// cleanJSON strips a surrounding Markdown code fence. Empty input becomes "{}".
func cleanJSON(text string) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return "{}"
	}
	if rest, ok := strings.CutPrefix(s, "```json"); ok {
		s = rest
	} else if rest, ok := strings.CutPrefix(s, "```"); ok {
		s = rest
	} else {
		return s
	}
	s = strings.TrimPrefix(s, "\n")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSuffix(s, "\n")
}

// ParseReport decodes a model answer into a report. The answer may be wrapped
// in a Markdown code fence.
func ParseReport(text string) (*EvaluationReport, error) {
	raw := cleanJSON(text)
	if !strings.HasPrefix(raw, "{") {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidReport)
	}
	var r EvaluationReport
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}
	return &r, nil
}
