package session

import (
	"fmt"
	"strings"

	"github.com/MrWong99/rehearsal/internal/scenario"
)

// OpeningText is sent right after activation of a standard session so the
// persona opens the conversation.
const OpeningText = "De sessie is gestart. Open het gesprek."

// SpeedLabel describes a speech-rate multiplier for the in-band instruction.
func SpeedLabel(rate float64) string {
	switch {
	case rate < 0.8:
		return "aanzienlijk langzamer"
	case rate > 1.2:
		return "aanzienlijk sneller"
	default:
		return "op een normaal tempo"
	}
}

// tempoLabel is the short form used in the system framing.
func tempoLabel(rate float64) string {
	switch {
	case rate < 0.8:
		return "Langzaam"
	case rate > 1.2:
		return "Snel"
	default:
		return "Normaal"
	}
}

// SpeedInstruction is the in-band text that asks the persona to change its
// speaking rate while staying in language.
func SpeedInstruction(rate float64, language string) string {
	return fmt.Sprintf(
		"[SYSTEEM INSTRUCTIE]: Pas je spreektempo direct aan. Spreek vanaf nu %s. Blijf spreken in de taal: %s.",
		SpeedLabel(rate), language)
}

// Framing carries everything the system instruction is built from.
type Framing struct {
	Scenario    *scenario.Scenario
	Participant *scenario.Participant
	Case        string
	SpeechRate  float64
}

// SystemInstruction renders the persona framing sent in the setup message.
func (f Framing) SystemInstruction() string {
	s, p := f.Scenario, f.Participant
	lang := p.Language
	var b strings.Builder

	fmt.Fprintf(&b, "JE BENT PERSONA: %q.\n", s.Persona.Name)
	fmt.Fprintf(&b, "ROL: %q bij %s.\n", s.Persona.Role, s.Organization)
	fmt.Fprintf(&b, "KARAKTER/STEMMING: %q.\n", s.Persona.Mood)
	if s.Persona.ComprehensionLevel != "" {
		fmt.Fprintf(&b, "BEGRIPSNIVEAU: %q.\n", s.Persona.ComprehensionLevel)
	}
	fmt.Fprintf(&b, "VOLLEDIGE PERSONA OMSCHRIJVING: %s.\n\n", s.Persona.Description)

	b.WriteString("BELANGRIJK VOOR TAAL EN STEM-IDENTITEIT:\n")
	fmt.Fprintf(&b, "TAAL: Voer het gesprek VOLLEDIG in de taal %q. Wissel NOOIT naar een andere taal.\n", lang)
	fmt.Fprintf(&b, "STEM: Je spreekt met de stem %q.\n", s.Persona.VoiceName)
	b.WriteString("Blijf ALTIJD in je rol. Gebruik de toon die past bij deze specifieke stem.\n")
	fmt.Fprintf(&b, "HUIDIG TEMPO: %s.\n\n", tempoLabel(f.SpeechRate))

	fmt.Fprintf(&b, "ACHTERGRONDINFORMATIE %s:\n", strings.ToUpper(s.Organization))
	for _, field := range s.InfoFields {
		fmt.Fprintf(&b, "%s: %s\n", field.Label, field.Content)
	}
	b.WriteByte('\n')

	bio := p.Bio
	if bio == "" {
		bio = "Kandidaat bij " + s.Organization
	}
	cv := p.CVText
	if cv == "" {
		cv = "Geen extra context"
	}
	b.WriteString("GEGEVENS DEELNEMER:\n")
	fmt.Fprintf(&b, "Naam: %s. Bio: %s.\n", p.Name, bio)
	fmt.Fprintf(&b, "CV/Context: %s.\n", cv)
	fmt.Fprintf(&b, "Focus keywords: %s.\n", strings.Join(p.SelectedKeywords, ", "))
	for _, a := range p.Answers {
		fmt.Fprintf(&b, "%s %s\n", a.Question, a.Answer)
	}
	b.WriteByte('\n')

	if f.Case != "" {
		fmt.Fprintf(&b, "CASUS VOOR DIT GESPREK:\n%s\n\n", f.Case)
	}
	if focus := s.Config.EvaluationFocus; focus != "" {
		fmt.Fprintf(&b, "EVALUATIEFOCUS:\n%s\n\n", focus)
	}

	b.WriteString("STRATEGISCHE GESPREKSFLOW (HOUD JE HIER STRIKT AAN):\n")
	for i, step := range s.Workflow {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, step.Label, step.AIInstruction)
	}
	b.WriteByte('\n')

	b.WriteString("START LOGICA:\n")
	if s.SessionType == scenario.SessionCall {
		b.WriteString("MODUS: INKOMEND GESPREK.\n")
		fmt.Fprintf(&b, "Wacht tot de GEBRUIKER begint te spreken in de taal %q.\n", lang)
		fmt.Fprintf(&b, "Zodra de gebruiker is uitgesproken, reageer je direct als %s.\n", s.Persona.Name)
		b.WriteString("IDENTITEITS-CHECK: Als de gebruiker zijn naam of rol niet noemt, vraag hier dan direct naar.\n")
		b.WriteString("Stel pas daarna jezelf voor en start het gesprek.\n")
	} else {
		b.WriteString("MODUS: TRANSCRIPT.\n")
		fmt.Fprintf(&b, "JIJ (DE AI) begint het gesprek direct in de taal %q. Introduceer jezelf als %s en heet de kandidaat welkom bij %s.\n",
			lang, s.Persona.Name, s.Organization)
	}
	return b.String()
}
