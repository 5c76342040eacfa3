package live

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks,omitempty"`
	Text        string       `json:"text,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *ServerError     `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

// Transcription is a partial transcript delivered alongside audio.
type Transcription struct {
	Text string `json:"text"`
}

// ServerError is an error object reported in-band by the upstream service.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("live: upstream error %d", e.Code)
	}
	return fmt.Sprintf("live: upstream error %d: %s", e.Code, e.Message)
}

// Event is one decoded server message. A single message can carry audio,
// text, transcripts and turn markers at once; consumers handle every field.
type Event struct {
	// SetupComplete acknowledges the setup message.
	SetupComplete bool

	// Audio holds the decoded inline PCM chunks (24 kHz s16le mono) in order.
	Audio [][]byte

	// Text holds the plain text parts of the model turn in order.
	Text []string

	// InputTranscription is non-nil when the message carries a participant
	// transcript delta.
	InputTranscription *Transcription

	// OutputTranscription is non-nil when the message carries a persona
	// transcript delta. Its presence suppresses Text for transcript purposes.
	OutputTranscription *Transcription

	// TurnComplete marks the end of a conversational turn.
	TurnComplete bool

	// Interrupted reports that the participant barged in.
	Interrupted bool

	// GoAway warns that the upstream will close the connection soon.
	GoAway bool

	// Err is set when the upstream reported an in-band error.
	Err *ServerError
}

// ParseEvent decodes one server message. Inline data that is not valid
// base64 is skipped.
func ParseEvent(data []byte) (Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("live: decode server message: %w", err)
	}
	ev := Event{
		SetupComplete: msg.SetupComplete != nil,
		GoAway:        msg.GoAway != nil,
		Err:           msg.Error,
	}
	sc := msg.ServerContent
	if sc == nil {
		return ev, nil
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				ev.Audio = append(ev.Audio, pcm)
			}
			if p.Text != "" {
				ev.Text = append(ev.Text, p.Text)
			}
		}
	}
	ev.InputTranscription = sc.InputTranscription
	ev.OutputTranscription = sc.OutputTranscription
	ev.TurnComplete = sc.TurnComplete
	ev.Interrupted = sc.Interrupted
	return ev, nil
}
