package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/livebridge/pkg/audio"
)

const (
	// DefaultModel is the model requested when [Setup.Model] is empty.
	DefaultModel = "models/gemini-2.0-flash-exp"

	// DefaultVoice is the prebuilt voice requested when [Setup.Voice] is empty.
	DefaultVoice = "Aoede"

	modalityAudio = "AUDIO"
)

// Setup holds the session configuration sent as the first message on every
// connection.
type Setup struct {
	Model             string
	Voice             string
	SystemInstruction string
}

// ── Outgoing messages ──────────────────────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string            `json:"model"`
	GenerationConfig  generationConfig  `json:"generation_config"`
	SystemInstruction systemInstruction `json:"system_instruction"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"response_modalities"`
	SpeechConfig       *speechConfig `json:"speech_config,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voice_config"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

type systemInstruction struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtime_input"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"media_chunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64-encoded
}

// ── Incoming messages ──────────────────────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *serverError     `json:"error,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// MarshalSetup builds the setup message for s. Empty fields fall back to
// [DefaultModel] and [DefaultVoice]; a bare model name gets the "models/"
// prefix.
func MarshalSetup(s Setup) ([]byte, error) {
	model := s.Model
	if model == "" {
		model = DefaultModel
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	voice := s.Voice
	if voice == "" {
		voice = DefaultVoice
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{modalityAudio},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
			SystemInstruction: systemInstruction{
				Parts: []textPart{{Text: s.SystemInstruction}},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal setup: %w", err)
	}
	return data, nil
}

// AudioMessage wraps one base64 PCM payload (see [audio.Encode]) in a
// realtime input message.
func AudioMessage(data string) ([]byte, error) {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: audio.MIMEType, Data: data}},
		},
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal audio: %w", err)
	}
	return out, nil
}

// RewriteSetupModel replaces setup.model in a client-authored setup message.
// Messages without a setup object are returned unchanged with ok == false.
// Unknown fields are preserved.
func RewriteSetupModel(msg []byte, model string) (out []byte, ok bool, err error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return msg, false, fmt.Errorf("transport: parse message: %w", err)
	}
	raw, found := envelope["setup"]
	if !found {
		return msg, false, nil
	}
	var setup map[string]json.RawMessage
	if err := json.Unmarshal(raw, &setup); err != nil {
		return msg, false, fmt.Errorf("transport: parse setup: %w", err)
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return msg, false, fmt.Errorf("transport: marshal model: %w", err)
	}
	setup["model"] = encoded
	if envelope["setup"], err = json.Marshal(setup); err != nil {
		return msg, false, fmt.Errorf("transport: marshal setup: %w", err)
	}
	out, err = json.Marshal(envelope)
	if err != nil {
		return msg, false, fmt.Errorf("transport: marshal message: %w", err)
	}
	return out, true, nil
}
