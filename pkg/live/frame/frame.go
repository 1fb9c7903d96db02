// Package frame builds and parses the JSON frames exchanged with the Gemini
// Live BidiGenerateContent endpoint.
//
// All constructors are pure: they produce value types that marshal to the
// wire format with encoding/json and back without loss. Unknown fields on
// inbound frames are tolerated and ignored. Field naming follows the
// endpoint's camelCase convention throughout.
package frame

import (
	"encoding/json"
	"fmt"
	"time"
)

// AudioInMIME is the MIME type for audio sent to the model.
const AudioInMIME = "audio/pcm;rate=16000"

// ── Outgoing frames ────────────────────────────────────────────────────────────

// SetupMessage is the first frame sent after the socket opens.
type SetupMessage struct {
	Setup SetupConfig `json:"setup"`
}

// SetupConfig carries the session-wide model configuration.
type SetupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         GenerationConfig   `json:"generationConfig"`
	SystemInstruction        *SystemInstruction `json:"systemInstruction,omitempty"`
	Tools                    []Tool             `json:"tools,omitempty"`
	RealtimeInputConfig      *RealtimeInputCfg  `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *TranscriptionCfg  `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *TranscriptionCfg  `json:"outputAudioTranscription,omitempty"`
}

// GenerationConfig selects response modalities and voice.
type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

// SpeechConfig nests the prebuilt voice selection.
type SpeechConfig struct {
	VoiceConfig VoiceConfig `json:"voiceConfig"`
}

// VoiceConfig wraps the prebuilt voice name.
type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

// PrebuiltVoiceConfig names one of the endpoint's canonical voices.
type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// SystemInstruction carries the system prompt as content parts.
type SystemInstruction struct {
	Parts []Part `json:"parts"`
}

// Part is a single content part: text or inline binary data.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData is base64-encoded binary content with a MIME type.
type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Tool groups function declarations offered to the model.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes a single callable tool.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// TranscriptionCfg toggles input or output transcription. The endpoint
// treats the presence of the (empty) object as "enabled".
type TranscriptionCfg struct{}

// RealtimeInputCfg configures server-side voice activity detection.
type RealtimeInputCfg struct {
	AutomaticActivityDetection *ActivityDetection `json:"automaticActivityDetection,omitempty"`
	ActivityHandling           string             `json:"activityHandling,omitempty"`
}

// ActivityDetection holds the VAD sensitivity knobs.
type ActivityDetection struct {
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

// Activity handling and sensitivity constants accepted by the endpoint.
const (
	ActivityStartInterrupts = "START_OF_ACTIVITY_INTERRUPTS"
	SensitivityHigh         = "HIGH"
	SensitivityLow          = "LOW"
)

// RealtimeInputMessage carries one audio chunk to the model.
type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

// RealtimeInput wraps the media chunk list.
type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"mediaChunks"`
}

// MediaChunk is a single base64-encoded audio payload.
type MediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ClientContentMessage injects text turns into the conversation.
type ClientContentMessage struct {
	ClientContent ClientContent `json:"clientContent"`
}

// ClientContent is an ordered list of turns plus the turn-complete marker.
type ClientContent struct {
	Turns        []ContentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

// ContentTurn is a single role-attributed turn.
type ContentTurn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// ToolResponseMessage returns function results to the model.
type ToolResponseMessage struct {
	ToolResponse ToolResponse `json:"toolResponse"`
}

// ToolResponse wraps the function response list.
type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

// FunctionResponse is the result of a single tool call.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Builders ───────────────────────────────────────────────────────────────────

// SetupOptions parameterizes NewSetup.
type SetupOptions struct {
	Model             string
	Voice             string
	SystemInstruction string
	Declarations      []FunctionDeclaration
	VAD               *ActivityDetection
}

// NewSetup builds the setup frame: audio-only response modality, prebuilt
// voice, system instruction, both transcription directions enabled, and
// barge-in (start of activity interrupts).
func NewSetup(opts SetupOptions) SetupMessage {
	msg := SetupMessage{
		Setup: SetupConfig{
			Model: fmt.Sprintf("models/%s", opts.Model),
			GenerationConfig: GenerationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &TranscriptionCfg{},
			OutputAudioTranscription: &TranscriptionCfg{},
			RealtimeInputConfig: &RealtimeInputCfg{
				AutomaticActivityDetection: opts.VAD,
				ActivityHandling:           ActivityStartInterrupts,
			},
		},
	}
	if opts.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &SpeechConfig{
			VoiceConfig: VoiceConfig{
				PrebuiltVoiceConfig: PrebuiltVoiceConfig{VoiceName: opts.Voice},
			},
		}
	}
	if opts.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &SystemInstruction{
			Parts: []Part{{Text: opts.SystemInstruction}},
		}
	}
	if len(opts.Declarations) > 0 {
		msg.Setup.Tools = []Tool{{FunctionDeclarations: opts.Declarations}}
	}
	return msg
}

// NewAudioChunk builds a realtimeInput frame carrying one base64 payload.
func NewAudioChunk(base64Data string) RealtimeInputMessage {
	return RealtimeInputMessage{
		RealtimeInput: RealtimeInput{
			MediaChunks: []MediaChunk{
				{MIMEType: AudioInMIME, Data: base64Data},
			},
		},
	}
}

// NewToolResponse builds a toolResponse frame for a single function result.
func NewToolResponse(id, name string, response map[string]any) ToolResponseMessage {
	return ToolResponseMessage{
		ToolResponse: ToolResponse{
			FunctionResponses: []FunctionResponse{
				{ID: id, Name: name, Response: response},
			},
		},
	}
}

// NewTextTurn builds a clientContent frame with a single completed user turn.
func NewTextTurn(text string) ClientContentMessage {
	return ClientContentMessage{
		ClientContent: ClientContent{
			Turns: []ContentTurn{
				{Role: "user", Parts: []Part{{Text: text}}},
			},
			TurnComplete: true,
		},
	}
}

// Encode marshals any frame to its wire form.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("frame: marshal: %w", err)
	}
	return data, nil
}

// ── Incoming frames ────────────────────────────────────────────────────────────

// ServerMessage is the union of all frames the endpoint sends. Exactly one
// of the pointer fields is set per frame; unknown fields are dropped.
type ServerMessage struct {
	SetupComplete        *SetupComplete        `json:"setupComplete,omitempty"`
	ServerContent        *ServerContent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCallMsg          `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *GoAway               `json:"goAway,omitempty"`
	Error                *ServerError          `json:"error,omitempty"`
}

// SetupComplete acknowledges the setup frame and assigns the upstream
// session identifier.
type SetupComplete struct {
	SessionID string `json:"sessionId,omitempty"`
}

// ServerContent carries model output: audio parts, transcription fragments,
// and the interruption / turn-complete flags.
type ServerContent struct {
	ModelTurn           *ModelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

// ModelTurn holds the model's content parts for the current turn.
type ModelTurn struct {
	Parts []Part `json:"parts"`
}

// Transcription is a text fragment of recognized or synthesized speech.
type Transcription struct {
	Text string `json:"text"`
}

// ToolCallMsg lists function calls requested by the model.
type ToolCallMsg struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

// FunctionCall is a single requested tool invocation.
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolCallCancellation lists call IDs the model no longer wants answered.
type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

// GoAway warns that the peer will close the connection after the grace
// period.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// Grace parses the goAway time-left duration. Zero when absent or malformed.
func (g *GoAway) Grace() time.Duration {
	if g == nil || g.TimeLeft == "" {
		return 0
	}
	d, err := time.ParseDuration(g.TimeLeft)
	if err != nil {
		return 0
	}
	return d
}

// ServerError is an in-band error frame.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// ParseServer decodes one inbound frame. Unknown top-level fields are
// silently ignored; a frame that is not valid JSON is an error.
func ParseServer(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("frame: parse server message: %w", err)
	}
	return &msg, nil
}
