package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/voximetry/voximetry/pkg/audio"
)

// Envelope is the wire format in both directions: an event name, the
// session it belongs to, an ISO-8601 timestamp, and the event payload.
type Envelope struct {
	Event     string         `json:"event"`
	SessionID string         `json:"sessionId"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEnvelope stamps an outbound event.
func NewEnvelope(event, sessionID string, data map[string]any, now time.Time) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		Event:     event,
		SessionID: sessionID,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}

// Inbound event names.
const (
	EventSessionStart        = "session:start"
	EventSessionEnd          = "session:end"
	EventAudioChunk          = "audio:chunk"
	EventConfigUpdate        = "config:update"
	EventQuestionnaireSelect = "questionnaire:select"
	EventTextMessage         = "text:message"
	EventUserSpeaking        = "user:speaking"
	EventTranscriptUpdate    = "transcript:update"
)

var endReasons = map[string]bool{
	"user_ended": true,
	"completed":  true,
	"timeout":    true,
	"error":      true,
}

// ParseEnvelope decodes and shape-checks one inbound message.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("transport: decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("transport: envelope missing event name")
	}
	return env, nil
}

// Validate checks the payload shape for the given event. Unknown events are
// rejected; reserved events only need to be well-formed JSON objects.
func (e Envelope) Validate() error {
	switch e.Event {
	case EventSessionStart:
		if err := requireString(e.Data, "questionnaireId"); err != nil {
			return err
		}
		return requireString(e.Data, "voiceId")
	case EventSessionEnd:
		if reason, ok := e.Data["reason"]; ok {
			s, isString := reason.(string)
			if !isString || !endReasons[s] {
				return fmt.Errorf("transport: %s: invalid reason %v", e.Event, reason)
			}
		}
		return nil
	case EventAudioChunk:
		if err := requireString(e.Data, "audioData"); err != nil {
			return err
		}
		if _, ok := e.Data["sequenceNumber"].(float64); !ok {
			return fmt.Errorf("transport: %s: sequenceNumber is required", e.Event)
		}
		if rate, ok := e.Data["sampleRate"]; ok {
			n, isNum := rate.(float64)
			if !isNum || n <= 0 {
				return fmt.Errorf("transport: %s: invalid sampleRate %v", e.Event, rate)
			}
		}
		if ch, ok := e.Data["channels"]; ok {
			n, isNum := ch.(float64)
			if !isNum || (n != 1 && n != 2) {
				return fmt.Errorf("transport: %s: invalid channels %v", e.Event, ch)
			}
		}
		return nil
	case EventTextMessage:
		return requireString(e.Data, "text")
	case EventQuestionnaireSelect:
		return requireString(e.Data, "questionnaireId")
	case EventTranscriptUpdate:
		return requireString(e.Data, "transcript")
	case EventConfigUpdate, EventUserSpeaking:
		return nil
	default:
		return fmt.Errorf("transport: unknown event %q", e.Event)
	}
}

func requireString(data map[string]any, key string) error {
	v, ok := data[key]
	if !ok {
		return fmt.Errorf("transport: %s is required", key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return fmt.Errorf("transport: %s must be a non-empty string", key)
	}
	return nil
}

// AudioFormat returns the PCM format declared on an audio:chunk event.
// Absent fields mean the client already captures in the upstream format.
func (e Envelope) AudioFormat() audio.Format {
	f := audio.LiveInput
	if rate, ok := e.Data["sampleRate"].(float64); ok && rate > 0 {
		f.SampleRate = int(rate)
	}
	if ch, ok := e.Data["channels"].(float64); ok && ch > 0 {
		f.Channels = int(ch)
	}
	return f
}

// AudioPayload extracts and decodes the PCM bytes of an audio:chunk event.
func (e Envelope) AudioPayload() ([]byte, error) {
	encoded, _ := e.Data["audioData"].(string)
	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("transport: decode audio payload: %w", err)
	}
	return pcm, nil
}

// injectionSignatures are substrings that mark a string payload as hostile.
// Matches are logged and stripped before routing.
var injectionSignatures = []string{
	"<script",
	"javascript:",
	"data:text/html",
	"../",
	"\x00",
}

// SanitizeStrings cleans every string in the payload in place and reports
// whether an injection signature was found. Audio payloads are exempt; the
// caller skips audio:chunk events.
func SanitizeStrings(data map[string]any) (flagged bool) {
	for key, value := range data {
		s, ok := value.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		for _, sig := range injectionSignatures {
			if strings.Contains(lower, sig) {
				flagged = true
				s = removeSignatures(s)
				break
			}
		}
		data[key] = stripControl(s)
	}
	return flagged
}

func removeSignatures(s string) string {
	lower := strings.ToLower(s)
	for _, sig := range injectionSignatures {
		for {
			i := strings.Index(lower, sig)
			if i < 0 {
				break
			}
			s = s[:i] + s[i+len(sig):]
			lower = lower[:i] + lower[i+len(sig):]
		}
	}
	return s
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
