// Package wire defines the client-facing WebSocket JSON protocol. Audio
// travels as base64 PCM16 inside JSON frames for portability.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Client to server frame types.
const (
	TypeAudioChunk = "audio_chunk"
	TypeTextInput  = "text_input"
	TypeControl    = "control"
)

// Server to client frame types.
const (
	TypeAudioResponse = "audio_response"
	TypeMetadata      = "metadata"
	TypeAgentSwitch   = "agent_switch"
	TypeError         = "error"
)

// Metadata event names.
const (
	EventSpeechStarted = "speech_started"
	EventSpeechEnded   = "speech_ended"
	EventTranscription = "transcription"
	EventTurnComplete  = "turn_complete"
)

// Error codes surfaced to the client.
const (
	CodeProtocolError = "PROTOCOL_ERROR"
	CodeAudioError    = "AUDIO_ERROR"
	CodeAuthError     = "AUTH_ERROR"
	CodeSessionClosed = "SESSION_CLOSED"
)

// Control actions accepted from the client.
const (
	ActionEndSession = "end_session"
)

// WebSocket close codes.
const (
	CloseNormal        = 1000
	CloseServerError   = 1011
	CloseAuthFailed    = 4001
	CloseTierForbidden = 4003
)

// ProtocolError describes a malformed client frame. It is rejected
// per-frame; the session continues.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Code + ": " + e.Message
}

// Frame converts the error into its client-visible form. Protocol
// errors are always recoverable: the client may simply send the next
// frame.
func (e *ProtocolError) Frame() ErrorFrame {
	return ErrorFrame{
		Type:        TypeError,
		Code:        e.Code,
		Message:     e.Message,
		Recoverable: true,
	}
}

// ClientFrame is a decoded, validated inbound frame.
type ClientFrame struct {
	Type   string
	PCM    []byte
	Seq    int64
	Text   string
	Action string
}

type rawClientFrame struct {
	Type   string `json:"type"`
	Data   string `json:"data"`
	Seq    *int64 `json:"seq"`
	Text   string `json:"text"`
	Action string `json:"action"`
}

// DecodeClientFrame parses and validates one inbound frame. A non-nil
// *ProtocolError describes the rejection; the raw bytes are never
// trusted past this point.
func DecodeClientFrame(raw []byte) (ClientFrame, *ProtocolError) {
	var rf rawClientFrame
	if err := json.Unmarshal(raw, &rf); err != nil {
		return ClientFrame{}, &ProtocolError{Code: CodeProtocolError, Message: "malformed JSON frame"}
	}
	switch rf.Type {
	case TypeAudioChunk:
		if rf.Data == "" {
			return ClientFrame{}, &ProtocolError{Code: CodeProtocolError, Message: "audio_chunk requires data"}
		}
		pcm, err := base64.StdEncoding.DecodeString(rf.Data)
		if err != nil {
			return ClientFrame{}, &ProtocolError{Code: CodeAudioError, Message: "audio payload is not valid base64"}
		}
		if len(pcm) == 0 || len(pcm)%2 != 0 {
			return ClientFrame{}, &ProtocolError{Code: CodeAudioError, Message: "audio payload is not valid PCM16"}
		}
		var seq int64
		if rf.Seq != nil {
			seq = *rf.Seq
		}
		return ClientFrame{Type: TypeAudioChunk, PCM: pcm, Seq: seq}, nil
	case TypeTextInput:
		if strings.TrimSpace(rf.Text) == "" {
			return ClientFrame{}, &ProtocolError{Code: CodeProtocolError, Message: "text_input requires text"}
		}
		return ClientFrame{Type: TypeTextInput, Text: rf.Text}, nil
	case TypeControl:
		if rf.Action != ActionEndSession {
			return ClientFrame{}, &ProtocolError{Code: CodeProtocolError, Message: fmt.Sprintf("unknown control action %q", rf.Action)}
		}
		return ClientFrame{Type: TypeControl, Action: rf.Action}, nil
	case "":
		return ClientFrame{}, &ProtocolError{Code: CodeProtocolError, Message: "frame missing type"}
	default:
		return ClientFrame{}, &ProtocolError{Code: CodeProtocolError, Message: fmt.Sprintf("unknown frame type %q", rf.Type)}
	}
}

// AudioResponse carries one agent audio chunk to the client.
type AudioResponse struct {
	Type       string `json:"type"`
	Agent      string `json:"agent"`
	Data       string `json:"data"`
	Transcript string `json:"transcript,omitempty"`
}

func NewAudioResponse(agent string, pcm []byte, transcript string) AudioResponse {
	return AudioResponse{
		Type:       TypeAudioResponse,
		Agent:      agent,
		Data:       base64.StdEncoding.EncodeToString(pcm),
		Transcript: transcript,
	}
}

// Metadata carries lifecycle events (speech boundaries, transcription,
// turn completion) for UI purposes.
type Metadata struct {
	Type  string         `json:"type"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

func NewMetadata(event string, data map[string]any) Metadata {
	return Metadata{Type: TypeMetadata, Event: event, Data: data}
}

// AgentSwitch announces a completed floor handoff.
type AgentSwitch struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

func NewAgentSwitch(from, to string) AgentSwitch {
	return AgentSwitch{Type: TypeAgentSwitch, From: from, To: to}
}

// ErrorFrame is the client-visible error envelope. Recoverable tells
// the client whether to retry or fall back to a non-audio mode.
type ErrorFrame struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func NewErrorFrame(code, message string, recoverable bool) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message, Recoverable: recoverable}
}

// Encode marshals any server frame.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
