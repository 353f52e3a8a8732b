// Package bridge carries typed messages between the ui, coordinator and
// sandbox contexts. Contexts never share memory; everything crosses as a
// Message, either through an in-process Router or a websocket Link.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cue-voice-lab/internal/pipeerr"
)

// Context names an execution context.
type Context string

const (
	ContextUI          Context = "ui"
	ContextCoordinator Context = "coordinator"
	ContextSandbox     Context = "sandbox"
)

// MessageType is the closed set of message kinds.
type MessageType string

const (
	TypeStartCapture        MessageType = "START_CAPTURE"
	TypeStopCapture         MessageType = "STOP_CAPTURE"
	TypeAudioChunk          MessageType = "AUDIO_CHUNK"
	TypeStartWakeWord       MessageType = "START_WAKE_WORD"
	TypeStopWakeWord        MessageType = "STOP_WAKE_WORD"
	TypeWakeWordDetected    MessageType = "WAKE_WORD_DETECTED"
	TypeStartDictation      MessageType = "START_DICTATION"
	TypeStopDictation       MessageType = "STOP_DICTATION"
	TypeResetDictation      MessageType = "RESET_DICTATION"
	TypeDictationTranscript MessageType = "DICTATION_TRANSCRIPT"
	TypeDictationSubmit     MessageType = "DICTATION_SUBMIT"
	TypeAskAIResult         MessageType = "ASK_AI_RESULT"
	TypeChunkResult         MessageType = "CHUNK_RESULT"
	TypePipelineError       MessageType = "PIPELINE_ERROR"
	TypeStatus              MessageType = "STATUS"
	TypeAck                 MessageType = "ACK"
	TypeHello               MessageType = "HELLO"
)

var knownTypes = map[MessageType]struct{}{
	TypeStartCapture: {}, TypeStopCapture: {}, TypeAudioChunk: {},
	TypeStartWakeWord: {}, TypeStopWakeWord: {}, TypeWakeWordDetected: {},
	TypeStartDictation: {}, TypeStopDictation: {}, TypeResetDictation: {},
	TypeDictationTranscript: {}, TypeDictationSubmit: {}, TypeAskAIResult: {},
	TypeChunkResult: {}, TypePipelineError: {}, TypeStatus: {}, TypeAck: {},
	TypeHello: {},
}

func (t MessageType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

var ErrUnknownType = errors.New("bridge: unknown message type")

// Message is the envelope every context exchanges. ReplyTo carries the
// correlation id of the request an ACK answers.
type Message struct {
	ID      string          `json:"id" msgpack:"id"`
	ReplyTo string          `json:"reply_to,omitempty" msgpack:"reply_to,omitempty"`
	Type    MessageType     `json:"type" msgpack:"type"`
	From    Context         `json:"from" msgpack:"from"`
	Target  Context         `json:"target" msgpack:"target"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// NewMessage builds a message with a fresh correlation id. A nil payload
// leaves Payload empty.
func NewMessage(t MessageType, from, target Context, payload any) (*Message, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	m := &Message{ID: uuid.NewString(), Type: t, From: from, Target: target}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("bridge: encode %s payload: %w", t, err)
		}
		m.Payload = raw
	}
	return m, nil
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("bridge: decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Ack answers a request. Code carries the error class so the receiver can
// tell a benign race from a surfaced failure.
type Ack struct {
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Code      pipeerr.Code  `json:"code,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`
	Status    *StatusReport `json:"status,omitempty"`
}

// AckOK is a plain success.
func AckOK() Ack { return Ack{Success: true} }

// AckErr converts err into a failed ack.
func AckErr(err error) Ack {
	return Ack{Error: err.Error(), Code: pipeerr.CodeOf(err)}
}

// Err rebuilds an error from a failed ack, nil on success.
func (a Ack) Err() error {
	if a.Success {
		return nil
	}
	if err := pipeerr.FromCode(a.Code, a.Error); err != nil {
		return err
	}
	return pipeerr.FromCode(pipeerr.CodeUnknown, a.Error)
}

type StartCapture struct {
	CaptureToken      string `json:"capture_token,omitempty"`
	IncludeMicrophone bool   `json:"include_microphone"`
	SourceURL         string `json:"source_url,omitempty"`
	PageTitle         string `json:"page_title,omitempty"`
}

type StopCapture struct{}

// AudioChunk is fire-and-forget from the sandbox to the coordinator.
type AudioChunk struct {
	SessionID    string  `json:"session_id"`
	Sequence     int     `json:"sequence"`
	MimeType     string  `json:"mime_type"`
	Payload      []byte  `json:"payload"`
	StartSeconds float64 `json:"chunk_start_seconds"`
	DurationMs   int64   `json:"duration_ms"`
}

type WakeWordDetected struct {
	Transcript string    `json:"transcript,omitempty"`
	Remainder  string    `json:"remainder,omitempty"`
	At         time.Time `json:"at"`
}

type DictationTranscript struct {
	Text    string `json:"text"`
	Delta   string `json:"delta,omitempty"`
	IsFinal bool   `json:"is_final"`
	Stamp   int64  `json:"stamp"`
}

type DictationSubmit struct {
	Text      string `json:"text"`
	PageTitle string `json:"page_title,omitempty"`
	URL       string `json:"url,omitempty"`
	Selection string `json:"selected_text,omitempty"`
}

type AskAIResult struct {
	Query    string          `json:"query"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ChunkResult relays what the backend derived from one chunk.
type ChunkResult struct {
	SessionID string          `json:"session_id"`
	Sequence  int             `json:"sequence"`
	Type      string          `json:"type"`
	Result    json.RawMessage `json:"result"`
}

// PipelineError reports a surfaced failure with a human-actionable message.
type PipelineError struct {
	Source  string       `json:"source"`
	Code    pipeerr.Code `json:"code"`
	Message string       `json:"message"`
}

// NewPipelineError builds the payload for err raised by source.
func NewPipelineError(source string, err error) PipelineError {
	return PipelineError{Source: source, Code: pipeerr.CodeOf(err), Message: pipeerr.UserMessage(err)}
}

// StatusReport is a sandbox snapshot returned in a STATUS ack.
type StatusReport struct {
	Capture       string   `json:"capture"`
	SessionID     string   `json:"session_id,omitempty"`
	Sources       []string `json:"sources,omitempty"`
	ChunksEmitted int      `json:"chunks_emitted"`
	Wake          string   `json:"wake"`
	WakeRestarts  int      `json:"wake_restarts"`
	Dictation     string   `json:"dictation"`
	OpenHandles   int      `json:"open_handles"`
	LastError     string   `json:"last_error,omitempty"`
}

// Hello is the first frame on a Link. It lists the contexts reachable
// through the sender.
type Hello struct {
	Contexts []Context `json:"contexts"`
	Codec    string    `json:"codec"`
}
