// Package speech defines the recognition engine contract shared by the wake
// listener and dictation, plus a whisper-backed implementation.
package speech

import (
	"context"
	"fmt"
	"time"

	"github.com/cue-voice-lab/internal/pipeerr"
)

type EventKind int

const (
	EventStarted EventKind = iota
	EventResult
	EventError
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// ErrorCode is the engine's own error vocabulary.
type ErrorCode string

const (
	CodeNotAllowed        ErrorCode = "not-allowed"
	CodeServiceNotAllowed ErrorCode = "service-not-allowed"
	CodeAudioCapture      ErrorCode = "audio-capture"
	CodeNoSpeech          ErrorCode = "no-speech"
	CodeNetwork           ErrorCode = "network"
	CodeAborted           ErrorCode = "aborted"
	CodeAlreadyStarted    ErrorCode = "already-started"
)

// Err maps the code onto the pipeline taxonomy.
func (c ErrorCode) Err() error {
	switch c {
	case CodeNotAllowed, CodeServiceNotAllowed:
		return fmt.Errorf("speech: %s: %w", c, pipeerr.ErrEngineFatal)
	case CodeAudioCapture:
		return fmt.Errorf("speech: %s: %w", c, pipeerr.ErrDeviceUnavailable)
	case CodeAlreadyStarted:
		return fmt.Errorf("speech: %s: %w", c, pipeerr.ErrAlreadyActive)
	default:
		return fmt.Errorf("speech: %s: %w", c, pipeerr.ErrEngineTransient)
	}
}

// ErrAlreadyStarted is returned by Start while a session is running.
var ErrAlreadyStarted = CodeAlreadyStarted.Err()

// Event is one notification from an engine session. Every session that
// emitted Started ends with exactly one End.
type Event struct {
	Kind       EventKind
	Transcript string
	IsFinal    bool
	Code       ErrorCode
	Err        error
	At         time.Time
}

// Engine is a continuous recognizer. Start only begins a session; results,
// errors and the end of the session arrive on Events. The ctx passed to
// Start bounds the start call, not the session.
type Engine interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan Event
	Close() error
}
