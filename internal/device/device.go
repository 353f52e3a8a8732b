// Package device arbitrates access to the microphone and tab audio. Every
// acquisition yields a Handle whose Release stops the underlying tracks
// exactly once.
package device

import (
	"context"
	"fmt"
)

// Kind identifies a capture source.
type Kind int

const (
	KindMicrophone Kind = iota
	KindTabAudio
)

func (k Kind) String() string {
	switch k {
	case KindMicrophone:
		return "microphone"
	case KindTabAudio:
		return "tab_audio"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Permission is the platform's answer for a Kind, queried without prompting.
type Permission int

const (
	PermissionUnknown Permission = iota
	PermissionPrompt
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionPrompt:
		return "prompt"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Format describes interleaved signed 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameSamples is the interleaved sample count of a frame lasting ms.
func (f Format) FrameSamples(ms int) int {
	return f.SampleRate * ms / 1000 * f.Channels
}

// Source yields PCM frames. Read blocks until a frame is available and
// returns io.EOF once the stream has ended or its tracks were stopped.
type Source interface {
	Format() Format
	Read(ctx context.Context) ([]int16, error)
}

// Track is one live platform resource behind a Source.
type Track interface {
	Stop() error
}

// Request describes one acquisition.
type Request struct {
	Kind         Kind
	CaptureToken string // required for tab audio
	Format       Format
	FrameMs      int
}

// Platform is the OS or browser surface the manager drives. Permission must
// never show a prompt; Open may.
type Platform interface {
	Permission(kind Kind) Permission
	Open(ctx context.Context, req Request) (Source, []Track, error)
}

// Platform error names, mirroring the names media platforms report.
const (
	ErrNameNotAllowed      = "NotAllowedError"
	ErrNameSecurity        = "SecurityError"
	ErrNameNotFound        = "NotFoundError"
	ErrNameNotReadable     = "NotReadableError"
	ErrNameOverconstrained = "OverconstrainedError"
	ErrNameAbort           = "AbortError"
)

// PlatformError is a named failure raised by a Platform.
type PlatformError struct {
	Name    string
	Message string
}

func (e *PlatformError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}
