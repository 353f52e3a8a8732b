// Package pipeerr holds the error taxonomy shared by every capture context.
// Errors are sentinels wrapped with fmt.Errorf so callers classify with
// errors.Is, and the Code form travels across the bridge inside acks.
package pipeerr

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrEngineTransient   = errors.New("transient engine error")
	ErrEngineFatal       = errors.New("fatal engine error")
	ErrAlreadyActive     = errors.New("already active")
	ErrUnknown           = errors.New("unknown error")
)

// Code is the wire form of an error class.
type Code string

const (
	CodeNone              Code = ""
	CodePermissionDenied  Code = "permission_denied"
	CodeDeviceUnavailable Code = "device_unavailable"
	CodeEngineTransient   Code = "engine_transient"
	CodeEngineFatal       Code = "engine_fatal"
	CodeAlreadyActive     Code = "already_active"
	CodeUnknown           Code = "unknown"
)

// CodeOf returns the class of err. A nil error yields CodeNone and anything
// outside the taxonomy yields CodeUnknown.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrDeviceUnavailable):
		return CodeDeviceUnavailable
	case errors.Is(err, ErrEngineTransient):
		return CodeEngineTransient
	case errors.Is(err, ErrEngineFatal):
		return CodeEngineFatal
	case errors.Is(err, ErrAlreadyActive):
		return CodeAlreadyActive
	default:
		return CodeUnknown
	}
}

// Sentinel returns the sentinel error for c, or nil for CodeNone.
func (c Code) Sentinel() error {
	switch c {
	case CodeNone:
		return nil
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeDeviceUnavailable:
		return ErrDeviceUnavailable
	case CodeEngineTransient:
		return ErrEngineTransient
	case CodeEngineFatal:
		return ErrEngineFatal
	case CodeAlreadyActive:
		return ErrAlreadyActive
	default:
		return ErrUnknown
	}
}

// FromCode rebuilds an error received over the bridge so errors.Is keeps
// working on the receiving side.
func FromCode(c Code, msg string) error {
	s := c.Sentinel()
	if s == nil {
		return nil
	}
	if msg == "" || msg == s.Error() {
		return s
	}
	return fmt.Errorf("%w: %s", s, msg)
}

// Recoverable reports whether the failure may heal on its own and is
// handled by internal retry.
func Recoverable(err error) bool {
	return errors.Is(err, ErrEngineTransient)
}

// Benign reports errors that must be swallowed rather than surfaced.
func Benign(err error) bool {
	return errors.Is(err, ErrAlreadyActive)
}

// NeedsUserAction reports failures that only the user can fix. Device
// unavailability sits with permission denial here because some platforms
// cannot tell the two apart.
func NeedsUserAction(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable)
}

// Surfaced reports whether err should reach the user.
func Surfaced(err error) bool {
	if err == nil {
		return false
	}
	return !Recoverable(err) && !Benign(err)
}

// UserMessage is the short text shown when an error is surfaced.
func UserMessage(err error) string {
	switch CodeOf(err) {
	case CodeNone:
		return ""
	case CodePermissionDenied:
		return "Microphone or tab audio access was denied. Allow access and try again."
	case CodeDeviceUnavailable:
		return "No usable audio device was found."
	case CodeEngineFatal:
		return "Speech recognition is not available."
	case CodeEngineTransient:
		return "Speech recognition was interrupted and will restart."
	case CodeAlreadyActive:
		return "Already running."
	default:
		return "Something went wrong: " + err.Error()
	}
}
