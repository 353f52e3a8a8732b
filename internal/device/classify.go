package device

import (
	"errors"
	"fmt"

	"github.com/cue-voice-lab/internal/pipeerr"
)

// Classify maps a platform failure onto the pipeline taxonomy. Errors that
// already carry a class are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if pipeerr.CodeOf(err) != pipeerr.CodeUnknown || errors.Is(err, pipeerr.ErrUnknown) {
		return err
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		switch pe.Name {
		case ErrNameNotAllowed, ErrNameSecurity:
			return fmt.Errorf("%w: %w", pipeerr.ErrPermissionDenied, err)
		case ErrNameNotFound, ErrNameNotReadable, ErrNameOverconstrained:
			return fmt.Errorf("%w: %w", pipeerr.ErrDeviceUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %w", pipeerr.ErrUnknown, err)
}
