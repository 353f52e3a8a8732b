//go:build !portaudio
// +build !portaudio

package device

import "context"

// Builds without the portaudio tag have no host audio. Use FilePlatform or
// build with -tags portaudio for live capture.

type unavailablePlatform struct{}

// NewSystemPlatform returns a platform that reports every device missing.
func NewSystemPlatform() Platform { return unavailablePlatform{} }

func (unavailablePlatform) Permission(Kind) Permission { return PermissionUnknown }

func (unavailablePlatform) Open(_ context.Context, req Request) (Source, []Track, error) {
	return nil, nil, &PlatformError{Name: ErrNameNotFound, Message: req.Kind.String() + ": built without portaudio"}
}
