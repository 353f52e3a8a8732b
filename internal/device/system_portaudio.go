//go:build portaudio
// +build portaudio

package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cue-voice-lab/internal/logging"
	"github.com/gordonklaus/portaudio"
)

// PortAudioPlatform captures the default input device through PortAudio.
// Tab audio has no system equivalent and is reported as not found.
type PortAudioPlatform struct {
	mu   sync.Mutex
	refs int
}

// NewSystemPlatform returns the host audio platform.
func NewSystemPlatform() Platform { return &PortAudioPlatform{} }

func (p *PortAudioPlatform) Permission(kind Kind) Permission {
	if kind == KindMicrophone {
		return PermissionGranted
	}
	return PermissionUnknown
}

func (p *PortAudioPlatform) Open(ctx context.Context, req Request) (Source, []Track, error) {
	if req.Kind != KindMicrophone {
		return nil, nil, &PlatformError{Name: ErrNameNotFound, Message: "tab audio is not available from the system audio host"}
	}
	if err := p.acquire(); err != nil {
		return nil, nil, &PlatformError{Name: ErrNameNotReadable, Message: err.Error()}
	}
	frames := req.Format.SampleRate * max(req.FrameMs, 1) / 1000
	buf := make([]int16, frames*req.Format.Channels)
	stream, err := portaudio.OpenDefaultStream(req.Format.Channels, 0, float64(req.Format.SampleRate), frames, buf)
	if err != nil {
		p.release()
		return nil, nil, &PlatformError{Name: ErrNameNotReadable, Message: fmt.Sprintf("portaudio: opening default stream failed: %v", err)}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		p.release()
		return nil, nil, &PlatformError{Name: ErrNameNotReadable, Message: fmt.Sprintf("portaudio: starting stream failed: %v", err)}
	}
	s := &paSource{platform: p, stream: stream, buf: buf, format: req.Format}
	return s, []Track{s}, nil
}

func (p *PortAudioPlatform) acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == 0 {
		logging.Debugw("portaudio: initializing portaudio")
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initializing portaudio failed: %w", err)
		}
	}
	p.refs++
	return nil
}

func (p *PortAudioPlatform) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs--
	if p.refs == 0 {
		logging.Debugw("portaudio: terminating portaudio")
		if err := portaudio.Terminate(); err != nil {
			logging.Warnw("portaudio: terminating portaudio failed", "err", err)
		}
	}
}

type paSource struct {
	platform *PortAudioPlatform
	stream   *portaudio.Stream
	buf      []int16
	format   Format

	mu      sync.Mutex
	stopped bool
}

func (s *paSource) Format() Format { return s.format }

func (s *paSource) Read(ctx context.Context) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, io.EOF
	}
	if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, fmt.Errorf("portaudio: reading stream failed: %w", err)
	}
	out := make([]int16, len(s.buf))
	copy(out, s.buf)
	return out, nil
}

func (s *paSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	s.platform.release()
	return err
}
