package device

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// FilePlatform serves capture sources from WAV files, one per Kind. Kinds
// without a file are delegated to Fallback when set.
type FilePlatform struct {
	Paths    map[Kind]string
	Fallback Platform
	// Realtime paces frames at wall-clock speed.
	Realtime bool
	// Loop restarts the file instead of ending the stream.
	Loop bool
}

func (p *FilePlatform) Permission(kind Kind) Permission {
	if p.Paths[kind] != "" {
		return PermissionGranted
	}
	if p.Fallback != nil {
		return p.Fallback.Permission(kind)
	}
	return PermissionUnknown
}

func (p *FilePlatform) Open(ctx context.Context, req Request) (Source, []Track, error) {
	path := p.Paths[req.Kind]
	if path == "" {
		if p.Fallback != nil {
			return p.Fallback.Open(ctx, req)
		}
		return nil, nil, &PlatformError{Name: ErrNameNotFound, Message: "no " + req.Kind.String() + " source configured"}
	}
	pcm, err := loadWAV(path, req.Format)
	if err != nil {
		return nil, nil, err
	}
	frame := req.Format.FrameSamples(req.FrameMs)
	if frame <= 0 {
		frame = req.Format.FrameSamples(20)
	}
	src := &pcmSource{
		data:     pcm,
		format:   req.Format,
		frame:    frame,
		realtime: p.Realtime,
		loop:     p.Loop,
		stopped:  make(chan struct{}),
	}
	return src, []Track{src}, nil
}

// loadWAV decodes a PCM WAV file and converts it to the requested format.
func loadWAV(path string, want Format) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &PlatformError{Name: ErrNameNotFound, Message: err.Error()}
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, &PlatformError{Name: ErrNameNotReadable, Message: fmt.Sprintf("%s is not a valid wav file", path)}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, &PlatformError{Name: ErrNameNotReadable, Message: err.Error()}
	}
	return convertBuffer(buf, want), nil
}

// convertBuffer scales samples to 16 bits, mixes channels down or up, and
// resamples linearly to want.
func convertBuffer(buf *audio.IntBuffer, want Format) []int16 {
	srcCh := 1
	srcRate := want.SampleRate
	if buf.Format != nil {
		if buf.Format.NumChannels > 0 {
			srcCh = buf.Format.NumChannels
		}
		if buf.Format.SampleRate > 0 {
			srcRate = buf.Format.SampleRate
		}
	}
	shift := buf.SourceBitDepth - 16

	frames := len(buf.Data) / srcCh
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < srcCh; c++ {
			v := buf.Data[i*srcCh+c]
			switch {
			case shift > 0:
				v >>= uint(shift)
			case shift < 0:
				v <<= uint(-shift)
			}
			sum += v
		}
		mono[i] = float64(sum) / float64(srcCh)
	}

	outCh := want.Channels
	if outCh <= 0 {
		outCh = 1
	}
	outFrames := frames
	if srcRate != want.SampleRate && want.SampleRate > 0 {
		outFrames = int(int64(frames) * int64(want.SampleRate) / int64(srcRate))
	}
	out := make([]int16, outFrames*outCh)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * float64(srcRate) / float64(max(want.SampleRate, 1))
		j := int(pos)
		v := mono[min(j, frames-1)]
		if j+1 < frames {
			frac := pos - float64(j)
			v = v*(1-frac) + mono[j+1]*frac
		}
		s := clamp16(v)
		for c := 0; c < outCh; c++ {
			out[i*outCh+c] = s
		}
	}
	return out
}

func clamp16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// pcmSource replays an in-memory buffer frame by frame. It is its own Track.
type pcmSource struct {
	data     []int16
	format   Format
	frame    int
	realtime bool
	loop     bool

	mu       sync.Mutex
	pos      int
	next     time.Time
	stopOnce sync.Once
	stopped  chan struct{}
}

func (s *pcmSource) Format() Format { return s.format }

func (s *pcmSource) Read(ctx context.Context) ([]int16, error) {
	select {
	case <-s.stopped:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	if s.pos >= len(s.data) {
		if !s.loop || len(s.data) == 0 {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.pos = 0
	}
	end := min(s.pos+s.frame, len(s.data))
	out := make([]int16, end-s.pos)
	copy(out, s.data[s.pos:end])
	s.pos = end
	wait := time.Duration(0)
	if s.realtime {
		now := time.Now()
		if s.next.IsZero() {
			s.next = now
		}
		perFrame := time.Duration(len(out)/max(s.format.Channels, 1)) * time.Second / time.Duration(max(s.format.SampleRate, 1))
		s.next = s.next.Add(perFrame)
		wait = s.next.Sub(now)
	}
	s.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.stopped:
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (s *pcmSource) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}
