package device

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cue-voice-lab/internal/pipeerr"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type fakeTrack struct {
	mu    sync.Mutex
	stops int
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	return nil
}

type fakeSource struct{ format Format }

func (s fakeSource) Format() Format                        { return s.format }
func (s fakeSource) Read(context.Context) ([]int16, error) { return nil, io.EOF }

type fakePlatform struct {
	mu     sync.Mutex
	perm   map[Kind]Permission
	errs   map[Kind]error
	tracks []*fakeTrack
	opens  int
}

func (p *fakePlatform) Permission(k Kind) Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.perm[k]
}

func (p *fakePlatform) Open(_ context.Context, req Request) (Source, []Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if err := p.errs[req.Kind]; err != nil {
		return nil, nil, err
	}
	t := &fakeTrack{}
	p.tracks = append(p.tracks, t)
	return fakeSource{format: req.Format}, []Track{t}, nil
}

func TestAcquireReleaseIsIdempotent(t *testing.T) {
	p := &fakePlatform{perm: map[Kind]Permission{KindMicrophone: PermissionPrompt}}
	m := NewManager(p, nil)

	h, err := m.Acquire(context.Background(), Request{Kind: KindMicrophone, Format: Format{16000, 1}})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if m.OpenHandles() != 1 {
		t.Fatalf("open handles = %d", m.OpenHandles())
	}
	if m.CachedPermission(KindMicrophone) != PermissionGranted {
		t.Fatalf("permission not recorded as granted")
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("second Release must be a no-op, got %v", err)
	}
	if p.tracks[0].stops != 1 {
		t.Fatalf("track stopped %d times", p.tracks[0].stops)
	}
	if m.OpenHandles() != 0 || !h.Released() {
		t.Fatalf("handle still open")
	}
}

func TestAcquireClassifiesPlatformErrors(t *testing.T) {
	p := &fakePlatform{errs: map[Kind]error{
		KindMicrophone: &PlatformError{Name: ErrNameNotAllowed},
		KindTabAudio:   &PlatformError{Name: ErrNameNotFound},
	}}
	m := NewManager(p, nil)

	_, err := m.Acquire(context.Background(), Request{Kind: KindMicrophone})
	if !errors.Is(err, pipeerr.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if m.CachedPermission(KindMicrophone) != PermissionDenied {
		t.Fatalf("denial not cached")
	}
	_, err = m.Acquire(context.Background(), Request{Kind: KindTabAudio, CaptureToken: "tok"})
	if !errors.Is(err, pipeerr.ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable, got %v", err)
	}
	if m.OpenHandles() != 0 {
		t.Fatalf("failed acquisitions left handles open")
	}
}

func TestAcquireDeniedDoesNotPrompt(t *testing.T) {
	p := &fakePlatform{perm: map[Kind]Permission{KindMicrophone: PermissionDenied}}
	m := NewManager(p, nil)
	_, err := m.Acquire(context.Background(), Request{Kind: KindMicrophone})
	if !errors.Is(err, pipeerr.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if p.opens != 0 {
		t.Fatalf("platform was asked to open a denied device")
	}
}

func TestTabAudioNeedsToken(t *testing.T) {
	m := NewManager(&fakePlatform{}, nil)
	_, err := m.Acquire(context.Background(), Request{Kind: KindTabAudio})
	if !errors.Is(err, pipeerr.ErrPermissionDenied) {
		t.Fatalf("expected permission denied without token, got %v", err)
	}
}

func TestReleaseAll(t *testing.T) {
	p := &fakePlatform{}
	m := NewManager(p, nil)
	for i := 0; i < 3; i++ {
		if _, err := m.Acquire(context.Background(), Request{Kind: KindMicrophone}); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.ReleaseAll(); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	if m.OpenHandles() != 0 {
		t.Fatalf("open handles = %d", m.OpenHandles())
	}
}

func TestClassifyUnknown(t *testing.T) {
	err := Classify(errors.New("weird"))
	if pipeerr.CodeOf(err) != pipeerr.CodeUnknown {
		t.Fatalf("unexpected code %q", pipeerr.CodeOf(err))
	}
	already := Classify(pipeerr.ErrDeviceUnavailable)
	if already != pipeerr.ErrDeviceUnavailable {
		t.Fatalf("classified error was rewrapped: %v", already)
	}
}

type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	if need := m.pos + len(p); need > len(m.buf) {
		m.buf = append(m.buf, make([]byte, need-len(m.buf))...)
	}
	copy(m.buf[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memFile) Seek(off int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = int(off)
	case io.SeekCurrent:
		m.pos += int(off)
	case io.SeekEnd:
		m.pos = len(m.buf) + int(off)
	}
	return int64(m.pos), nil
}

func writeTestWAV(t *testing.T, path string, rate, channels int, samples []int) {
	t.Helper()
	mf := &memFile{}
	e := wav.NewEncoder(mf, rate, 16, channels, 1)
	if err := e.Write(&audio.IntBuffer{Data: samples, Format: &audio.Format{NumChannels: channels, SampleRate: rate}, SourceBitDepth: 16}); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, mf.buf, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFilePlatformServesFramesAndStops(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tab.wav")
	// 32 kHz stereo, downmixed and resampled to 16 kHz mono.
	samples := make([]int, 32000*2/10)
	for i := range samples {
		samples[i] = 1000
	}
	writeTestWAV(t, path, 32000, 2, samples)

	p := &FilePlatform{Paths: map[Kind]string{KindTabAudio: path}}
	m := NewManager(p, nil)
	h, err := m.Acquire(context.Background(), Request{Kind: KindTabAudio, CaptureToken: "tok", Format: Format{16000, 1}, FrameMs: 20})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	total := 0
	for {
		frame, err := h.Source().Read(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if len(frame) > 320 {
			t.Fatalf("frame too large: %d", len(frame))
		}
		for _, s := range frame {
			if s != 1000 {
				t.Fatalf("unexpected sample %d", s)
			}
		}
		total += len(frame)
	}
	if total != 1600 {
		t.Fatalf("expected 100ms of 16k mono audio (1600 samples), got %d", total)
	}
	_ = h.Release()
	if _, err := h.Source().Read(context.Background()); err != io.EOF {
		t.Fatalf("read after release should be EOF, got %v", err)
	}
	_, err = m.Acquire(context.Background(), Request{Kind: KindMicrophone})
	if !errors.Is(err, pipeerr.ErrDeviceUnavailable) {
		t.Fatalf("unconfigured kind should be unavailable, got %v", err)
	}
}

func TestFilePlatformRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.wav")
	_ = os.WriteFile(path, bytes.Repeat([]byte{1}, 64), 0o644)
	m := NewManager(&FilePlatform{Paths: map[Kind]string{KindMicrophone: path}}, nil)
	_, err := m.Acquire(context.Background(), Request{Kind: KindMicrophone, Format: Format{16000, 1}})
	if !errors.Is(err, pipeerr.ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable for invalid wav, got %v", err)
	}
}
