package sandbox

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cue-voice-lab/internal/bridge"
	"github.com/cue-voice-lab/internal/config"
	"github.com/cue-voice-lab/internal/device"
	"github.com/cue-voice-lab/internal/dictation"
	"github.com/cue-voice-lab/internal/pipeerr"
	"github.com/cue-voice-lab/internal/speech/speechtest"
	"github.com/cue-voice-lab/internal/wake"
)

// toneSource yields a frame every few milliseconds until its track stops.
type toneSource struct {
	format device.Format
	value  int16
	stop   chan struct{}
	once   sync.Once
}

func (s *toneSource) Format() device.Format { return s.format }

func (s *toneSource) Read(ctx context.Context) ([]int16, error) {
	select {
	case <-s.stop:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Millisecond):
	}
	frame := make([]int16, s.format.FrameSamples(20))
	for i := range frame {
		frame[i] = s.value
	}
	return frame, nil
}

func (s *toneSource) Stop() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

type platform struct {
	mu      sync.Mutex
	errs    map[device.Kind]error
	sources []*toneSource
}

func (p *platform) Permission(device.Kind) device.Permission { return device.PermissionPrompt }

func (p *platform) Open(_ context.Context, req device.Request) (device.Source, []device.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[req.Kind]; err != nil {
		return nil, nil, err
	}
	src := &toneSource{format: req.Format, value: 100, stop: make(chan struct{})}
	p.sources = append(p.sources, src)
	return src, []device.Track{src}, nil
}

type coordinator struct {
	mu   sync.Mutex
	msgs []*bridge.Message
	ep   *bridge.Endpoint
}

func (c *coordinator) handle(_ context.Context, m *bridge.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *coordinator) ofType(t bridge.MessageType) []*bridge.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*bridge.Message
	for _, m := range c.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *coordinator) request(t *testing.T, typ bridge.MessageType, payload any) bridge.Ack {
	t.Helper()
	ack, err := c.ep.Request(context.Background(), typ, bridge.ContextSandbox, payload)
	if err != nil {
		t.Fatalf("%s: %v", typ, err)
	}
	return ack
}

type fixture struct {
	sb      *Sandbox
	coord   *coordinator
	devices *device.Manager
	plat    *platform
	wakeEng *speechtest.Engine
	dictEng *speechtest.Engine
}

func newFixture(t *testing.T, errs map[device.Kind]error) *fixture {
	t.Helper()
	plat := &platform{errs: errs}
	devices := device.NewManager(plat, nil)
	capCfg := config.Default().Capture
	capCfg.ChunkIntervalMs = 25

	wakeEng := speechtest.New()
	dictEng := speechtest.New()
	listener := wake.New(wakeEng, wake.Options{Backoff: 20 * time.Millisecond})
	dict := dictation.New(dictEng, 20*time.Millisecond)

	router := bridge.NewRouter(nil)
	sb := New(router, Options{Devices: devices, Capture: capCfg, Wake: listener, Dictation: dict})
	coord := &coordinator{}
	coord.ep = router.NewEndpoint(bridge.ContextCoordinator, coord.handle, bridge.EndpointOptions{InboxSize: 256, RequestTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sb.Run(ctx)
		close(done)
	}()
	go func() { _ = coord.ep.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = listener.Close()
		_ = dict.Close()
	})
	return &fixture{sb: sb, coord: coord, devices: devices, plat: plat, wakeEng: wakeEng, dictEng: dictEng}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCaptureDegradesWhenMicrophoneUnavailable(t *testing.T) {
	f := newFixture(t, map[device.Kind]error{
		device.KindMicrophone: &device.PlatformError{Name: device.ErrNameNotFound, Message: "no microphone"},
	})
	ack := f.coord.request(t, bridge.TypeStartCapture, bridge.StartCapture{CaptureToken: "tok", IncludeMicrophone: true})
	if !ack.Success || !ack.Degraded || ack.SessionID == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	sessionID := ack.SessionID
	sess := f.sb.Session()
	if sess == nil || sess.State() != CaptureRecording || sess.Mixed() {
		t.Fatalf("session should be recording tab audio only")
	}
	if got := sess.Sources(); len(got) != 1 || got[0] != device.KindTabAudio {
		t.Fatalf("sources = %v", got)
	}
	waitFor(t, "chunks", func() bool { return len(f.coord.ofType(bridge.TypeAudioChunk)) >= 2 })

	ack = f.coord.request(t, bridge.TypeStopCapture, nil)
	if !ack.Success {
		t.Fatalf("stop failed: %+v", ack)
	}
	if n := f.devices.OpenHandles(); n != 0 {
		t.Fatalf("open handles after stop = %d", n)
	}
	// Every chunk was handed over before the stop ack; none may follow it.
	time.Sleep(50 * time.Millisecond)
	chunks := f.coord.ofType(bridge.TypeAudioChunk)
	for i, m := range chunks {
		var c bridge.AudioChunk
		if err := m.Decode(&c); err != nil {
			t.Fatal(err)
		}
		if c.Sequence != i || c.SessionID != sessionID {
			t.Fatalf("chunk %d has sequence %d", i, c.Sequence)
		}
		if c.MimeType != "audio/wav" || len(c.Payload) == 0 {
			t.Fatalf("bad chunk %+v", c)
		}
	}
	if f.sb.Session() != nil {
		t.Fatalf("session not cleared after stop")
	}
}

func TestCaptureMixesBothSources(t *testing.T) {
	f := newFixture(t, nil)
	ack := f.coord.request(t, bridge.TypeStartCapture, bridge.StartCapture{CaptureToken: "tok", IncludeMicrophone: true})
	if !ack.Success || ack.Degraded {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if !f.sb.Session().Mixed() {
		t.Fatalf("expected a mixed session")
	}
	if f.devices.OpenHandles() != 2 {
		t.Fatalf("open handles = %d", f.devices.OpenHandles())
	}
	second := f.coord.request(t, bridge.TypeStartCapture, bridge.StartCapture{CaptureToken: "tok"})
	if second.Success || !errors.Is(second.Err(), pipeerr.ErrAlreadyActive) {
		t.Fatalf("second start should be rejected as already active: %+v", second)
	}
	if f.devices.OpenHandles() != 2 {
		t.Fatalf("second start acquired devices")
	}
	f.coord.request(t, bridge.TypeStopCapture, nil)
	if f.devices.OpenHandles() != 0 {
		t.Fatalf("handles leaked: %d", f.devices.OpenHandles())
	}
}

func TestCapturePrimaryFailureAborts(t *testing.T) {
	f := newFixture(t, map[device.Kind]error{
		device.KindTabAudio: &device.PlatformError{Name: device.ErrNameNotAllowed},
	})
	ack := f.coord.request(t, bridge.TypeStartCapture, bridge.StartCapture{CaptureToken: "tok", IncludeMicrophone: true})
	if ack.Success || ack.Code != pipeerr.CodePermissionDenied {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if f.devices.OpenHandles() != 0 || f.sb.Session() != nil {
		t.Fatalf("failed start left state behind")
	}
	// Without a token tab audio cannot be captured at all.
	ack = f.coord.request(t, bridge.TypeStartCapture, bridge.StartCapture{})
	if ack.Code != pipeerr.CodePermissionDenied {
		t.Fatalf("missing token should be a permission failure: %+v", ack)
	}
	// Stop with nothing running still succeeds.
	if ack := f.coord.request(t, bridge.TypeStopCapture, nil); !ack.Success {
		t.Fatalf("idle stop failed: %+v", ack)
	}
}

func TestSourceLossStopsCaptureAndReports(t *testing.T) {
	f := newFixture(t, nil)
	ack := f.coord.request(t, bridge.TypeStartCapture, bridge.StartCapture{CaptureToken: "tok"})
	if !ack.Success {
		t.Fatalf("start failed: %+v", ack)
	}
	f.plat.mu.Lock()
	tab := f.plat.sources[0]
	f.plat.mu.Unlock()
	_ = tab.Stop()

	waitFor(t, "pipeline error", func() bool { return len(f.coord.ofType(bridge.TypePipelineError)) == 1 })
	var p bridge.PipelineError
	_ = f.coord.ofType(bridge.TypePipelineError)[0].Decode(&p)
	if p.Source != "capture" || p.Code != pipeerr.CodeDeviceUnavailable || p.Message == "" {
		t.Fatalf("unexpected report %+v", p)
	}
	waitFor(t, "session cleared", func() bool { return f.sb.Session() == nil })
	if f.devices.OpenHandles() != 0 {
		t.Fatalf("handles leaked after source loss")
	}
}

func TestWakeWordArmIsIdempotentAndDetects(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 2; i++ {
		if ack := f.coord.request(t, bridge.TypeStartWakeWord, nil); !ack.Success {
			t.Fatalf("arm %d failed: %+v", i, ack)
		}
	}
	if f.wakeEng.Starts() != 1 {
		t.Fatalf("engine started %d times", f.wakeEng.Starts())
	}
	waitFor(t, "listening", func() bool { return f.sb.Status().Wake == "listening" })
	f.wakeEng.Say("hey cue open my calendar")
	waitFor(t, "wake event", func() bool { return len(f.coord.ofType(bridge.TypeWakeWordDetected)) == 1 })
	var p bridge.WakeWordDetected
	_ = f.coord.ofType(bridge.TypeWakeWordDetected)[0].Decode(&p)
	if p.Remainder != "open my calendar" {
		t.Fatalf("remainder = %q", p.Remainder)
	}
	f.wakeEng.Say("hey cue again")
	time.Sleep(50 * time.Millisecond)
	if n := len(f.coord.ofType(bridge.TypeWakeWordDetected)); n != 1 {
		t.Fatalf("wake event emitted %d times without re-arming", n)
	}
}

func TestWakeFatalErrorIsReported(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.request(t, bridge.TypeStartWakeWord, nil)
	waitFor(t, "listening", func() bool { return f.sb.Status().Wake == "listening" })
	f.wakeEng.Fail("not-allowed")
	waitFor(t, "error report", func() bool { return len(f.coord.ofType(bridge.TypePipelineError)) == 1 })
	var p bridge.PipelineError
	_ = f.coord.ofType(bridge.TypePipelineError)[0].Decode(&p)
	if p.Source != "wake" || p.Code != pipeerr.CodeEngineFatal {
		t.Fatalf("unexpected report %+v", p)
	}
}

func TestDictationTranscriptsAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	if ack := f.coord.request(t, bridge.TypeStartDictation, nil); !ack.Success {
		t.Fatalf("start dictation: %+v", ack)
	}
	f.dictEng.Interim("summarize")
	f.dictEng.Say("summarize this page")
	waitFor(t, "transcripts", func() bool { return len(f.coord.ofType(bridge.TypeDictationTranscript)) == 2 })
	var last bridge.DictationTranscript
	_ = f.coord.ofType(bridge.TypeDictationTranscript)[1].Decode(&last)
	if !last.IsFinal || last.Text != "summarize this page" {
		t.Fatalf("unexpected transcript %+v", last)
	}

	ack := f.coord.request(t, bridge.TypeStatus, nil)
	if ack.Status == nil || ack.Status.Dictation != "listening" || ack.Status.Capture != "idle" {
		t.Fatalf("unexpected status %+v", ack.Status)
	}
	f.coord.request(t, bridge.TypeResetDictation, nil)
	f.coord.request(t, bridge.TypeStopDictation, nil)
	if f.sb.Status().Dictation != "idle" {
		t.Fatalf("dictation still listening")
	}
}
