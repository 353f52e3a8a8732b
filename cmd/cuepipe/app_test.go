package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/cue-voice-lab/internal/backend"
	"github.com/cue-voice-lab/internal/bridge"
	"github.com/cue-voice-lab/internal/config"
	"github.com/cue-voice-lab/internal/control"
	"github.com/cue-voice-lab/internal/metrics"
)

func writeWAV(t *testing.T, path string, rate int, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	e := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &audio.IntBuffer{Data: samples, Format: &audio.Format{NumChannels: 1, SampleRate: rate}, SourceBitDepth: 16}
	if err := e.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
}

type fakeService struct {
	mu       sync.Mutex
	chunks   []backend.ChunkRequest
	notified int
}

func (s *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/process_audio_chunk", func(w http.ResponseWriter, r *http.Request) {
		var req backend.ChunkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.chunks = append(s.chunks, req)
		s.mu.Unlock()
		_, _ = w.Write([]byte(`{"type":"none"}`))
	})
	mux.HandleFunc("/sessions/notify_start", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.notified++
		s.mu.Unlock()
		_, _ = w.Write([]byte(`{"sessionId":"b1"}`))
	})
	return mux
}

func (s *fakeService) received() []backend.ChunkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.ChunkRequest(nil), s.chunks...)
}

// TestPipelineInProcess drives a capture from the console through the
// coordinator and sandbox to the backend, using a WAV file as the tab.
func TestPipelineInProcess(t *testing.T) {
	dir := t.TempDir()
	tab := filepath.Join(dir, "tab.wav")
	samples := make([]int, 16000)
	for i := range samples {
		samples[i] = 1000
	}
	writeWAV(t, tab, 16000, samples)

	svc := &fakeService{}
	hs := httptest.NewServer(svc.handler())
	defer hs.Close()

	cfg := config.Default()
	cfg.Capture.TabWAV = tab
	cfg.Capture.IncludeMicrophone = false
	cfg.Capture.ChunkIntervalMs = 100
	cfg.Backend.BaseURL = hs.URL
	cfg.Backend.SourceURL = "https://example.test/talk"
	cfg.Archive.Dir = filepath.Join(dir, "archive")

	m := metrics.New()
	router := bridge.NewRouter(m)
	sp := newSandbox(router, cfg, m)
	defer sp.Close()
	coord := newCoordinator(router, cfg, m)
	con := newConsole(router, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	downstream, stopDownstream := context.WithCancel(context.Background())
	var sandboxWG, wg sync.WaitGroup
	runActor(ctx, &sandboxWG, "sandbox", sp.sb.Run)
	runActor(downstream, &wg, "coordinator", coord.Run)
	runActor(downstream, &wg, "console", con.Run)
	defer func() {
		cancel()
		sandboxWG.Wait()
		stopDownstream()
		wg.Wait()
	}()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	ack, err := con.StartCapture(callCtx)
	if err != nil {
		t.Fatalf("start capture: %v", err)
	}
	if ack.SessionID == "" {
		t.Fatalf("start ack carries no session id: %+v", ack)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(svc.received()) < 3 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if err := con.StopCapture(callCtx); err != nil {
		t.Fatalf("stop capture: %v", err)
	}

	got := svc.received()
	if len(got) < 3 {
		t.Fatalf("backend received %d chunks, want at least 3", len(got))
	}
	for i, c := range got[:3] {
		if c.MimeType != "audio/wav" || c.AudioBase64 == "" {
			t.Fatalf("chunk %d: unexpected body %+v", i, c)
		}
		if c.SourceURL != cfg.Backend.SourceURL {
			t.Fatalf("chunk %d: source url %q", i, c.SourceURL)
		}
	}
	entries, err := os.ReadDir(cfg.Archive.Dir)
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected archived chunks, err=%v entries=%d", err, len(entries))
	}
}

type stubCommands struct{}

func (stubCommands) StartCapture(context.Context) (bridge.Ack, error) {
	return bridge.Ack{Success: true, SessionID: "s1"}, nil
}
func (stubCommands) StopCapture(context.Context) error { return nil }
func (stubCommands) StartWake(context.Context) error   { return nil }
func (stubCommands) StopWake(context.Context) error    { return nil }
func (stubCommands) Status(context.Context) (bridge.StatusReport, error) {
	return bridge.StatusReport{Capture: "recording", Wake: "listening", Dictation: "idle"}, nil
}

func runCtl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CUEPIPE_CONFIG", "")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCtlCallsTools(t *testing.T) {
	srv := control.NewServer(stubCommands{}, "test")
	hs := httptest.NewServer(srv.Handler())
	defer func() {
		hs.Close()
		srv.Close()
	}()
	url := hs.URL + "/mcp/ws"

	out, err := runCtl(t, "ctl", "tools", "--url", url, "--timeout", "5s")
	if err != nil {
		t.Fatalf("ctl tools: %v", err)
	}
	if !strings.Contains(out, control.ToolStartCapture) || !strings.Contains(out, control.ToolStatus) {
		t.Fatalf("unexpected tools output %q", out)
	}

	out, err = runCtl(t, "ctl", control.ToolStatus, "--url", url, "--timeout", "5s")
	if err != nil {
		t.Fatalf("ctl status: %v", err)
	}
	if !strings.Contains(out, `"recording"`) {
		t.Fatalf("unexpected status output %q", out)
	}
}

func TestCtlRequiresOneArg(t *testing.T) {
	if _, err := runCtl(t, "ctl"); err == nil {
		t.Fatal("expected an argument error")
	}
}
