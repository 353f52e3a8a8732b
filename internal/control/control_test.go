package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cue-voice-lab/internal/bridge"
	"github.com/cue-voice-lab/internal/pipeerr"
)

type fakeCommands struct {
	mu       sync.Mutex
	calls    []string
	startErr error
}

func (f *fakeCommands) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeCommands) StartCapture(ctx context.Context) (bridge.Ack, error) {
	f.record("start_capture")
	if f.startErr != nil {
		return bridge.AckErr(f.startErr), f.startErr
	}
	return bridge.Ack{Success: true, SessionID: "s1", Degraded: true}, nil
}

func (f *fakeCommands) StopCapture(ctx context.Context) error {
	f.record("stop_capture")
	return nil
}

func (f *fakeCommands) StartWake(ctx context.Context) error {
	f.record("start_wake")
	return nil
}

func (f *fakeCommands) StopWake(ctx context.Context) error {
	f.record("stop_wake")
	return nil
}

func (f *fakeCommands) Status(ctx context.Context) (bridge.StatusReport, error) {
	f.record("status")
	return bridge.StatusReport{Capture: "recording", Sources: []string{"tab_audio"}, Wake: "idle", Dictation: "idle"}, nil
}

func connect(t *testing.T, cmds Commands) *Client {
	t.Helper()
	srv := NewServer(cmds, "test")
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
	})

	c := NewClient("control-test", "test")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ConnectWebSocket(ctx, hs.URL+"/mcp/ws"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestToolsListed(t *testing.T) {
	c := connect(t, &fakeCommands{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	names, err := c.Tools(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{ToolStartCapture, ToolStartWakeWord, ToolStatus, ToolStopCapture, ToolStopWakeWord}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("tools = %v", names)
	}
}

func TestToolsDriveCommands(t *testing.T) {
	cmds := &fakeCommands{}
	c := connect(t, cmds)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := c.Call(ctx, ToolStartCapture, nil)
	if err != nil {
		t.Fatal(err)
	}
	var started struct {
		SessionID string `json:"session_id"`
		Degraded  bool   `json:"degraded"`
	}
	if err := json.Unmarshal([]byte(out), &started); err != nil || started.SessionID != "s1" || !started.Degraded {
		t.Fatalf("unexpected start result %q", out)
	}

	out, err = c.Call(ctx, ToolStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	var rep bridge.StatusReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil || rep.Capture != "recording" {
		t.Fatalf("unexpected status %q", out)
	}

	for _, tool := range []string{ToolStartWakeWord, ToolStopWakeWord, ToolStopCapture} {
		if _, err := c.Call(ctx, tool, nil); err != nil {
			t.Fatalf("%s: %v", tool, err)
		}
	}
	cmds.mu.Lock()
	got := strings.Join(cmds.calls, ",")
	cmds.mu.Unlock()
	if got != "start_capture,status,start_wake,stop_wake,stop_capture" {
		t.Fatalf("calls = %s", got)
	}
}

func TestToolFailureCarriesCode(t *testing.T) {
	c := connect(t, &fakeCommands{startErr: pipeerr.ErrPermissionDenied})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := c.Call(ctx, ToolStartCapture, nil)
	if !errors.Is(err, ErrToolFailed) {
		t.Fatalf("expected tool failure, got %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(out), &body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != string(pipeerr.CodePermissionDenied) || body["message"] == "" {
		t.Fatalf("unexpected failure body %v", body)
	}
}

func TestCallWithoutConnection(t *testing.T) {
	c := NewClient("x", "y")
	if _, err := c.Call(context.Background(), ToolStatus, nil); err == nil {
		t.Fatal("expected an error before connecting")
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}
