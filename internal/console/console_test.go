package console

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cue-voice-lab/internal/bridge"
	"github.com/cue-voice-lab/internal/config"
	"github.com/cue-voice-lab/internal/pipeerr"
)

type coordinator struct {
	ep    *bridge.Endpoint
	reply func(*bridge.Message) bridge.Ack

	mu   sync.Mutex
	msgs []*bridge.Message
}

func (c *coordinator) handle(ctx context.Context, m *bridge.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	ack := bridge.AckOK()
	if c.reply != nil {
		ack = c.reply(m)
	}
	_ = c.ep.Reply(ctx, m, ack)
}

func (c *coordinator) types() []bridge.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bridge.MessageType, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (c *coordinator) last(t bridge.MessageType) *bridge.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].Type == t {
			return c.msgs[i]
		}
	}
	return nil
}

func (c *coordinator) emit(t *testing.T, typ bridge.MessageType, payload any) {
	t.Helper()
	if err := c.ep.Send(context.Background(), typ, bridge.ContextUI, payload); err != nil {
		t.Fatal(err)
	}
}

func setup(t *testing.T, reply func(*bridge.Message) bridge.Ack) (*Console, *coordinator) {
	t.Helper()
	router := bridge.NewRouter(nil)
	opts := bridge.EndpointOptions{InboxSize: 32, RequestTimeout: 2 * time.Second}
	con := New(router, Options{
		Dictation:         config.DictationConfig{AutoSubmit: true, SilenceSubmitMs: 30},
		IncludeMicrophone: true,
		SourceURL:         "https://page.test",
		PageTitle:         "Page",
		Endpoint:          opts,
	})
	coord := &coordinator{reply: reply}
	coord.ep = router.NewEndpoint(bridge.ContextCoordinator, coord.handle, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = con.Run(ctx)
		close(done)
	}()
	go func() { _ = coord.ep.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return con, coord
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

func TestWakeThenDictateThenSubmit(t *testing.T) {
	con, coord := setup(t, nil)
	if err := con.StartWake(context.Background()); err != nil {
		t.Fatal(err)
	}
	coord.emit(t, bridge.TypeWakeWordDetected, bridge.WakeWordDetected{Transcript: "hey cue what", Remainder: "what", At: time.Now()})
	waitFor(t, "dictation start", func() bool { return coord.last(bridge.TypeStartDictation) != nil })

	coord.emit(t, bridge.TypeDictationTranscript, bridge.DictationTranscript{Text: "is", Stamp: 1})
	coord.emit(t, bridge.TypeDictationTranscript, bridge.DictationTranscript{Text: "is this", IsFinal: true, Stamp: 2})
	waitFor(t, "submit", func() bool { return coord.last(bridge.TypeDictationSubmit) != nil })

	var p bridge.DictationSubmit
	if err := coord.last(bridge.TypeDictationSubmit).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Text != "what is this" || p.URL != "https://page.test" || p.PageTitle != "Page" {
		t.Fatalf("unexpected submit %+v", p)
	}
	waitFor(t, "re-arm", func() bool {
		types := coord.types()
		return len(types) > 0 && types[len(types)-1] == bridge.TypeStartWakeWord
	})
	want := []bridge.MessageType{
		bridge.TypeStartWakeWord, bridge.TypeStartDictation, bridge.TypeDictationSubmit,
		bridge.TypeStopDictation, bridge.TypeStartWakeWord,
	}
	got := coord.types()
	if len(got) != len(want) {
		t.Fatalf("commands = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("commands = %v", got)
		}
	}
	v := con.View()
	if !v.WakeArmed || v.Dictating || v.Transcript != "" {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestSubmitWithoutTextIsRejected(t *testing.T) {
	con, coord := setup(t, nil)
	if err := con.Submit(context.Background()); !errors.Is(err, ErrNothingToSubmit) {
		t.Fatalf("expected ErrNothingToSubmit, got %v", err)
	}
	if len(coord.types()) != 0 {
		t.Fatalf("empty submit reached the coordinator")
	}
}

func TestStartCaptureCarriesPageContext(t *testing.T) {
	con, coord := setup(t, func(m *bridge.Message) bridge.Ack {
		return bridge.Ack{Success: true, SessionID: "s9", Degraded: true}
	})
	ack, err := con.StartCapture(context.Background())
	if err != nil || !ack.Degraded {
		t.Fatalf("start: %+v %v", ack, err)
	}
	var p bridge.StartCapture
	_ = coord.last(bridge.TypeStartCapture).Decode(&p)
	if !p.IncludeMicrophone || p.SourceURL != "https://page.test" || p.CaptureToken != "" {
		t.Fatalf("unexpected start %+v", p)
	}
	if con.View().SessionID != "s9" {
		t.Fatalf("session not tracked")
	}
	if err := con.StopCapture(context.Background()); err != nil {
		t.Fatal(err)
	}
	if con.View().SessionID != "" {
		t.Fatalf("session not cleared")
	}
}

func TestCommandFailureCarriesClass(t *testing.T) {
	con, _ := setup(t, func(m *bridge.Message) bridge.Ack {
		return bridge.AckErr(pipeerr.ErrPermissionDenied)
	})
	_, err := con.StartCapture(context.Background())
	if !errors.Is(err, pipeerr.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestEventsUpdateView(t *testing.T) {
	con, coord := setup(t, func(m *bridge.Message) bridge.Ack {
		if m.Type == bridge.TypeStatus {
			return bridge.Ack{Success: true, Status: &bridge.StatusReport{Capture: "recording", OpenHandles: 2}}
		}
		return bridge.AckOK()
	})
	coord.emit(t, bridge.TypeChunkResult, bridge.ChunkResult{SessionID: "s", Sequence: 0, Type: "diagram"})
	coord.emit(t, bridge.TypeAskAIResult, bridge.AskAIResult{Query: "q", Error: "backend down"})
	coord.emit(t, bridge.TypePipelineError, bridge.NewPipelineError("wake", pipeerr.ErrEngineFatal))
	waitFor(t, "error", func() bool { return con.View().LastError != nil })

	v := con.View()
	if v.ChunkResults != 1 || v.LastAnswer == nil || v.LastAnswer.Error != "backend down" {
		t.Fatalf("unexpected view %+v", v)
	}
	if v.LastError.Code != pipeerr.CodeEngineFatal || v.WakeArmed {
		t.Fatalf("unexpected error state %+v", v.LastError)
	}
	rep, err := con.Status(context.Background())
	if err != nil || rep.Capture != "recording" || rep.OpenHandles != 2 {
		t.Fatalf("status: %+v %v", rep, err)
	}
}
