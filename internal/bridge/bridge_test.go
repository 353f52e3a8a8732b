package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cue-voice-lab/internal/pipeerr"
)

type recorder struct {
	mu   sync.Mutex
	msgs []*Message
}

func (r *recorder) handle(ctx context.Context, m *Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Message(nil), r.msgs...)
}

func run(t *testing.T, e *Endpoint) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.Run(ctx) }()
}

func TestRequestMatchesAckByCorrelationID(t *testing.T) {
	r := NewRouter(nil)
	var sandbox *Endpoint
	sandbox = r.NewEndpoint(ContextSandbox, func(ctx context.Context, m *Message) {
		var p StartCapture
		if err := m.Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
		}
		if p.CaptureToken == "" {
			_ = sandbox.Reply(ctx, m, AckErr(pipeerr.ErrPermissionDenied))
			return
		}
		_ = sandbox.Reply(ctx, m, Ack{Success: true, SessionID: "s-1"})
	}, EndpointOptions{})
	coord := r.NewEndpoint(ContextCoordinator, func(context.Context, *Message) {}, EndpointOptions{RequestTimeout: time.Second})
	run(t, sandbox)
	run(t, coord)

	ack, err := coord.Request(context.Background(), TypeStartCapture, ContextSandbox, StartCapture{CaptureToken: "tok"})
	if err != nil || !ack.Success || ack.SessionID != "s-1" {
		t.Fatalf("ack=%+v err=%v", ack, err)
	}
	ack, err = coord.Request(context.Background(), TypeStartCapture, ContextSandbox, StartCapture{})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(ack.Err(), pipeerr.ErrPermissionDenied) {
		t.Fatalf("ack error should classify as permission denied: %+v", ack)
	}
}

func TestHandlerMayRequestWithoutDeadlock(t *testing.T) {
	r := NewRouter(nil)
	var sandbox, coord *Endpoint
	sandbox = r.NewEndpoint(ContextSandbox, func(ctx context.Context, m *Message) {
		_ = sandbox.Reply(ctx, m, AckOK())
	}, EndpointOptions{})
	done := make(chan Ack, 1)
	coord = r.NewEndpoint(ContextCoordinator, func(ctx context.Context, m *Message) {
		ack, _ := coord.Request(ctx, TypeStopCapture, ContextSandbox, nil)
		done <- ack
	}, EndpointOptions{RequestTimeout: time.Second})
	ui := r.NewEndpoint(ContextUI, func(context.Context, *Message) {}, EndpointOptions{})
	run(t, sandbox)
	run(t, coord)
	run(t, ui)

	if err := ui.Send(context.Background(), TypeStopCapture, ContextCoordinator, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case ack := <-done:
		if !ack.Success {
			t.Fatalf("unexpected ack %+v", ack)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("nested request deadlocked")
	}
}

func TestPerPairOrderPreserved(t *testing.T) {
	r := NewRouter(nil)
	rec := &recorder{}
	coord := r.NewEndpoint(ContextCoordinator, rec.handle, EndpointOptions{InboxSize: 4})
	sandbox := r.NewEndpoint(ContextSandbox, func(context.Context, *Message) {}, EndpointOptions{})
	run(t, coord)

	for i := 0; i < 50; i++ {
		if err := sandbox.Send(context.Background(), TypeAudioChunk, ContextCoordinator, AudioChunk{Sequence: i}); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for len(rec.snapshot()) < 50 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	for i, m := range rec.snapshot() {
		var c AudioChunk
		_ = m.Decode(&c)
		if c.Sequence != i {
			t.Fatalf("message %d carried sequence %d", i, c.Sequence)
		}
	}
}

func TestSendWithoutRoute(t *testing.T) {
	r := NewRouter(nil)
	ui := r.NewEndpoint(ContextUI, func(context.Context, *Message) {}, EndpointOptions{})
	err := ui.Send(context.Background(), TypeStartWakeWord, ContextSandbox, nil)
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
	if _, err := NewMessage("BOGUS", ContextUI, ContextSandbox, nil); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestLinkCarriesRequestsBothWays(t *testing.T) {
	for _, codec := range []Codec{JSON, Msgpack} {
		t.Run(codec.Name(), func(t *testing.T) {
			coordRouter := NewRouter(nil)
			coord := coordRouter.NewEndpoint(ContextCoordinator, func(context.Context, *Message) {}, EndpointOptions{RequestTimeout: 2 * time.Second})
			run(t, coord)

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if _, err := Accept(w, r, coordRouter, []Context{ContextCoordinator}, codec); err != nil {
					t.Errorf("accept: %v", err)
				}
			}))
			defer srv.Close()

			sbRouter := NewRouter(nil)
			rec := &recorder{}
			var sandbox *Endpoint
			sandbox = sbRouter.NewEndpoint(ContextSandbox, func(ctx context.Context, m *Message) {
				rec.handle(ctx, m)
				_ = sandbox.Reply(ctx, m, Ack{Success: true, SessionID: "remote"})
			}, EndpointOptions{})
			run(t, sandbox)

			url := "ws" + strings.TrimPrefix(srv.URL, "http")
			link, err := Dial(context.Background(), url, sbRouter, []Context{ContextSandbox}, codec)
			if err != nil {
				t.Fatal(err)
			}
			defer link.Close()

			deadline := time.Now().Add(time.Second)
			for len(coordRouter.Routes()) < 2 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			ack, err := coord.Request(context.Background(), TypeStartCapture, ContextSandbox, StartCapture{CaptureToken: "tok", IncludeMicrophone: true})
			if err != nil || ack.SessionID != "remote" {
				t.Fatalf("ack=%+v err=%v", ack, err)
			}
			msgs := rec.snapshot()
			if len(msgs) != 1 || msgs[0].From != ContextCoordinator {
				t.Fatalf("unexpected inbound %+v", msgs)
			}
			var p StartCapture
			if err := msgs[0].Decode(&p); err != nil || !p.IncludeMicrophone || p.CaptureToken != "tok" {
				t.Fatalf("payload did not survive the link: %+v err=%v", p, err)
			}

			_ = link.Close()
			deadline = time.Now().Add(time.Second)
			for len(sbRouter.Routes()) > 1 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			if got := sbRouter.Routes(); len(got) != 1 || got[0] != ContextSandbox {
				t.Fatalf("remote routes not detached: %v", got)
			}
		})
	}
}

func TestDumpRedactsTokensAndAudio(t *testing.T) {
	msg, _ := NewMessage(TypeStartCapture, ContextCoordinator, ContextSandbox, StartCapture{CaptureToken: "secret-token"})
	if out := Dump(msg); strings.Contains(out, "secret-token") || !strings.Contains(out, "<redacted>") {
		t.Fatalf("token leaked: %s", out)
	}
	chunk, _ := NewMessage(TypeAudioChunk, ContextSandbox, ContextCoordinator, AudioChunk{Payload: make([]byte, 4096)})
	if out := Dump(chunk); len(out) > 600 || !strings.Contains(out, "<redacted ") {
		t.Fatalf("audio payload not truncated: %d bytes", len(out))
	}
	if got := string(RedactJSON([]byte("not json"), 10)); got != "not json" {
		t.Fatalf("invalid JSON should pass through, got %q", got)
	}
}
