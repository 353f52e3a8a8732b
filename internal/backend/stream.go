package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/retry"
)

// Sink delivers chunks to the service one at a time.
type Sink interface {
	Send(ctx context.Context, req ChunkRequest) (Result, error)
	Close() error
}

type httpSink struct{ c *Client }

func (s httpSink) Send(ctx context.Context, req ChunkRequest) (Result, error) {
	return s.c.ProcessChunk(ctx, req)
}

func (httpSink) Close() error { return nil }

// Sink returns a Sink posting each chunk to /process_audio_chunk.
func (c *Client) Sink() Sink { return httpSink{c: c} }

// StreamSink sends chunks over the /ws/audio websocket. Every frame gets
// exactly one JSON reply, so sends are serialized. A broken socket is
// redialed on the next attempt.
type StreamSink struct {
	URL      string
	Header   http.Header
	Attempts int
	Backoff  retry.Backoff

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewStreamSink(url, authToken string, attempts int) *StreamSink {
	h := http.Header{}
	if authToken != "" {
		h.Set("Authorization", "Bearer "+authToken)
	}
	return &StreamSink{
		URL:      url,
		Header:   h,
		Attempts: attempts,
		Backoff:  retry.Exponential{Base: 200 * time.Millisecond, Max: 5 * time.Second},
	}
}

func (s *StreamSink) Send(ctx context.Context, req ChunkRequest) (Result, error) {
	var res Result
	err := retry.Do(ctx, s.Attempts, s.Backoff, func(err error) bool {
		return errors.Is(err, ErrTransient)
	}, func(ctx context.Context, attempt int) error {
		var err error
		res, err = s.roundTrip(ctx, req)
		if err != nil {
			logging.Debugw("backend: stream attempt failed", "attempt", attempt+1, "seq", req.Sequence, "err", err)
		}
		return err
	})
	return res, err
}

func (s *StreamSink) roundTrip(ctx context.Context, req ChunkRequest) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.URL, s.Header)
		if err != nil {
			return Result{}, fmt.Errorf("%w: dial %s: %v", ErrTransient, s.URL, err)
		}
		s.conn = conn
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
		_ = s.conn.SetReadDeadline(dl)
		defer func() {
			if s.conn != nil {
				_ = s.conn.SetWriteDeadline(time.Time{})
				_ = s.conn.SetReadDeadline(time.Time{})
			}
		}()
	}
	if err := s.conn.WriteJSON(req); err != nil {
		s.dropLocked()
		return Result{}, fmt.Errorf("%w: write: %v", ErrTransient, err)
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.dropLocked()
		return Result{}, fmt.Errorf("%w: read: %v", ErrTransient, err)
	}
	return decodeResult(data)
}

func (s *StreamSink) dropLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *StreamSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}
