// Package recorder slices a live PCM stream into fixed-interval encoded
// chunks with contiguous sequence numbers.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cue-voice-lab/internal/audio"
	"github.com/cue-voice-lab/internal/device"
	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/metrics"
)

type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrInvalidState = errors.New("recorder: invalid state transition")

// AudioChunk is one encoded slice of a capture session.
type AudioChunk struct {
	SessionID string
	Sequence  int
	MimeType  string
	Payload   []byte
	StartedAt time.Time     // wall clock of the first sample
	Offset    time.Duration // position of the first sample within the session
	Duration  time.Duration
}

type Options struct {
	SessionID string
	Format    device.Format
	Interval  time.Duration
	Encoder   audio.Encoder
	// Release runs exactly once when the recorder stops, after the final
	// chunk was emitted. It is where device handles are released.
	Release func() error
	// Buffer is the capacity of the chunk channel.
	Buffer  int
	Metrics *metrics.Metrics
}

// Recorder is single-use: once stopped it cannot be restarted.
type Recorder struct {
	opts Options

	mu           sync.Mutex
	state        State
	pending      []int16
	pendingStart time.Time
	consumed     int64
	cancel       context.CancelFunc

	flushMu sync.Mutex
	seq     int

	chunks     chan AudioChunk
	sourceDone chan error
	wg         sync.WaitGroup
	stopped    chan struct{}
	stopErr    error
}

func New(opts Options) *Recorder {
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Recorder{
		opts:       opts,
		chunks:     make(chan AudioChunk, opts.Buffer),
		sourceDone: make(chan error, 1),
		stopped:    make(chan struct{}),
	}
}

// Chunks delivers encoded chunks in sequence order and is closed after the
// final chunk. Consumers must drain it until closed.
func (r *Recorder) Chunks() <-chan AudioChunk { return r.chunks }

// SourceDone receives once if the source ends on its own: nil at end of
// stream, the read error otherwise.
func (r *Recorder) SourceDone() <-chan error { return r.sourceDone }

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start begins reading src. ctx bounds the whole recording.
func (r *Recorder) Start(ctx context.Context, src device.Source) error {
	r.mu.Lock()
	if r.state != StateIdle {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, st)
	}
	rctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.state = StateRecording
	r.mu.Unlock()

	logging.Infow("recorder: started", append(logging.SessionFields(r.opts.SessionID), "interval_ms", r.opts.Interval.Milliseconds(), "mime_type", r.opts.Encoder.MimeType())...)
	r.wg.Add(2)
	go r.readLoop(rctx, src)
	go r.tickLoop(rctx)
	return nil
}

func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, r.state)
	}
	r.state = StatePaused
	return nil
}

func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, r.state)
	}
	r.state = StateRecording
	return nil
}

// Stop ends the recording. It returns once the final partial chunk has been
// emitted, the chunk channel is closed and Release has run. Concurrent and
// repeated calls wait for the first one and return its result.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		select {
		case <-r.stopped:
			return r.stopErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.state = StateStopped
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	var releaseErr error
	released := false
	select {
	case <-done:
	case <-ctx.Done():
		// A source ignoring cancellation is unblocked by stopping its tracks.
		logging.Warnw("recorder: stop deadline hit, releasing devices early", logging.SessionFields(r.opts.SessionID)...)
		releaseErr = r.release()
		released = true
		<-done
	}

	r.flush()
	close(r.chunks)
	if !released {
		releaseErr = r.release()
	}
	r.stopErr = releaseErr
	close(r.stopped)
	logging.Infow("recorder: stopped", append(logging.SessionFields(r.opts.SessionID), "chunks", r.Emitted())...)
	return releaseErr
}

// Emitted returns how many chunks have been emitted.
func (r *Recorder) Emitted() int {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	return r.seq
}

func (r *Recorder) release() error {
	if r.opts.Release == nil {
		return nil
	}
	return r.opts.Release()
}

func (r *Recorder) readLoop(ctx context.Context, src device.Source) {
	defer r.wg.Done()
	for {
		frame, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = nil
			} else {
				logging.Warnw("recorder: source read failed", append(logging.SessionFields(r.opts.SessionID), "err", err)...)
			}
			select {
			case r.sourceDone <- err:
			default:
			}
			return
		}
		r.append(frame)
	}
}

func (r *Recorder) tickLoop(ctx context.Context) {
	defer r.wg.Done()
	t := time.NewTicker(r.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.flush()
		}
	}
}

func (r *Recorder) append(frame []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording || len(frame) == 0 {
		return
	}
	if len(r.pending) == 0 {
		r.pendingStart = time.Now()
	}
	r.pending = append(r.pending, frame...)
}

// flush encodes and emits everything buffered. An empty buffer emits
// nothing, and a failed encode drops the audio without consuming a sequence
// number.
func (r *Recorder) flush() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	pcm := r.pending
	started := r.pendingStart
	offsetSamples := r.consumed
	r.pending = nil
	r.consumed += int64(len(pcm))
	r.mu.Unlock()
	if len(pcm) == 0 {
		return
	}

	payload, err := r.opts.Encoder.Encode(pcm)
	if err != nil {
		logging.Errorw("recorder: encode failed, dropping audio", append(logging.SessionFields(r.opts.SessionID), "samples", len(pcm), "err", err)...)
		return
	}
	chunk := AudioChunk{
		SessionID: r.opts.SessionID,
		Sequence:  r.seq,
		MimeType:  r.opts.Encoder.MimeType(),
		Payload:   payload,
		StartedAt: started,
		Offset:    r.samplesToDuration(offsetSamples),
		Duration:  r.samplesToDuration(int64(len(pcm))),
	}
	r.seq++
	r.opts.Metrics.ChunkEmitted(len(payload))
	logging.Debugw("recorder: chunk emitted", logging.ChunkFields(chunk.SessionID, chunk.Sequence, len(payload))...)
	r.chunks <- chunk
}

func (r *Recorder) samplesToDuration(n int64) time.Duration {
	perSec := int64(r.opts.Format.SampleRate) * int64(max(r.opts.Format.Channels, 1))
	if perSec <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(perSec)
}
