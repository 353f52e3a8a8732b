package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/cue-voice-lab/internal/device"
	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/pipeerr"
)

// VADConfig controls how the microphone stream is cut into utterances. All
// durations are measured in audio time.
type VADConfig struct {
	Format         device.Format
	FrameMs        int
	RMSThreshold   int
	SilenceTimeout time.Duration // silence that closes an utterance
	MaxSegment     time.Duration // hard cap on one utterance
	IdleTimeout    time.Duration // silence that ends the session
}

// WhisperEngine captures the microphone through the device manager, splits
// it into utterances with an RMS voice detector and transcribes each one.
type WhisperEngine struct {
	cfg     VADConfig
	devices *device.Manager
	tr      Transcriber

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWhisperEngine(devices *device.Manager, tr Transcriber, cfg VADConfig) *WhisperEngine {
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = 20
	}
	return &WhisperEngine{
		cfg:     cfg,
		devices: devices,
		tr:      tr,
		events:  make(chan Event, 32),
		closed:  make(chan struct{}),
	}
}

func (e *WhisperEngine) Events() <-chan Event { return e.events }

func (e *WhisperEngine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.closed:
		return fmt.Errorf("speech: engine closed")
	default:
	}
	if e.running {
		return ErrAlreadyStarted
	}
	sctx, cancel := context.WithCancel(context.Background())
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(sctx, e.done)
	return nil
}

// Stop aborts the running session and waits for its End event to be queued.
func (e *WhisperEngine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.cancel()
	done := e.done
	e.mu.Unlock()
	<-done
	return nil
}

func (e *WhisperEngine) Close() error {
	err := e.Stop()
	e.closeOnce.Do(func() { close(e.closed) })
	return err
}

func (e *WhisperEngine) emit(ev Event) {
	ev.At = time.Now()
	select {
	case e.events <- ev:
	case <-e.closed:
	}
}

func (e *WhisperEngine) emitError(code ErrorCode, cause error) {
	err := code.Err()
	if cause != nil {
		err = fmt.Errorf("%w: %v", err, cause)
	}
	e.emit(Event{Kind: EventError, Code: code, Err: err})
}

func (e *WhisperEngine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.emit(Event{Kind: EventEnd})
	}()

	h, err := e.devices.Acquire(ctx, device.Request{Kind: device.KindMicrophone, Format: e.cfg.Format, FrameMs: e.cfg.FrameMs})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			e.emitError(CodeAborted, nil)
		case errors.Is(err, pipeerr.ErrPermissionDenied):
			e.emitError(CodeNotAllowed, err)
		default:
			e.emitError(CodeAudioCapture, err)
		}
		return
	}
	defer h.Release()
	e.emit(Event{Kind: EventStarted})

	var (
		seg        []int16
		voiced     bool
		sinceVoice time.Duration
		idle       time.Duration
	)
	perSec := e.cfg.Format.SampleRate * max(e.cfg.Format.Channels, 1)
	flush := func() bool {
		pcm := seg
		seg, voiced, sinceVoice = nil, false, 0
		if len(pcm) == 0 {
			return true
		}
		text, err := e.tr.Transcribe(ctx, pcm, e.cfg.Format)
		if err != nil {
			if ctx.Err() == nil {
				e.emitError(CodeNetwork, err)
			}
			return false
		}
		if text != "" {
			e.emit(Event{Kind: EventResult, Transcript: text, IsFinal: true})
		}
		return true
	}

	for {
		frame, err := h.Source().Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				flush()
				return
			}
			e.emitError(CodeAudioCapture, err)
			return
		}
		d := time.Duration(len(frame)) * time.Second / time.Duration(max(perSec, 1))
		loud := rms(frame) >= e.cfg.RMSThreshold
		if loud {
			voiced = true
			sinceVoice = 0
			idle = 0
		} else {
			sinceVoice += d
			idle += d
		}
		if voiced {
			seg = append(seg, frame...)
		}
		segDur := time.Duration(len(seg)) * time.Second / time.Duration(max(perSec, 1))
		if voiced && (sinceVoice >= e.cfg.SilenceTimeout || (e.cfg.MaxSegment > 0 && segDur >= e.cfg.MaxSegment)) {
			logging.Debugw("speech: utterance closed", "duration_ms", segDur.Milliseconds())
			if !flush() {
				return
			}
		}
		if !voiced && e.cfg.IdleTimeout > 0 && idle >= e.cfg.IdleTimeout {
			logging.Debugw("speech: idle timeout, ending session", "idle_ms", idle.Milliseconds())
			return
		}
	}
}

func rms(frame []int16) int {
	if len(frame) == 0 {
		return 0
	}
	var sumSq int64
	for _, s := range frame {
		v := int64(s)
		sumSq += v * v
	}
	return int(math.Sqrt(float64(sumSq / int64(len(frame)))))
}
