// Package speechtest provides a scriptable speech.Engine for tests.
package speechtest

import (
	"context"
	"sync"
	"time"

	"github.com/cue-voice-lab/internal/speech"
)

// Engine records Start/Stop calls and lets tests inject events. Start emits
// Started unless StartErr is set; Stop emits End while a session is running.
type Engine struct {
	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	StartErr error

	events chan speech.Event
}

func New() *Engine {
	return &Engine{events: make(chan speech.Event, 64)}
}

func (e *Engine) Events() <-chan speech.Event { return e.events }

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
	if e.StartErr != nil {
		return e.StartErr
	}
	if e.running {
		return speech.ErrAlreadyStarted
	}
	e.running = true
	e.events <- speech.Event{Kind: speech.EventStarted, At: time.Now()}
	return nil
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	if !e.running {
		return nil
	}
	e.running = false
	e.events <- speech.Event{Kind: speech.EventEnd, At: time.Now()}
	return nil
}

func (e *Engine) Close() error { return e.Stop() }

// Say emits a final result.
func (e *Engine) Say(text string) { e.emit(speech.Event{Kind: speech.EventResult, Transcript: text, IsFinal: true}) }

// Interim emits a non-final result.
func (e *Engine) Interim(text string) { e.emit(speech.Event{Kind: speech.EventResult, Transcript: text}) }

// Fail emits an error event followed by End, the way engines end a session
// after an error.
func (e *Engine) Fail(code speech.ErrorCode) {
	e.emit(speech.Event{Kind: speech.EventError, Code: code, Err: code.Err()})
	e.End()
}

// End simulates the engine ending the session on its own.
func (e *Engine) End() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.emit(speech.Event{Kind: speech.EventEnd})
}

func (e *Engine) emit(ev speech.Event) {
	ev.At = time.Now()
	e.events <- ev
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

func (e *Engine) Stops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}
