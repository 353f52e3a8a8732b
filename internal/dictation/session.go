// Package dictation turns recognition results into a running transcript with
// monotonically stamped updates.
package dictation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/pipeerr"
	"github.com/cue-voice-lab/internal/retry"
	"github.com/cue-voice-lab/internal/speech"
)

type Status int

const (
	StatusIdle Status = iota
	StatusListening
)

func (s Status) String() string {
	if s == StatusListening {
		return "listening"
	}
	return "idle"
}

// Update is one transcript change. Text is the whole transcript including
// the current interim hypothesis; Delta is the text of this result.
type Update struct {
	Text    string
	Delta   string
	IsFinal bool
	Stamp   int64 // strictly increasing within a session
	Err     error
}

// Session keeps the engine running while listening: a natural end restarts
// it after a short pause, and a fatal error stops the session.
type Session struct {
	engine  speech.Engine
	restart time.Duration

	mu        sync.Mutex
	status    Status
	final     []string
	interim   string
	lastStamp int64
	sched     retry.Scheduler

	// engMu serialises engine Start and Stop, so a Stop never lands
	// between a restart's status check and its Start.
	engMu sync.Mutex

	updates   chan Update
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(engine speech.Engine, restart time.Duration) *Session {
	if restart <= 0 {
		restart = 250 * time.Millisecond
	}
	s := &Session{
		engine:  engine,
		restart: restart,
		updates: make(chan Update, 64),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Session) Updates() <-chan Update { return s.updates }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Transcript returns the committed text and the current interim hypothesis.
func (s *Session) Transcript() (final, interim string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.final, " "), s.interim
}

// Start begins listening. Starting while listening is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusListening {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusListening
	s.mu.Unlock()
	err := s.startEngine(ctx)
	if err != nil && !pipeerr.Benign(err) {
		s.mu.Lock()
		s.status = StatusIdle
		s.mu.Unlock()
		return err
	}
	logging.Infow("dictation: started")
	return nil
}

// startEngine starts the engine while the session is listening. A Stop
// that arrived during Start is honoured once Start returns.
func (s *Session) startEngine(ctx context.Context) error {
	s.engMu.Lock()
	defer s.engMu.Unlock()
	if s.Status() != StatusListening {
		return nil
	}
	err := s.engine.Start(ctx)
	if err != nil && !pipeerr.Benign(err) {
		return err
	}
	if s.Status() != StatusListening {
		if serr := s.engine.Stop(); serr != nil {
			logging.Debugw("dictation: engine stop failed", "err", serr)
		}
	}
	return nil
}

// Stop ends listening and keeps the transcript.
func (s *Session) Stop() error {
	s.mu.Lock()
	s.status = StatusIdle
	s.sched.Cancel()
	s.mu.Unlock()
	s.engMu.Lock()
	defer s.engMu.Unlock()
	return s.engine.Stop()
}

// Reset clears the transcript without changing the listening status.
func (s *Session) Reset() {
	s.mu.Lock()
	s.final = nil
	s.interim = ""
	s.mu.Unlock()
}

func (s *Session) Close() error {
	err := s.Stop()
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return err
}

func (s *Session) loop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.engine.Events():
			s.handle(ev)
		case <-s.done:
			return
		}
	}
}

func (s *Session) nextStamp() int64 {
	now := time.Now().UnixNano()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

func (s *Session) handle(ev speech.Event) {
	switch ev.Kind {
	case speech.EventResult:
		s.mu.Lock()
		if s.status != StatusListening {
			s.mu.Unlock()
			return
		}
		delta := strings.TrimSpace(ev.Transcript)
		if ev.IsFinal {
			if delta != "" {
				s.final = append(s.final, delta)
			}
			s.interim = ""
		} else {
			s.interim = delta
		}
		text := strings.Join(s.final, " ")
		if s.interim != "" {
			text = strings.TrimSpace(text + " " + s.interim)
		}
		u := Update{Text: text, Delta: delta, IsFinal: ev.IsFinal, Stamp: s.nextStamp()}
		s.mu.Unlock()
		s.publish(u)

	case speech.EventError:
		err := ev.Err
		if err == nil {
			err = ev.Code.Err()
		}
		if !pipeerr.Surfaced(err) {
			return
		}
		s.mu.Lock()
		listening := s.status == StatusListening
		s.status = StatusIdle
		s.sched.Cancel()
		var u Update
		if listening {
			u = Update{Err: err, Stamp: s.nextStamp()}
		}
		s.mu.Unlock()
		logging.Warnw("dictation: stopped on error", "code", ev.Code, "err", err)
		if listening {
			s.publish(u)
		}

	case speech.EventEnd:
		s.mu.Lock()
		if s.status == StatusListening {
			s.sched.Schedule(s.restart, s.resume)
		}
		s.mu.Unlock()
	}
}

func (s *Session) resume() {
	if err := s.startEngine(context.Background()); err != nil {
		logging.Warnw("dictation: restart failed", "err", err)
		s.mu.Lock()
		if s.status != StatusListening {
			s.mu.Unlock()
			return
		}
		s.status = StatusIdle
		u := Update{Err: err, Stamp: s.nextStamp()}
		s.mu.Unlock()
		s.publish(u)
	}
}

func (s *Session) publish(u Update) {
	select {
	case s.updates <- u:
	case <-s.done:
	}
}
