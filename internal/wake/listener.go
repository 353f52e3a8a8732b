package wake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/metrics"
	"github.com/cue-voice-lab/internal/pipeerr"
	"github.com/cue-voice-lab/internal/retry"
	"github.com/cue-voice-lab/internal/speech"
)

type Status int

const (
	StatusIdle Status = iota
	StatusStarting
	StatusListening
	StatusRestartPending
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusListening:
		return "listening"
	case StatusRestartPending:
		return "restart-pending"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is a snapshot of the listener.
type State struct {
	Status          Status
	RestartAttempts int
	LastError       error
}

type NotificationKind int

const (
	NotifyDetected NotificationKind = iota
	NotifyError
)

// Notification is what the listener reports to its owner.
type Notification struct {
	Kind       NotificationKind
	Transcript string
	Remainder  string // words after the wake phrase
	Err        error
	At         time.Time
}

type Options struct {
	Matcher *Matcher
	// Backoff is the fixed delay before restarting an engine that ended
	// on its own.
	Backoff     time.Duration
	MaxRestarts int // 0 means unlimited
	Metrics     *metrics.Metrics
}

var ErrRestartLimit = fmt.Errorf("wake: restart limit reached: %w", pipeerr.ErrEngineFatal)

// Listener drives one engine. After a detection it disarms itself and must
// be armed again by its owner.
type Listener struct {
	engine speech.Engine
	opts   Options

	mu    sync.Mutex
	state State
	sched retry.Scheduler
	// up is set while the engine has a session whose End has not been
	// handled; selfEnds counts Ends caused by our own Stop calls.
	up       bool
	selfEnds int

	// engMu serialises engine Start and Stop with the status re-check
	// that follows each of them.
	engMu sync.Mutex

	notes     chan Notification
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(engine speech.Engine, opts Options) *Listener {
	if opts.Matcher == nil {
		opts.Matcher = DefaultMatcher()
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	l := &Listener{
		engine: engine,
		opts:   opts,
		notes:  make(chan Notification, 16),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.loop()
	return l
}

// Notifications delivers detections and surfaced errors.
func (l *Listener) Notifications() <-chan Notification { return l.notes }

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RestartPending reports whether a restart timer is armed.
func (l *Listener) RestartPending() bool { return l.sched.Pending() }

// Arm starts listening. Arming a listener that is not idle is a no-op, so
// the engine is never started twice.
func (l *Listener) Arm(ctx context.Context) error {
	l.mu.Lock()
	if l.state.Status != StatusIdle {
		st := l.state.Status
		l.mu.Unlock()
		logging.Debugw("wake: arm ignored", "status", st.String())
		return nil
	}
	l.state = State{Status: StatusStarting}
	l.mu.Unlock()
	logging.Infow("wake: arming listener")
	return l.start(ctx)
}

// Disarm stops listening and cancels any pending restart. A start in
// flight is allowed to finish and is then stopped.
func (l *Listener) Disarm() error {
	l.mu.Lock()
	l.state.Status = StatusIdle
	l.sched.Cancel()
	l.mu.Unlock()
	return l.stopEngine("disarmed")
}

// Close disarms and stops the event loop. The engine is left to its owner.
func (l *Listener) Close() error {
	err := l.Disarm()
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	return err
}

// start starts the engine for a listener in StatusStarting. If the
// listener was disarmed while Start ran, the new session is stopped again.
func (l *Listener) start(ctx context.Context) error {
	l.engMu.Lock()
	l.mu.Lock()
	if l.state.Status != StatusStarting {
		l.mu.Unlock()
		l.engMu.Unlock()
		return nil
	}
	l.mu.Unlock()

	err := l.engine.Start(ctx)

	l.mu.Lock()
	running := err == nil || pipeerr.Benign(err)
	if running {
		l.up = true
	}
	wanted := l.active()
	if wanted && pipeerr.Benign(err) {
		l.state.Status = StatusListening
	}
	l.mu.Unlock()
	if !wanted {
		if running {
			_ = l.stopEngineLocked("disarmed while starting")
		}
		l.engMu.Unlock()
		return nil
	}
	l.engMu.Unlock()

	switch {
	case err == nil:
		return nil
	case pipeerr.Benign(err):
		logging.Debugw("wake: engine already running", "err", err)
		return nil
	case pipeerr.Recoverable(err):
		l.mu.Lock()
		l.state.LastError = err
		l.mu.Unlock()
		l.scheduleRestart()
		return nil
	default:
		l.fatal(err)
		return err
	}
}

func (l *Listener) loop() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.engine.Events():
			l.handle(ev)
		case <-l.done:
			return
		}
	}
}

func (l *Listener) active() bool {
	return l.state.Status == StatusStarting || l.state.Status == StatusListening
}

func (l *Listener) handle(ev speech.Event) {
	switch ev.Kind {
	case speech.EventStarted:
		l.mu.Lock()
		if l.state.Status == StatusStarting {
			l.state.Status = StatusListening
		}
		l.mu.Unlock()

	case speech.EventResult:
		l.mu.Lock()
		if !l.active() {
			l.mu.Unlock()
			return
		}
		ok, rest := l.opts.Matcher.Match(ev.Transcript)
		if !ok {
			l.mu.Unlock()
			return
		}
		// Detected auto-disarms before the owner hears about it, so an
		// immediate re-arm is honoured.
		l.state.Status = StatusIdle
		l.sched.Cancel()
		l.mu.Unlock()

		logging.Infow("wake: phrase detected", "transcript", ev.Transcript, "remainder", rest)
		l.opts.Metrics.WakeDetected()
		l.notify(Notification{Kind: NotifyDetected, Transcript: ev.Transcript, Remainder: rest, At: ev.At})
		_ = l.stopEngine("detected")

	case speech.EventError:
		err := ev.Err
		if err == nil {
			err = ev.Code.Err()
		}
		l.opts.Metrics.EngineError(string(ev.Code))
		switch {
		case pipeerr.Benign(err):
			logging.Debugw("wake: benign engine error", "code", ev.Code)
		case pipeerr.Recoverable(err):
			l.mu.Lock()
			if l.active() {
				l.state.LastError = err
			}
			l.mu.Unlock()
			logging.Debugw("wake: transient engine error", "code", ev.Code, "err", err)
		default:
			l.fatal(err)
		}

	case speech.EventEnd:
		l.mu.Lock()
		if l.selfEnds > 0 {
			l.selfEnds--
			l.mu.Unlock()
			return
		}
		l.up = false
		active := l.active()
		l.mu.Unlock()
		if active {
			l.scheduleRestart()
		}
	}
}

func (l *Listener) scheduleRestart() {
	l.mu.Lock()
	if !l.active() {
		l.mu.Unlock()
		return
	}
	if l.opts.MaxRestarts > 0 && l.state.RestartAttempts >= l.opts.MaxRestarts {
		l.mu.Unlock()
		l.fatal(ErrRestartLimit)
		return
	}
	if !l.sched.Schedule(l.opts.Backoff, l.restart) {
		l.mu.Unlock()
		return
	}
	l.state.Status = StatusRestartPending
	l.state.RestartAttempts++
	attempts := l.state.RestartAttempts
	l.mu.Unlock()
	l.opts.Metrics.WakeRestarted()
	logging.Debugw("wake: restart scheduled", "attempt", attempts, "backoff_ms", l.opts.Backoff.Milliseconds())
}

func (l *Listener) restart() {
	l.mu.Lock()
	if l.state.Status != StatusRestartPending {
		l.mu.Unlock()
		return
	}
	l.state.Status = StatusStarting
	l.mu.Unlock()
	if err := l.start(context.Background()); err != nil {
		logging.Debugw("wake: restart failed", "err", err)
	}
}

// fatal parks the listener in idle and surfaces err.
func (l *Listener) fatal(err error) {
	l.mu.Lock()
	l.state.Status = StatusIdle
	l.state.LastError = err
	l.sched.Cancel()
	l.mu.Unlock()
	logging.Warnw("wake: listener stopped on error", "err", err)
	l.notify(Notification{Kind: NotifyError, Err: err, At: time.Now()})
	_ = l.stopEngine("fatal error")
}

// stopEngine stops the engine unless the listener was armed again in the
// meantime.
func (l *Listener) stopEngine(reason string) error {
	l.engMu.Lock()
	defer l.engMu.Unlock()
	l.mu.Lock()
	rearmed := l.active()
	l.mu.Unlock()
	if rearmed {
		logging.Debugw("wake: engine kept for re-armed listener", "reason", reason)
		return nil
	}
	return l.stopEngineLocked(reason)
}

// stopEngineLocked runs with engMu held.
func (l *Listener) stopEngineLocked(reason string) error {
	l.mu.Lock()
	if l.up {
		l.up = false
		l.selfEnds++
	}
	l.mu.Unlock()
	err := l.engine.Stop()
	if err != nil {
		logging.Debugw("wake: engine stop failed", "reason", reason, "err", err)
	}
	return err
}

func (l *Listener) notify(n Notification) {
	select {
	case l.notes <- n:
	case <-l.done:
	}
}
