// Package sandbox is the media capture context. It is the only context that
// touches devices: it owns at most one capture session, one wake listener
// and one dictation session, and reports derived data over the bridge.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/cue-voice-lab/internal/audio"
	"github.com/cue-voice-lab/internal/bridge"
	"github.com/cue-voice-lab/internal/config"
	"github.com/cue-voice-lab/internal/device"
	"github.com/cue-voice-lab/internal/dictation"
	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/metrics"
	"github.com/cue-voice-lab/internal/pipeerr"
	"github.com/cue-voice-lab/internal/recorder"
	"github.com/cue-voice-lab/internal/wake"
)

const teardownTimeout = 5 * time.Second

var errNotConfigured = fmt.Errorf("sandbox: feature not configured: %w", pipeerr.ErrDeviceUnavailable)

type Options struct {
	Devices   *device.Manager
	Capture   config.CaptureConfig
	Wake      *wake.Listener     // optional
	Dictation *dictation.Session // optional
	Metrics   *metrics.Metrics
	Endpoint  bridge.EndpointOptions
}

// Sandbox handles capture, wake word and dictation commands. Commands are
// processed one at a time in arrival order.
type Sandbox struct {
	opts Options
	ep   *bridge.Endpoint

	mu      sync.Mutex
	session *CaptureSession
	lastErr error

	wg sync.WaitGroup
}

func New(router *bridge.Router, opts Options) *Sandbox {
	s := &Sandbox{opts: opts}
	s.ep = router.NewEndpoint(bridge.ContextSandbox, s.handle, opts.Endpoint)
	return s
}

// Run serves commands until ctx is done, then tears everything down.
func (s *Sandbox) Run(ctx context.Context) error {
	if s.opts.Wake != nil {
		s.wg.Add(1)
		go s.relayWake(ctx)
	}
	if s.opts.Dictation != nil {
		s.wg.Add(1)
		go s.relayDictation(ctx)
	}
	err := s.ep.Run(ctx)
	s.shutdown()
	s.wg.Wait()
	s.ep.Close()
	return err
}

func (s *Sandbox) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := s.stopCapture(ctx); err != nil {
		logging.Warnw("sandbox: capture teardown failed", "err", err)
	}
	if s.opts.Wake != nil {
		_ = s.opts.Wake.Disarm()
	}
	if s.opts.Dictation != nil {
		_ = s.opts.Dictation.Stop()
	}
	if n := s.opts.Devices.OpenHandles(); n > 0 {
		logging.Warnw("sandbox: releasing leftover device handles", "count", n)
		_ = s.opts.Devices.ReleaseAll()
	}
}

func (s *Sandbox) handle(ctx context.Context, msg *bridge.Message) {
	logging.Debugw("sandbox: command", logging.MessageFields(msg.ID, string(msg.Type), string(msg.From), string(msg.Target))...)
	var ack bridge.Ack
	switch msg.Type {
	case bridge.TypeStartCapture:
		var p bridge.StartCapture
		if err := msg.Decode(&p); err != nil {
			ack = bridge.AckErr(err)
			break
		}
		ack = s.startCapture(ctx, p)
	case bridge.TypeStopCapture:
		ack = ackFor(s.stopCapture(ctx))
	case bridge.TypeStartWakeWord:
		ack = s.withWake(func(l *wake.Listener) error { return l.Arm(ctx) })
	case bridge.TypeStopWakeWord:
		ack = s.withWake(func(l *wake.Listener) error { return l.Disarm() })
	case bridge.TypeStartDictation:
		ack = s.withDictation(func(d *dictation.Session) error { return d.Start(ctx) })
	case bridge.TypeStopDictation:
		ack = s.withDictation(func(d *dictation.Session) error { return d.Stop() })
	case bridge.TypeResetDictation:
		ack = s.withDictation(func(d *dictation.Session) error { d.Reset(); return nil })
	case bridge.TypeStatus:
		rep := s.Status()
		ack = bridge.Ack{Success: true, Status: &rep}
	default:
		ack = bridge.AckErr(fmt.Errorf("sandbox: unsupported command %s: %w", msg.Type, bridge.ErrUnknownType))
	}
	if err := s.ep.Reply(ctx, msg, ack); err != nil {
		logging.Warnw("sandbox: reply failed", "type", string(msg.Type), "err", err)
	}
}

func ackFor(err error) bridge.Ack {
	if err != nil {
		return bridge.AckErr(err)
	}
	return bridge.AckOK()
}

func (s *Sandbox) withWake(fn func(*wake.Listener) error) bridge.Ack {
	if s.opts.Wake == nil {
		return bridge.AckErr(errNotConfigured)
	}
	return ackFor(fn(s.opts.Wake))
}

func (s *Sandbox) withDictation(fn func(*dictation.Session) error) bridge.Ack {
	if s.opts.Dictation == nil {
		return bridge.AckErr(errNotConfigured)
	}
	return ackFor(fn(s.opts.Dictation))
}

// startCapture acquires the sources, builds the graph and starts recording.
// Tab audio is the primary source when a capture token is present; the
// microphone then joins as a secondary and may fail without aborting.
func (s *Sandbox) startCapture(ctx context.Context, p bridge.StartCapture) bridge.Ack {
	s.mu.Lock()
	if s.session != nil {
		st := s.session.State()
		s.mu.Unlock()
		logging.Debugw("sandbox: start ignored, capture active", "state", st.String())
		return bridge.AckErr(fmt.Errorf("sandbox: capture is %s: %w", st, pipeerr.ErrAlreadyActive))
	}
	sess := newCaptureSession(uuid.NewString())
	s.session = sess
	s.mu.Unlock()

	fail := func(err error) bridge.Ack {
		if rerr := sess.release(); rerr != nil {
			logging.Warnw("sandbox: release after failed start", append(logging.SessionFields(sess.ID), "err", rerr)...)
		}
		s.mu.Lock()
		s.session = nil
		s.lastErr = err
		s.mu.Unlock()
		logging.Warnw("sandbox: capture failed to start", append(logging.SessionFields(sess.ID), "err", err)...)
		return bridge.AckErr(err)
	}

	cfg := s.opts.Capture
	format := device.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	req := func(kind device.Kind) device.Request {
		return device.Request{Kind: kind, CaptureToken: p.CaptureToken, Format: format, FrameMs: cfg.FrameMs}
	}

	primary := device.KindTabAudio
	if p.CaptureToken == "" && p.IncludeMicrophone {
		primary = device.KindMicrophone
	}
	h, err := s.opts.Devices.Acquire(ctx, req(primary))
	if err != nil {
		return fail(err)
	}
	sess.attach(h)
	if primary == device.KindTabAudio && p.IncludeMicrophone {
		mic, err := s.opts.Devices.Acquire(ctx, req(device.KindMicrophone))
		if err != nil {
			sess.Degraded = true
			logging.Warnw("sandbox: microphone unavailable, recording tab audio only", append(logging.SessionFields(sess.ID), "code", pipeerr.CodeOf(err), "err", err)...)
		} else {
			sess.attach(mic)
		}
	}

	sess.graph = audio.NewGraph(format)
	sess.mu.Lock()
	handles := append([]*device.Handle(nil), sess.handles...)
	sess.mu.Unlock()
	for _, h := range handles {
		if err := sess.graph.Connect(h.Kind().String(), h.Source()); err != nil {
			return fail(err)
		}
	}
	src, err := sess.graph.Sink(ctx)
	if err != nil {
		return fail(err)
	}
	enc, err := audio.NewEncoder(cfg.Codec, format)
	if err != nil {
		return fail(err)
	}
	sess.rec = recorder.New(recorder.Options{
		SessionID: sess.ID,
		Format:    format,
		Interval:  cfg.ChunkInterval(),
		Encoder:   enc,
		Release:   sess.release,
		Metrics:   s.opts.Metrics,
	})
	if err := sess.rec.Start(ctx, src); err != nil {
		sess.rec = nil
		return fail(err)
	}
	sess.setState(CaptureRecording)
	s.opts.Metrics.SessionStarted(sess.Degraded)

	s.wg.Add(2)
	go s.forward(sess)
	go s.watchSource(sess)

	logging.Infow("sandbox: capture started", append(logging.SessionFields(sess.ID), "sources", len(handles), "degraded", sess.Degraded)...)
	return bridge.Ack{Success: true, SessionID: sess.ID, Degraded: sess.Degraded}
}

// stopCapture is idempotent: stopping with no session succeeds.
func (s *Sandbox) stopCapture(ctx context.Context) error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	err := sess.stop(ctx)
	s.mu.Lock()
	if s.session == sess {
		s.session = nil
	}
	s.mu.Unlock()
	return err
}

// forward drains the recorder and sends each chunk to the coordinator.
func (s *Sandbox) forward(sess *CaptureSession) {
	defer s.wg.Done()
	defer close(sess.forwardDone)
	for c := range sess.rec.Chunks() {
		p := bridge.AudioChunk{
			SessionID:    c.SessionID,
			Sequence:     c.Sequence,
			MimeType:     c.MimeType,
			Payload:      c.Payload,
			StartSeconds: c.Offset.Seconds(),
			DurationMs:   c.Duration.Milliseconds(),
		}
		// Chunks must reach the bridge even while shutting down.
		if err := s.ep.Send(context.Background(), bridge.TypeAudioChunk, bridge.ContextCoordinator, p); err != nil {
			logging.Warnw("sandbox: chunk not delivered", append(logging.ChunkFields(c.SessionID, c.Sequence, len(c.Payload)), "err", err)...)
		}
	}
}

// watchSource stops the session when its primary source ends on its own,
// for example when the tab goes away.
func (s *Sandbox) watchSource(sess *CaptureSession) {
	defer s.wg.Done()
	select {
	case err := <-sess.rec.SourceDone():
		if err == nil {
			err = fmt.Errorf("sandbox: capture source ended: %w", pipeerr.ErrDeviceUnavailable)
		} else {
			err = device.Classify(err)
		}
		logging.Warnw("sandbox: capture source lost", append(logging.SessionFields(sess.ID), "err", err)...)
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if serr := s.stopCapture(ctx); serr != nil {
			err = multierr.Append(err, serr)
		}
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.report("capture", err)
	case <-sess.stopped:
	}
}

func (s *Sandbox) relayWake(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case n := <-s.opts.Wake.Notifications():
			switch n.Kind {
			case wake.NotifyDetected:
				p := bridge.WakeWordDetected{Transcript: n.Transcript, Remainder: n.Remainder, At: n.At}
				if err := s.ep.Send(ctx, bridge.TypeWakeWordDetected, bridge.ContextCoordinator, p); err != nil {
					logging.Warnw("sandbox: wake event not delivered", "err", err)
				}
			case wake.NotifyError:
				s.report("wake", n.Err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sandbox) relayDictation(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case u := <-s.opts.Dictation.Updates():
			if u.Err != nil {
				s.report("dictation", u.Err)
				continue
			}
			p := bridge.DictationTranscript{Text: u.Text, Delta: u.Delta, IsFinal: u.IsFinal, Stamp: u.Stamp}
			if err := s.ep.Send(ctx, bridge.TypeDictationTranscript, bridge.ContextCoordinator, p); err != nil {
				logging.Warnw("sandbox: transcript not delivered", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// report surfaces a failure to the coordinator. Benign and recoverable
// errors never leave the sandbox.
func (s *Sandbox) report(source string, err error) {
	if !pipeerr.Surfaced(err) {
		return
	}
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	p := bridge.NewPipelineError(source, err)
	if serr := s.ep.Send(context.Background(), bridge.TypePipelineError, bridge.ContextCoordinator, p); serr != nil {
		logging.Warnw("sandbox: error report not delivered", "source", source, "err", serr)
	}
}

// Status returns a snapshot of every activity in the sandbox.
func (s *Sandbox) Status() bridge.StatusReport {
	s.mu.Lock()
	sess := s.session
	lastErr := s.lastErr
	s.mu.Unlock()

	rep := bridge.StatusReport{Capture: CaptureIdle.String(), OpenHandles: s.opts.Devices.OpenHandles()}
	if sess != nil {
		rep.Capture = sess.State().String()
		rep.SessionID = sess.ID
		for _, k := range sess.Sources() {
			rep.Sources = append(rep.Sources, k.String())
		}
		if sess.rec != nil {
			rep.ChunksEmitted = sess.rec.Emitted()
		}
	}
	rep.Wake = wake.StatusIdle.String()
	if s.opts.Wake != nil {
		st := s.opts.Wake.State()
		rep.Wake = st.Status.String()
		rep.WakeRestarts = st.RestartAttempts
	}
	rep.Dictation = dictation.StatusIdle.String()
	if s.opts.Dictation != nil {
		rep.Dictation = s.opts.Dictation.Status().String()
	}
	if lastErr != nil {
		rep.LastError = lastErr.Error()
	}
	return rep
}

// Session returns the active capture session, or nil.
func (s *Sandbox) Session() *CaptureSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}
