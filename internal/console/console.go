// Package console is the UI context for headless use. It issues commands to
// the coordinator, logs every event it receives, and drives the
// wake-then-dictate flow: a detected wake phrase starts dictation and a quiet
// period after the last transcript submits the query.
package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/cue-voice-lab/internal/bridge"
	"github.com/cue-voice-lab/internal/config"
	"github.com/cue-voice-lab/internal/dictation"
	"github.com/cue-voice-lab/internal/logging"
)

var ErrNothingToSubmit = errors.New("console: no dictated text to submit")

type Options struct {
	Dictation         config.DictationConfig
	IncludeMicrophone bool
	SourceURL         string
	PageTitle         string
	Endpoint          bridge.EndpointOptions
}

// Console is safe for concurrent use; commands may come from the control
// server while events are being handled.
type Console struct {
	opts Options
	ep   *bridge.Endpoint
	deb  *dictation.Debouncer

	mu         sync.Mutex
	wakeArmed  bool
	dictating  bool
	rearm      bool   // dictation was started by the wake phrase
	prefix     string // words spoken after the wake phrase
	transcript string
	lastAnswer *bridge.AskAIResult
	lastError  *bridge.PipelineError
	sessionID  string
	results    int
	runCtx     context.Context
}

func New(router *bridge.Router, opts Options) *Console {
	c := &Console{opts: opts, runCtx: context.Background()}
	quiet := opts.Dictation.SilenceSubmit()
	if quiet <= 0 {
		quiet = 2 * time.Second
	}
	c.deb = dictation.NewDebouncer(quiet, c.autoSubmit)
	c.ep = router.NewEndpoint(bridge.ContextUI, c.handle, opts.Endpoint)
	return c
}

func (c *Console) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()
	err := c.ep.Run(ctx)
	c.deb.Cancel()
	c.ep.Close()
	return err
}

func (c *Console) handle(ctx context.Context, msg *bridge.Message) {
	switch msg.Type {
	case bridge.TypeWakeWordDetected:
		var p bridge.WakeWordDetected
		if err := msg.Decode(&p); err != nil {
			logging.Warnw("console: bad wake event", "err", err)
			return
		}
		logging.Infow("console: wake phrase heard", "transcript", p.Transcript, "remainder", p.Remainder)
		c.mu.Lock()
		c.wakeArmed = false
		c.rearm = true
		c.prefix = strings.TrimSpace(p.Remainder)
		c.transcript = ""
		c.mu.Unlock()
		if err := c.StartDictation(ctx); err != nil {
			logging.Warnw("console: dictation did not start", "err", err)
		}

	case bridge.TypeDictationTranscript:
		var p bridge.DictationTranscript
		if err := msg.Decode(&p); err != nil {
			return
		}
		c.mu.Lock()
		c.transcript = p.Text
		c.mu.Unlock()
		logging.Debugw("console: transcript", "text", p.Text, "final", p.IsFinal)
		if c.opts.Dictation.AutoSubmit {
			c.deb.Touch(p.Stamp)
		}

	case bridge.TypeAskAIResult:
		var p bridge.AskAIResult
		if err := msg.Decode(&p); err != nil {
			return
		}
		c.mu.Lock()
		c.lastAnswer = &p
		c.mu.Unlock()
		if p.Error != "" {
			logging.Warnw("console: query failed", "query", p.Query, "err", p.Error)
			return
		}
		logging.Infow("console: answer", "query", p.Query, "response", string(p.Response))

	case bridge.TypeChunkResult:
		var p bridge.ChunkResult
		if err := msg.Decode(&p); err != nil {
			return
		}
		c.mu.Lock()
		c.results++
		c.mu.Unlock()
		logging.Infow("console: chunk result", append(logging.SessionFields(p.SessionID), "sequence", p.Sequence, "type", p.Type)...)

	case bridge.TypePipelineError:
		var p bridge.PipelineError
		if err := msg.Decode(&p); err != nil {
			return
		}
		c.mu.Lock()
		c.lastError = &p
		switch p.Source {
		case "capture":
			c.sessionID = ""
		case "wake":
			c.wakeArmed = false
		case "dictation":
			c.dictating = false
		}
		c.mu.Unlock()
		logging.Warnw("console: "+p.Message, "source", p.Source, "code", p.Code)

	default:
		logging.Debugw("console: ignored message", "type", string(msg.Type))
	}
}

// autoSubmit fires after the quiet period that followed the last transcript.
func (c *Console) autoSubmit(int64) {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	if err := c.Submit(ctx); err != nil && !errors.Is(err, ErrNothingToSubmit) {
		logging.Warnw("console: auto submit failed", "err", err)
	}
}

func (c *Console) request(ctx context.Context, t bridge.MessageType, payload any) (bridge.Ack, error) {
	ack, err := c.ep.Request(ctx, t, bridge.ContextCoordinator, payload)
	if err != nil {
		return bridge.Ack{}, err
	}
	if !ack.Success {
		return ack, fmt.Errorf("console: %s: %w", t, ack.Err())
	}
	return ack, nil
}

// StartCapture asks for a recording of the configured source.
func (c *Console) StartCapture(ctx context.Context) (bridge.Ack, error) {
	ack, err := c.request(ctx, bridge.TypeStartCapture, bridge.StartCapture{
		IncludeMicrophone: c.opts.IncludeMicrophone,
		SourceURL:         c.opts.SourceURL,
		PageTitle:         c.opts.PageTitle,
	})
	if err != nil {
		return ack, err
	}
	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.mu.Unlock()
	if ack.Degraded {
		logging.Warnw("console: recording without microphone", logging.SessionFields(ack.SessionID)...)
	}
	return ack, nil
}

func (c *Console) StopCapture(ctx context.Context) error {
	if _, err := c.request(ctx, bridge.TypeStopCapture, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	return nil
}

func (c *Console) StartWake(ctx context.Context) error {
	if _, err := c.request(ctx, bridge.TypeStartWakeWord, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.wakeArmed = true
	c.mu.Unlock()
	return nil
}

func (c *Console) StopWake(ctx context.Context) error {
	c.mu.Lock()
	c.wakeArmed = false
	c.mu.Unlock()
	_, err := c.request(ctx, bridge.TypeStopWakeWord, nil)
	return err
}

func (c *Console) StartDictation(ctx context.Context) error {
	if _, err := c.request(ctx, bridge.TypeStartDictation, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.dictating = true
	c.mu.Unlock()
	return nil
}

func (c *Console) StopDictation(ctx context.Context) error {
	c.deb.Cancel()
	c.mu.Lock()
	c.dictating = false
	c.mu.Unlock()
	_, err := c.request(ctx, bridge.TypeStopDictation, nil)
	return err
}

// Submit sends the dictated query and stops dictation. When the wake phrase
// started the dictation, the listener is armed again.
func (c *Console) Submit(ctx context.Context) error {
	c.deb.Cancel()
	c.mu.Lock()
	query := strings.TrimSpace(c.prefix + " " + c.transcript)
	c.prefix, c.transcript = "", ""
	rearm := c.rearm
	c.rearm = false
	c.mu.Unlock()
	if query == "" {
		return ErrNothingToSubmit
	}
	logging.Infow("console: submitting query", "query", query)
	if _, err := c.request(ctx, bridge.TypeDictationSubmit, bridge.DictationSubmit{
		Text:      query,
		PageTitle: c.opts.PageTitle,
		URL:       c.opts.SourceURL,
	}); err != nil {
		return err
	}
	err := c.StopDictation(ctx)
	if rearm {
		err = multierr.Append(err, c.StartWake(ctx))
	}
	return err
}

// Status asks the sandbox for its snapshot.
func (c *Console) Status(ctx context.Context) (bridge.StatusReport, error) {
	ack, err := c.request(ctx, bridge.TypeStatus, nil)
	if err != nil {
		return bridge.StatusReport{}, err
	}
	if ack.Status == nil {
		return bridge.StatusReport{}, nil
	}
	return *ack.Status, nil
}

// View is the console's own state.
type View struct {
	SessionID    string
	WakeArmed    bool
	Dictating    bool
	Transcript   string
	ChunkResults int
	LastAnswer   *bridge.AskAIResult
	LastError    *bridge.PipelineError
}

func (c *Console) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		SessionID:    c.sessionID,
		WakeArmed:    c.wakeArmed,
		Dictating:    c.dictating,
		Transcript:   strings.TrimSpace(c.prefix + " " + c.transcript),
		ChunkResults: c.results,
		LastAnswer:   c.lastAnswer,
		LastError:    c.lastError,
	}
}
