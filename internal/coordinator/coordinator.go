// Package coordinator is the persistent context between the UI and the
// sandbox. It mints capture tokens, relays commands and events, and hands
// recorded chunks to the backend in sequence order.
package coordinator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cue-voice-lab/internal/archive"
	"github.com/cue-voice-lab/internal/backend"
	"github.com/cue-voice-lab/internal/bridge"
	"github.com/cue-voice-lab/internal/config"
	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/metrics"
	"github.com/cue-voice-lab/internal/pipeerr"
)

// Backend is the part of the remote service the coordinator calls directly.
// Chunks go through the Forwarder's sink instead.
type Backend interface {
	AskAI(ctx context.Context, req backend.AskRequest) (backend.AskResponse, error)
	NotifySessionStart(ctx context.Context, s backend.SessionStart) (string, error)
}

type Options struct {
	Backend  Backend
	Sink     backend.Sink
	Archive  *archive.Archive // nil disables archiving
	Tokens   *TokenStore
	Defaults config.BackendConfig // source_url and page_title when the UI sends none
	Metrics  *metrics.Metrics
	Endpoint bridge.EndpointOptions
	MaxGap   int
}

// recording is what the coordinator knows about the sandbox's session.
type recording struct {
	sessionID string
	sourceURL string
	pageTitle string
	backendID string
}

type Coordinator struct {
	opts Options
	ep   *bridge.Endpoint
	fwd  *backend.Forwarder

	mu     sync.Mutex
	active *recording

	wg sync.WaitGroup
}

func New(router *bridge.Router, opts Options) *Coordinator {
	if opts.Tokens == nil {
		opts.Tokens = NewTokenStore(0)
	}
	c := &Coordinator{opts: opts}
	c.fwd = backend.NewForwarder(opts.Sink, backend.ForwarderOptions{
		Metrics:  opts.Metrics,
		MaxGap:   opts.MaxGap,
		OnResult: c.onResult,
	})
	c.ep = router.NewEndpoint(bridge.ContextCoordinator, c.handle, opts.Endpoint)
	return c
}

// Run serves messages until ctx is done. The forwarder and the archive
// cleaner live as long as Run.
func (c *Coordinator) Run(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.fwd.Run(ctx)
	}()
	c.wg.Add(1)
	c.opts.Archive.StartCleaner(ctx, &c.wg)

	err := c.ep.Run(ctx)
	c.wg.Wait()
	c.ep.Close()
	return err
}

// SessionID is the sandbox session currently recording, if any.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.sessionID
}

// BackendSessionID is the id the backend assigned to the current recording.
func (c *Coordinator) BackendSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.backendID
}

// Tokens exposes the token store so other surfaces can mint tokens.
func (c *Coordinator) Tokens() *TokenStore { return c.opts.Tokens }

func (c *Coordinator) handle(ctx context.Context, msg *bridge.Message) {
	logging.Debugw("coordinator: message", logging.MessageFields(msg.ID, string(msg.Type), string(msg.From), string(msg.Target))...)
	switch msg.Type {
	// Events from the sandbox.
	case bridge.TypeAudioChunk:
		c.onChunk(msg)
		return
	case bridge.TypeWakeWordDetected, bridge.TypeDictationTranscript, bridge.TypePipelineError:
		if msg.Type == bridge.TypePipelineError {
			c.logPipelineError(msg)
		}
		c.toUI(ctx, msg.Type, payloadOf(msg))
		return
	}

	// Commands from the UI; every one is acknowledged.
	var ack bridge.Ack
	switch msg.Type {
	case bridge.TypeStartCapture:
		ack = c.startCapture(ctx, msg)
	case bridge.TypeStopCapture:
		ack = c.stopCapture(ctx)
	case bridge.TypeStartWakeWord, bridge.TypeStopWakeWord,
		bridge.TypeStartDictation, bridge.TypeStopDictation, bridge.TypeResetDictation,
		bridge.TypeStatus:
		ack = c.relay(ctx, msg)
	case bridge.TypeDictationSubmit:
		ack = c.submit(ctx, msg)
	default:
		ack = bridge.AckErr(fmt.Errorf("coordinator: unsupported message %s: %w", msg.Type, bridge.ErrUnknownType))
	}
	if err := c.ep.Reply(ctx, msg, ack); err != nil {
		logging.Warnw("coordinator: reply failed", "type", string(msg.Type), "to", string(msg.From), "err", err)
	}
}

// startCapture attaches a capture token and asks the sandbox to record. A
// start while already recording is answered as a success.
func (c *Coordinator) startCapture(ctx context.Context, msg *bridge.Message) bridge.Ack {
	var p bridge.StartCapture
	if err := msg.Decode(&p); err != nil {
		return bridge.AckErr(err)
	}
	if p.CaptureToken == "" {
		p.CaptureToken = c.opts.Tokens.Mint()
	} else if err := c.opts.Tokens.Validate(p.CaptureToken); err != nil {
		logging.Warnw("coordinator: rejected capture token", "from", string(msg.From), "err", err)
		return bridge.AckErr(err)
	}
	defer func() { _ = c.opts.Tokens.Consume(p.CaptureToken) }()
	if p.SourceURL == "" {
		p.SourceURL = c.opts.Defaults.SourceURL
	}
	if p.PageTitle == "" {
		p.PageTitle = c.opts.Defaults.PageTitle
	}

	ack, err := c.ep.Request(ctx, bridge.TypeStartCapture, bridge.ContextSandbox, p)
	if err != nil {
		return bridge.AckErr(err)
	}
	if !ack.Success {
		if errors.Is(ack.Err(), pipeerr.ErrAlreadyActive) {
			logging.Debugw("coordinator: capture already active", "session.id", c.SessionID())
			return bridge.Ack{Success: true, SessionID: c.SessionID()}
		}
		logging.Warnw("coordinator: capture did not start", "code", ack.Code, "err", ack.Error)
		return ack
	}

	rec := &recording{sessionID: ack.SessionID, sourceURL: p.SourceURL, pageTitle: p.PageTitle}
	c.mu.Lock()
	c.active = rec
	c.mu.Unlock()
	logging.Infow("coordinator: capture started", append(logging.SessionFields(ack.SessionID), "degraded", ack.Degraded, "source_url", p.SourceURL)...)

	if c.opts.Backend != nil {
		c.wg.Add(1)
		go c.notifyStart(ctx, rec)
	}
	return ack
}

func (c *Coordinator) notifyStart(ctx context.Context, rec *recording) {
	defer c.wg.Done()
	id, err := c.opts.Backend.NotifySessionStart(ctx, backend.SessionStart{Title: rec.pageTitle, SourceURL: rec.sourceURL})
	if err != nil {
		logging.Warnw("coordinator: session start notification failed", append(logging.SessionFields(rec.sessionID), "err", err)...)
		return
	}
	c.mu.Lock()
	if c.active == rec {
		rec.backendID = id
	}
	c.mu.Unlock()
	logging.Debugw("coordinator: backend session", append(logging.SessionFields(rec.sessionID), "backend_session_id", id)...)
}

func (c *Coordinator) stopCapture(ctx context.Context) bridge.Ack {
	ack, err := c.ep.Request(ctx, bridge.TypeStopCapture, bridge.ContextSandbox, nil)
	if err != nil {
		return bridge.AckErr(err)
	}
	if ack.Success {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}
	return ack
}

// relay forwards a UI command to the sandbox and returns its answer.
func (c *Coordinator) relay(ctx context.Context, msg *bridge.Message) bridge.Ack {
	ack, err := c.ep.Request(ctx, msg.Type, bridge.ContextSandbox, payloadOf(msg))
	if err != nil {
		return bridge.AckErr(err)
	}
	return ack
}

// submit accepts a dictated query; the answer arrives later as ASK_AI_RESULT.
func (c *Coordinator) submit(ctx context.Context, msg *bridge.Message) bridge.Ack {
	var p bridge.DictationSubmit
	if err := msg.Decode(&p); err != nil {
		return bridge.AckErr(err)
	}
	if c.opts.Backend == nil {
		return bridge.AckErr(fmt.Errorf("coordinator: no backend configured: %w", pipeerr.ErrUnknown))
	}
	req := backend.AskRequest{Query: p.Text, PageTitle: p.PageTitle, CurrentURL: p.URL, SelectedText: p.Selection}
	c.mu.Lock()
	if c.active != nil {
		if req.PageTitle == "" {
			req.PageTitle = c.active.pageTitle
		}
		if req.CurrentURL == "" {
			req.CurrentURL = c.active.sourceURL
		}
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		out := bridge.AskAIResult{Query: req.Query}
		resp, err := c.opts.Backend.AskAI(ctx, req)
		switch {
		case err != nil:
			out.Error = err.Error()
		case !resp.Success:
			out.Error = resp.Error
			out.Response = resp.Body
		default:
			out.Response = resp.Body
		}
		if out.Error != "" {
			logging.Warnw("coordinator: ask failed", "query", req.Query, "err", out.Error)
		}
		c.toUI(ctx, bridge.TypeAskAIResult, out)
	}()
	return bridge.AckOK()
}

// onChunk archives the chunk and queues it for the backend.
func (c *Coordinator) onChunk(msg *bridge.Message) {
	var p bridge.AudioChunk
	if err := msg.Decode(&p); err != nil {
		logging.Warnw("coordinator: bad chunk", "err", err)
		return
	}
	sourceURL := c.opts.Defaults.SourceURL
	c.mu.Lock()
	if c.active != nil && c.active.sessionID == p.SessionID {
		sourceURL = c.active.sourceURL
	}
	c.mu.Unlock()

	if _, err := c.opts.Archive.Save(archive.Record{
		SessionID:    p.SessionID,
		Sequence:     p.Sequence,
		MimeType:     p.MimeType,
		Payload:      p.Payload,
		StartSeconds: p.StartSeconds,
		DurationMs:   p.DurationMs,
		SourceURL:    sourceURL,
	}); err != nil {
		logging.Warnw("coordinator: archive failed", append(logging.ChunkFields(p.SessionID, p.Sequence, len(p.Payload)), "err", err)...)
	}

	c.fwd.Push(backend.ChunkRequest{
		AudioBase64:       base64.StdEncoding.EncodeToString(p.Payload),
		MimeType:          p.MimeType,
		ChunkStartSeconds: int(p.StartSeconds),
		SourceURL:         sourceURL,
		SessionID:         p.SessionID,
		Sequence:          p.Sequence,
	})
}

// onResult runs on the forwarder goroutine for every non-empty result.
func (c *Coordinator) onResult(req backend.ChunkRequest, res backend.Result) {
	if err := c.opts.Archive.MergeUpdates(req.SessionID, req.Sequence, map[string]any{
		"result_type": res.Type,
		"result":      json.RawMessage(res.Body),
	}); err != nil && !errors.Is(err, archive.ErrNotFound) {
		logging.Debugw("coordinator: sidecar update failed", append(logging.ChunkFields(req.SessionID, req.Sequence, 0), "err", err)...)
	}
	c.toUI(context.Background(), bridge.TypeChunkResult, bridge.ChunkResult{
		SessionID: req.SessionID,
		Sequence:  req.Sequence,
		Type:      res.Type,
		Result:    res.Body,
	})
}

func (c *Coordinator) logPipelineError(msg *bridge.Message) {
	var p bridge.PipelineError
	if err := msg.Decode(&p); err != nil {
		return
	}
	logging.Warnw("coordinator: sandbox reported error", "source", p.Source, "code", p.Code, "message", p.Message)
	if p.Source == "capture" {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}
}

// toUI sends an event to the UI context. A missing UI is not an error.
func (c *Coordinator) toUI(ctx context.Context, t bridge.MessageType, payload any) {
	err := c.ep.Send(ctx, t, bridge.ContextUI, payload)
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrNoRoute):
		logging.Debugw("coordinator: no UI attached, event dropped", "type", string(t))
	default:
		logging.Warnw("coordinator: event not delivered", "type", string(t), "err", err)
	}
}

func payloadOf(msg *bridge.Message) any {
	if len(msg.Payload) == 0 {
		return nil
	}
	return msg.Payload
}
