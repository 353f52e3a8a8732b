// Package backend talks to the remote analysis service: chunk processing,
// ask-AI queries and session notifications.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cue-voice-lab/internal/config"
	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/retry"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

type Client struct {
	BaseURL   string
	AuthToken string
	HTTP      *http.Client
	Attempts  int
	Backoff   retry.Backoff
}

func NewClient(cfg config.BackendConfig) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		AuthToken: cfg.AuthToken,
		HTTP:      &http.Client{Timeout: timeout},
		Attempts:  cfg.Attempts,
		Backoff:   retry.Exponential{Base: 200 * time.Millisecond, Max: 5 * time.Second},
	}
}

// ChunkRequest is the body of /process_audio_chunk and of each /ws/audio frame.
type ChunkRequest struct {
	AudioBase64       string `json:"audio_base64"`
	MimeType          string `json:"mime_type"`
	ChunkStartSeconds int    `json:"chunk_start_seconds"`
	SourceURL         string `json:"source_url,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
	Sequence          int    `json:"sequence"`
}

// Result is the service's answer for one chunk. Type "none" means the chunk
// produced nothing; Body keeps the full document for relaying.
type Result struct {
	Type  string          `json:"type"`
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"-"`
}

// Empty reports whether the chunk produced no result.
func (r Result) Empty() bool { return r.Type == "" || r.Type == "none" }

func decodeResult(raw []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, fmt.Errorf("%w: decode result: %v", ErrTransient, err)
	}
	r.Body = append(json.RawMessage(nil), raw...)
	if r.Error != "" {
		return r, fmt.Errorf("%w: backend rejected chunk: %s", ErrPermanent, r.Error)
	}
	return r, nil
}

// ProcessChunk posts one chunk.
func (c *Client) ProcessChunk(ctx context.Context, req ChunkRequest) (Result, error) {
	var raw json.RawMessage
	if err := c.postJSON(ctx, "/process_audio_chunk", req, &raw); err != nil {
		return Result{}, err
	}
	return decodeResult(raw)
}

type AskRequest struct {
	Query        string `json:"query"`
	PageTitle    string `json:"page_title,omitempty"`
	CurrentURL   string `json:"current_url,omitempty"`
	SelectedText string `json:"selected_text,omitempty"`
}

type AskResponse struct {
	Success bool            `json:"success"`
	Answer  string          `json:"answer,omitempty"`
	Error   string          `json:"error,omitempty"`
	Body    json.RawMessage `json:"-"`
}

// AskAI submits a dictated query with page context.
func (c *Client) AskAI(ctx context.Context, req AskRequest) (AskResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return AskResponse{}, fmt.Errorf("%w: empty query", ErrPermanent)
	}
	var raw json.RawMessage
	if err := c.postJSON(ctx, "/ask_ai", req, &raw); err != nil {
		return AskResponse{}, err
	}
	var out AskResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return AskResponse{}, fmt.Errorf("%w: decode error: %v", ErrTransient, err)
	}
	out.Body = raw
	return out, nil
}

type SessionStart struct {
	Title           string `json:"title"`
	SourceURL       string `json:"source_url"`
	DurationSeconds int    `json:"duration_seconds"`
}

// NotifySessionStart announces a new recording and returns the service's
// session id.
func (c *Client) NotifySessionStart(ctx context.Context, s SessionStart) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.postJSON(ctx, "/sessions/notify_start", s, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// postJSON posts body to path and decodes a 2xx reply into out. Network
// errors, 5xx and 429 are retried; other 4xx fail at once.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPermanent, err)
	}
	url := c.BaseURL + path
	correlationID := uuid.NewString()
	backoff := c.Backoff
	if backoff == nil {
		backoff = retry.Fixed(250 * time.Millisecond)
	}
	return retry.Do(ctx, c.Attempts, backoff, func(err error) bool {
		return errors.Is(err, ErrTransient)
	}, func(ctx context.Context, attempt int) error {
		err := c.post(ctx, url, payload, correlationID, out)
		if err != nil {
			logging.Debugw("backend: POST attempt failed", "url", url, "attempt", attempt+1, "err", err, "correlation_id", correlationID)
		}
		return err
	})
}

func (c *Client) post(ctx context.Context, url string, payload []byte, correlationID string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return fmt.Errorf("%w: status %d: %s", ErrPermanent, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
