package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cue-voice-lab/internal/audio"
	"github.com/cue-voice-lab/internal/device"
	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/retry"
	"github.com/google/uuid"
)

// Transcriber turns one utterance of PCM into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []int16, f device.Format) (string, error)
}

var errPermanentStatus = errors.New("whisper: permanent status")

// WhisperClient posts WAV audio to a whisper-compatible HTTP endpoint.
type WhisperClient struct {
	URL      string
	Language string
	Timeout  time.Duration
	Attempts int
	Backoff  retry.Backoff
	HTTP     *http.Client
}

func NewWhisperClient(rawURL, language string, timeout time.Duration) *WhisperClient {
	return &WhisperClient{
		URL:      rawURL,
		Language: language,
		Timeout:  timeout,
		Attempts: 3,
		Backoff:  retry.Exponential{Base: time.Second, Max: 4 * time.Second},
		HTTP:     &http.Client{},
	}
}

func (c *WhisperClient) requestURL() string {
	u, err := url.Parse(c.URL)
	if err != nil || c.Language == "" {
		return c.URL
	}
	q := u.Query()
	q.Set("language", c.Language)
	u.RawQuery = q.Encode()
	return u.String()
}

// Transcribe retries network failures and 5xx responses with backoff.
func (c *WhisperClient) Transcribe(ctx context.Context, pcm []int16, f device.Format) (string, error) {
	if c.URL == "" {
		return "", fmt.Errorf("whisper: url not configured")
	}
	wav, err := audio.NewWAVEncoder(f).Encode(pcm)
	if err != nil {
		return "", err
	}
	target := c.requestURL()
	cid := uuid.NewString()
	durationMs := len(pcm) * 1000 / max(f.SampleRate*f.Channels, 1)

	var text string
	err = retry.Do(ctx, c.Attempts, c.Backoff, func(err error) bool { return !errors.Is(err, errPermanentStatus) },
		func(ctx context.Context, attempt int) error {
			reqCtx, cancel := context.WithTimeout(ctx, c.Timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(wav))
			if err != nil {
				return fmt.Errorf("%w: %v", errPermanentStatus, err)
			}
			req.Header.Set("Content-Type", "audio/wav")
			req.Header.Set("X-Correlation-ID", cid)
			logging.Debugw("sending audio to whisper", "url", target, "correlation_id", cid, "bytes", len(wav), "duration_ms", durationMs, "attempt", attempt)

			sent := time.Now()
			resp, err := c.HTTP.Do(req)
			if err != nil {
				logging.Warnw("HTTP send error to whisper", "err", err, "attempt", attempt, "correlation_id", cid)
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				logging.Warnw("STT server error", "status", resp.StatusCode, "attempt", attempt, "correlation_id", cid)
				return fmt.Errorf("whisper: server error status=%d", resp.StatusCode)
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("%w: %d", errPermanentStatus, resp.StatusCode)
			}
			var out struct {
				Text string `json:"text"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("%w: decode: %v", errPermanentStatus, err)
			}
			text = strings.TrimSpace(out.Text)
			logging.Infow("STT response received", "correlation_id", cid, "status", resp.StatusCode, "stt_latency_ms", time.Since(sent).Milliseconds(), "chars", len(text))
			return nil
		})
	return text, err
}
