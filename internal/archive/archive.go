// Package archive keeps a local copy of recorded chunks: the encoded audio
// plus a JSON sidecar per chunk, trimmed by a background cleaner.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cue-voice-lab/internal/config"
	"github.com/cue-voice-lab/internal/logging"
)

var ErrNotFound = errors.New("archive: sidecar not found")

// Record is one chunk to archive.
type Record struct {
	SessionID    string
	Sequence     int
	MimeType     string
	Payload      []byte
	StartSeconds float64
	DurationMs   int64
	SourceURL    string
}

// Sidecar is the JSON written next to each audio file.
type Sidecar struct {
	SessionID    string    `json:"session_id"`
	Sequence     int       `json:"sequence"`
	MimeType     string    `json:"mime_type"`
	AudioPath    string    `json:"audio_path"`
	Bytes        int       `json:"bytes"`
	StartSeconds float64   `json:"chunk_start_seconds"`
	DurationMs   int64     `json:"duration_ms"`
	SourceURL    string    `json:"source_url,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// Archive writes into Dir. A nil *Archive is disabled and every method is a
// no-op.
type Archive struct {
	Dir       string
	Retention time.Duration
	MaxFiles  int
	Interval  time.Duration
	Locking   bool
}

// New returns nil when no directory is configured.
func New(cfg config.ArchiveConfig) *Archive {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil
	}
	return &Archive{
		Dir:       cfg.Dir,
		Retention: cfg.Retention(),
		MaxFiles:  cfg.MaxFiles,
		Interval:  cfg.CleanInterval(),
		Locking:   cfg.Locking,
	}
}

func (a *Archive) base(sessionID string, seq int) string {
	return filepath.Join(a.Dir, fmt.Sprintf("%s-%06d", sessionID, seq))
}

func extension(mime string) string {
	switch {
	case strings.HasPrefix(mime, "audio/wav"), strings.HasPrefix(mime, "audio/x-wav"):
		return ".wav"
	case strings.Contains(mime, "opus"):
		return ".opus"
	case strings.HasPrefix(mime, "audio/webm"):
		return ".webm"
	default:
		return ".bin"
	}
}

// Save writes the audio and then its sidecar. It returns the sidecar path.
func (a *Archive) Save(r Record) (string, error) {
	if a == nil {
		return "", nil
	}
	if r.SessionID == "" {
		return "", fmt.Errorf("archive: record without session id")
	}
	base := a.base(r.SessionID, r.Sequence)
	audioPath := base + extension(r.MimeType)
	if err := writeAtomic(audioPath, r.Payload); err != nil {
		logging.Warnw("archive: failed to save audio", "path", audioPath, "err", err)
		return "", err
	}
	sc := Sidecar{
		SessionID:    r.SessionID,
		Sequence:     r.Sequence,
		MimeType:     r.MimeType,
		AudioPath:    audioPath,
		Bytes:        len(r.Payload),
		StartSeconds: r.StartSeconds,
		DurationMs:   r.DurationMs,
		SourceURL:    r.SourceURL,
		SavedAt:      time.Now().UTC(),
	}
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return "", err
	}
	jsonPath := base + ".json"
	if err := writeAtomic(jsonPath, b); err != nil {
		_ = os.Remove(audioPath)
		return "", err
	}
	logging.Debugw("archive: chunk saved", logging.ChunkFields(r.SessionID, r.Sequence, len(r.Payload))...)
	return jsonPath, nil
}

// Find returns the sidecar path for a chunk, or "" when absent.
func (a *Archive) Find(sessionID string, seq int) string {
	if a == nil {
		return ""
	}
	p := a.base(sessionID, seq) + ".json"
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// MergeUpdates adds keys to a chunk's sidecar, for example the backend's
// result for that chunk, and rewrites it atomically.
func (a *Archive) MergeUpdates(sessionID string, seq int, updates map[string]any) error {
	if a == nil {
		return nil
	}
	path := a.Find(sessionID, seq)
	if path == "" {
		return fmt.Errorf("%w: session=%s seq=%d", ErrNotFound, sessionID, seq)
	}
	if a.Locking {
		unlock, err := lock(path + ".lock")
		if err != nil {
			logging.Warnw("archive: failed to lock sidecar", "path", path, "err", err)
			return err
		}
		defer unlock()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("archive: read sidecar %s: %w", path, err)
	}
	var sc map[string]any
	if err := json.Unmarshal(b, &sc); err != nil {
		return fmt.Errorf("archive: invalid sidecar JSON %s: %w", path, err)
	}
	for k, v := range updates {
		sc[k] = v
	}
	nb, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal sidecar %s: %w", path, err)
	}
	return writeAtomic(path, nb)
}

func lock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("archive: lock %s: %w", path, err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		_ = os.Remove(path)
	}, nil
}
