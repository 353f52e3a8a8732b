package audio

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cue-voice-lab/internal/device"
)

// ErrCodecUnavailable is returned for codecs not compiled into this build.
var ErrCodecUnavailable = errors.New("audio: codec unavailable")

// Encoder turns one chunk of PCM into a self-contained payload.
type Encoder interface {
	MimeType() string
	Encode(pcm []int16) ([]byte, error)
}

type encoderFactory func(device.Format) (Encoder, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]encoderFactory{}
)

func register(name string, f encoderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

func init() {
	register("wav", func(f device.Format) (Encoder, error) { return NewWAVEncoder(f), nil })
}

// NewEncoder returns the named encoder for format f.
func NewEncoder(name string, f device.Format) (Encoder, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCodecUnavailable, name)
	}
	return factory(f)
}

// Codecs lists the encoders compiled into this build.
func Codecs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// seekBuffer is an in-memory io.WriteSeeker for encoders that patch headers.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.buf) {
		b.buf = append(b.buf, make([]byte, need-len(b.buf))...)
	}
	copy(b.buf[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.buf)) + offset
	default:
		return 0, fmt.Errorf("seekBuffer: invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("seekBuffer: negative position %d", next)
	}
	b.pos = int(next)
	return next, nil
}

func (b *seekBuffer) Bytes() []byte { return b.buf }
