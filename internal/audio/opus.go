//go:build opus
// +build opus

package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/cue-voice-lab/internal/device"
	"github.com/hraban/opus"
)

// opusFrameMs is the packet duration handed to libopus.
const opusFrameMs = 20

func init() {
	register("opus", func(f device.Format) (Encoder, error) { return NewOpusEncoder(f) })
}

// OpusEncoder packs PCM into 20ms Opus packets, each prefixed with its
// big-endian uint16 length. The trailing partial frame is zero padded.
type OpusEncoder struct {
	format device.Format
	enc    *opus.Encoder
}

func NewOpusEncoder(f device.Format) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(f.SampleRate, f.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus: creating encoder failed: %w", err)
	}
	return &OpusEncoder{format: f, enc: enc}, nil
}

func (e *OpusEncoder) MimeType() string { return "audio/opus" }

func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	frame := e.format.FrameSamples(opusFrameMs)
	packet := make([]byte, 4000)
	var out []byte
	for off := 0; off < len(pcm); off += frame {
		chunk := pcm[off:min(off+frame, len(pcm))]
		if len(chunk) < frame {
			padded := make([]int16, frame)
			copy(padded, chunk)
			chunk = padded
		}
		n, err := e.enc.Encode(chunk, packet)
		if err != nil {
			return nil, fmt.Errorf("opus: encoding frame at %d failed: %w", off, err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(n))
		out = append(out, packet[:n]...)
	}
	return out, nil
}
