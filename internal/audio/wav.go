package audio

import (
	"fmt"

	"github.com/cue-voice-lab/internal/device"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const audioFormatPCM = 1

// WAVEncoder wraps 16-bit PCM in a RIFF/WAVE container.
type WAVEncoder struct {
	format device.Format
}

func NewWAVEncoder(f device.Format) *WAVEncoder { return &WAVEncoder{format: f} }

func (e *WAVEncoder) MimeType() string { return "audio/wav" }

func (e *WAVEncoder) Encode(pcm []int16) ([]byte, error) {
	out := &seekBuffer{}
	enc := wav.NewEncoder(out, e.format.SampleRate, 16, e.format.Channels, audioFormatPCM)
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}
	if err := enc.Write(&goaudio.IntBuffer{
		Data: data,
		Format: &goaudio.Format{
			NumChannels: e.format.Channels,
			SampleRate:  e.format.SampleRate,
		},
		SourceBitDepth: 16,
	}); err != nil {
		return nil, fmt.Errorf("wav: writing samples failed: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("wav: closing encoder failed: %w", err)
	}
	return out.Bytes(), nil
}
