package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/cue-voice-lab/internal/archive"
	"github.com/cue-voice-lab/internal/backend"
	"github.com/cue-voice-lab/internal/bridge"
	"github.com/cue-voice-lab/internal/config"
	"github.com/cue-voice-lab/internal/console"
	"github.com/cue-voice-lab/internal/coordinator"
	"github.com/cue-voice-lab/internal/device"
	"github.com/cue-voice-lab/internal/dictation"
	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/metrics"
	"github.com/cue-voice-lab/internal/sandbox"
	"github.com/cue-voice-lab/internal/speech"
	"github.com/cue-voice-lab/internal/wake"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func endpointOptions(cfg *config.Config) bridge.EndpointOptions {
	return bridge.EndpointOptions{InboxSize: cfg.Bridge.InboxSize, RequestTimeout: cfg.Bridge.RequestTimeout()}
}

// newPlatform serves the configured WAV files and falls back to the system
// audio devices for kinds without a file.
func newPlatform(cfg config.CaptureConfig) device.Platform {
	paths := map[device.Kind]string{}
	if cfg.TabWAV != "" {
		paths[device.KindTabAudio] = cfg.TabWAV
	}
	if cfg.MicrophoneWAV != "" {
		paths[device.KindMicrophone] = cfg.MicrophoneWAV
	}
	return &device.FilePlatform{Paths: paths, Fallback: device.NewSystemPlatform(), Realtime: true}
}

// sandboxParts owns what the sandbox context needs besides its endpoint.
type sandboxParts struct {
	sb      *sandbox.Sandbox
	devices *device.Manager
	closers []func() error
}

func (p *sandboxParts) Close() error {
	var err error
	for i := len(p.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, p.closers[i]())
	}
	return err
}

func newSandbox(router *bridge.Router, cfg *config.Config, m *metrics.Metrics) *sandboxParts {
	p := &sandboxParts{devices: device.NewManager(newPlatform(cfg.Capture), m)}
	opts := sandbox.Options{Devices: p.devices, Capture: cfg.Capture, Metrics: m, Endpoint: endpointOptions(cfg)}

	if cfg.Speech.WhisperURL != "" {
		tr := speech.NewWhisperClient(cfg.Speech.WhisperURL, cfg.Speech.Language, ms(cfg.Speech.TimeoutMs))
		vad := speech.VADConfig{
			Format:         device.Format{SampleRate: cfg.Capture.SampleRate, Channels: 1},
			FrameMs:        cfg.Capture.FrameMs,
			RMSThreshold:   cfg.Speech.VADRmsThreshold,
			SilenceTimeout: ms(cfg.Speech.SilenceTimeoutMs),
			MaxSegment:     ms(cfg.Speech.MaxSegmentMs),
			IdleTimeout:    ms(cfg.Speech.IdleTimeoutMs),
		}
		wakeEngine := speech.NewWhisperEngine(p.devices, tr, vad)
		opts.Wake = wake.New(wakeEngine, wake.Options{
			Matcher: &wake.Matcher{
				Trigger:      cfg.Wake.Trigger,
				Targets:      cfg.Wake.Targets,
				CompactForms: cfg.Wake.CompactForms,
				MaxGap:       cfg.Wake.MaxGap,
			},
			Backoff:     cfg.Wake.RestartBackoff(),
			MaxRestarts: cfg.Wake.MaxRestarts,
			Metrics:     m,
		})
		dictEngine := speech.NewWhisperEngine(p.devices, tr, vad)
		opts.Dictation = dictation.New(dictEngine, 0)
		p.closers = append(p.closers, wakeEngine.Close, opts.Wake.Close, dictEngine.Close, opts.Dictation.Close)
	} else {
		logging.Warnw("sandbox: no whisper_url configured, wake phrase and dictation disabled")
	}
	p.sb = sandbox.New(router, opts)
	return p
}

// newCoordinator wires the backend client, the chunk sink and the archive.
// The forwarder closes the sink when the coordinator stops.
func newCoordinator(router *bridge.Router, cfg *config.Config, m *metrics.Metrics) *coordinator.Coordinator {
	client := backend.NewClient(cfg.Backend)
	sink := client.Sink()
	if cfg.Backend.StreamURL != "" {
		sink = backend.NewStreamSink(cfg.Backend.StreamURL, cfg.Backend.AuthToken, cfg.Backend.Attempts)
		logging.Infow("coordinator: streaming chunks", "url", cfg.Backend.StreamURL)
	}
	arch := archive.New(cfg.Archive)
	if arch != nil {
		logging.Infow("coordinator: archiving chunks", "dir", arch.Dir, "retention", arch.Retention, "max_files", arch.MaxFiles)
	}
	return coordinator.New(router, coordinator.Options{
		Backend:  client,
		Sink:     sink,
		Archive:  arch,
		Tokens:   coordinator.NewTokenStore(cfg.Capture.TokenTTL()),
		Defaults: cfg.Backend,
		Metrics:  m,
		Endpoint: endpointOptions(cfg),
	})
}

func newConsole(router *bridge.Router, cfg *config.Config) *console.Console {
	return console.New(router, console.Options{
		Dictation:         cfg.Dictation,
		IncludeMicrophone: cfg.Capture.IncludeMicrophone,
		SourceURL:         cfg.Backend.SourceURL,
		PageTitle:         cfg.Backend.PageTitle,
		Endpoint:          endpointOptions(cfg),
	})
}

// serveHTTP runs an HTTP server on addr until ctx is done. An empty addr
// disables it.
func serveHTTP(ctx context.Context, wg *sync.WaitGroup, name, addr string, h http.Handler) {
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	wg.Add(2)
	go func() {
		defer wg.Done()
		logging.Infow(name+": listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorw(name+": server failed", "addr", addr, "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// runActor runs fn in its own goroutine and logs a failure other than
// cancellation.
func runActor(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Errorw(name+": stopped", "err", err)
		}
	}()
}
