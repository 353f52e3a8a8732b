// Package config loads the pipeline configuration from a YAML file and lets
// environment variables override individual fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration shared by all three contexts.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Capture   CaptureConfig   `yaml:"capture"`
	Wake      WakeConfig      `yaml:"wake"`
	Dictation DictationConfig `yaml:"dictation"`
	Speech    SpeechConfig    `yaml:"speech"`
	Backend   BackendConfig   `yaml:"backend"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Control   ControlConfig   `yaml:"control"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// CaptureConfig controls device acquisition and chunked recording.
type CaptureConfig struct {
	SampleRate        int    `yaml:"sample_rate"`
	Channels          int    `yaml:"channels"`
	FrameMs           int    `yaml:"frame_ms"`
	ChunkIntervalMs   int    `yaml:"chunk_interval_ms"`
	Codec             string `yaml:"codec"` // wav or opus
	IncludeMicrophone bool   `yaml:"include_microphone"`
	TabWAV            string `yaml:"tab_wav"`        // file-backed tab audio source
	MicrophoneWAV     string `yaml:"microphone_wav"` // file-backed microphone source
	TokenTTLSeconds   int    `yaml:"token_ttl_seconds"`
}

type WakeConfig struct {
	Trigger          string   `yaml:"trigger"`
	Targets          []string `yaml:"targets"`
	CompactForms     []string `yaml:"compact_forms"`
	MaxGap           int      `yaml:"max_gap"`
	RestartBackoffMs int      `yaml:"restart_backoff_ms"`
	MaxRestarts      int      `yaml:"max_restarts"` // 0 means unlimited
}

type DictationConfig struct {
	AutoSubmit      bool `yaml:"auto_submit"`
	SilenceSubmitMs int  `yaml:"silence_submit_ms"`
}

// SpeechConfig configures the whisper-backed recognition engine.
type SpeechConfig struct {
	WhisperURL       string `yaml:"whisper_url"`
	TimeoutMs        int    `yaml:"timeout_ms"`
	Language         string `yaml:"language"`
	VADRmsThreshold  int    `yaml:"vad_rms_threshold"`
	SilenceTimeoutMs int    `yaml:"silence_timeout_ms"`
	MaxSegmentMs     int    `yaml:"max_segment_ms"`
	IdleTimeoutMs    int    `yaml:"idle_timeout_ms"`
}

type BackendConfig struct {
	BaseURL   string `yaml:"base_url"`
	StreamURL string `yaml:"stream_url"` // when set chunks go over the websocket
	AuthToken string `yaml:"auth_token"`
	TimeoutMs int    `yaml:"timeout_ms"`
	Attempts  int    `yaml:"attempts"`
	SourceURL string `yaml:"source_url"`
	PageTitle string `yaml:"page_title"`
}

type BridgeConfig struct {
	Codec            string `yaml:"codec"` // json or msgpack
	ListenAddr       string `yaml:"listen_addr"`
	CoordinatorURL   string `yaml:"coordinator_url"`
	InboxSize        int    `yaml:"inbox_size"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
}

type ArchiveConfig struct {
	Dir                  string `yaml:"dir"`
	RetentionHours       int    `yaml:"retention_hours"`
	MaxFiles             int    `yaml:"max_files"`
	CleanIntervalMinutes int    `yaml:"clean_interval_minutes"`
	Locking              bool   `yaml:"locking"` // flock sidecars while merging updates
}

type ControlConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a configuration usable without any file.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Capture: CaptureConfig{
			SampleRate:        16000,
			Channels:          1,
			FrameMs:           20,
			ChunkIntervalMs:   5000,
			Codec:             "wav",
			IncludeMicrophone: true,
			TokenTTLSeconds:   60,
		},
		Wake: WakeConfig{
			Trigger:          "hey",
			Targets:          []string{"cue", "q", "queue", "cu", "kew", "kyu"},
			CompactForms:     []string{"heycue", "heyq", "heyqueue", "hayq", "heykyu"},
			MaxGap:           3,
			RestartBackoffMs: 1000,
		},
		Dictation: DictationConfig{
			AutoSubmit:      true,
			SilenceSubmitMs: 2000,
		},
		Speech: SpeechConfig{
			TimeoutMs:        30000,
			VADRmsThreshold:  500,
			SilenceTimeoutMs: 800,
			MaxSegmentMs:     8000,
			IdleTimeoutMs:    8000,
		},
		Backend: BackendConfig{
			BaseURL:   "http://127.0.0.1:8000",
			TimeoutMs: 30000,
			Attempts:  3,
		},
		Bridge: BridgeConfig{
			Codec:            "json",
			ListenAddr:       "127.0.0.1:9301",
			CoordinatorURL:   "ws://127.0.0.1:9301/bridge",
			InboxSize:        256,
			RequestTimeoutMs: 30000,
		},
		Archive: ArchiveConfig{
			RetentionHours:       24,
			MaxFiles:             500,
			CleanIntervalMinutes: 10,
		},
		Control: ControlConfig{ListenAddr: "127.0.0.1:9300"},
		Metrics: MetricsConfig{ListenAddr: "127.0.0.1:9302"},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	setString(getenv, "LOG_LEVEL", &c.Logging.Level)

	setInt(getenv, "CAPTURE_CHUNK_INTERVAL_MS", &c.Capture.ChunkIntervalMs)
	setInt(getenv, "CAPTURE_SAMPLE_RATE", &c.Capture.SampleRate)
	setString(getenv, "CAPTURE_CODEC", &c.Capture.Codec)
	setBool(getenv, "CAPTURE_INCLUDE_MICROPHONE", &c.Capture.IncludeMicrophone)
	setString(getenv, "CAPTURE_TAB_WAV", &c.Capture.TabWAV)
	setString(getenv, "CAPTURE_MICROPHONE_WAV", &c.Capture.MicrophoneWAV)

	if v := strings.TrimSpace(getenv("WAKE_TARGETS")); v != "" {
		c.Wake.Targets = splitList(v)
	}
	setString(getenv, "WAKE_TRIGGER", &c.Wake.Trigger)
	setInt(getenv, "WAKE_MAX_GAP", &c.Wake.MaxGap)
	setInt(getenv, "WAKE_RESTART_BACKOFF_MS", &c.Wake.RestartBackoffMs)

	setString(getenv, "WHISPER_URL", &c.Speech.WhisperURL)
	setInt(getenv, "WHISPER_TIMEOUT_MS", &c.Speech.TimeoutMs)
	setString(getenv, "STT_LANGUAGE", &c.Speech.Language)
	setInt(getenv, "VAD_RMS_THRESHOLD", &c.Speech.VADRmsThreshold)

	setString(getenv, "BACKEND_URL", &c.Backend.BaseURL)
	setString(getenv, "BACKEND_STREAM_URL", &c.Backend.StreamURL)
	setString(getenv, "BACKEND_AUTH_TOKEN", &c.Backend.AuthToken)
	setString(getenv, "BACKEND_SOURCE_URL", &c.Backend.SourceURL)

	setString(getenv, "BRIDGE_CODEC", &c.Bridge.Codec)
	setString(getenv, "BRIDGE_LISTEN_ADDR", &c.Bridge.ListenAddr)
	setString(getenv, "BRIDGE_COORDINATOR_URL", &c.Bridge.CoordinatorURL)

	setString(getenv, "SAVE_AUDIO_DIR", &c.Archive.Dir)
	setInt(getenv, "SAVE_AUDIO_RETENTION_HOURS", &c.Archive.RetentionHours)
	setInt(getenv, "SAVE_AUDIO_MAX_FILES", &c.Archive.MaxFiles)
	setBool(getenv, "SIDECAR_LOCKING", &c.Archive.Locking)

	setString(getenv, "CONTROL_LISTEN_ADDR", &c.Control.ListenAddr)
	setString(getenv, "METRICS_LISTEN_ADDR", &c.Metrics.ListenAddr)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}
	if err := c.Wake.Validate(); err != nil {
		return fmt.Errorf("wake config: %w", err)
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge config: %w", err)
	}
	if c.Dictation.SilenceSubmitMs < 0 {
		return fmt.Errorf("dictation config: silence_submit_ms must not be negative, got %d", c.Dictation.SilenceSubmitMs)
	}
	return nil
}

func (c *CaptureConfig) Validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", c.SampleRate)
	}
	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.FrameMs <= 0 {
		return fmt.Errorf("frame_ms must be positive, got %d", c.FrameMs)
	}
	if c.ChunkIntervalMs < c.FrameMs {
		return fmt.Errorf("chunk_interval_ms (%d) must be at least frame_ms (%d)", c.ChunkIntervalMs, c.FrameMs)
	}
	switch c.Codec {
	case "wav", "opus":
	default:
		return fmt.Errorf("codec must be wav or opus, got %q", c.Codec)
	}
	return nil
}

func (c *WakeConfig) Validate() error {
	if strings.TrimSpace(c.Trigger) == "" {
		return fmt.Errorf("trigger cannot be empty")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("targets cannot be empty")
	}
	if c.MaxGap < 0 {
		return fmt.Errorf("max_gap must not be negative, got %d", c.MaxGap)
	}
	if c.RestartBackoffMs <= 0 {
		return fmt.Errorf("restart_backoff_ms must be positive, got %d", c.RestartBackoffMs)
	}
	return nil
}

func (c *BackendConfig) Validate() error {
	if c.BaseURL == "" && c.StreamURL == "" {
		return fmt.Errorf("base_url or stream_url must be set")
	}
	if c.Attempts < 1 {
		return fmt.Errorf("attempts must be at least 1, got %d", c.Attempts)
	}
	return nil
}

func (c *BridgeConfig) Validate() error {
	switch c.Codec {
	case "json", "msgpack":
	default:
		return fmt.Errorf("codec must be json or msgpack, got %q", c.Codec)
	}
	if c.InboxSize < 1 {
		return fmt.Errorf("inbox_size must be at least 1, got %d", c.InboxSize)
	}
	return nil
}

func (c CaptureConfig) ChunkInterval() time.Duration {
	return time.Duration(c.ChunkIntervalMs) * time.Millisecond
}

// FrameSamples is the number of samples per channel in one capture frame.
func (c CaptureConfig) FrameSamples() int {
	return c.SampleRate * c.FrameMs / 1000
}

func (c CaptureConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

func (c WakeConfig) RestartBackoff() time.Duration {
	return time.Duration(c.RestartBackoffMs) * time.Millisecond
}

func (c DictationConfig) SilenceSubmit() time.Duration {
	return time.Duration(c.SilenceSubmitMs) * time.Millisecond
}

func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c BridgeConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c ArchiveConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func (c ArchiveConfig) CleanInterval() time.Duration {
	return time.Duration(c.CleanIntervalMinutes) * time.Minute
}

func setString(getenv func(string) string, key string, dst *string) {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(getenv func(string) string, key string, dst *int) {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(getenv func(string) string, key string, dst *bool) {
	v := strings.ToLower(strings.TrimSpace(getenv(key)))
	switch v {
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
