// Package config provides the configuration schema, loader, validation and
// hot-reload watcher for consultia.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// AudioSource selects where consultation audio comes from.
type AudioSource string

const (
	// SourcePortAudio captures the default input device.
	SourcePortAudio AudioSource = "portaudio"

	// SourceWAV replays a recorded consultation from a WAV file.
	SourceWAV AudioSource = "wav"
)

// IsValid reports whether s is a recognised audio source.
func (s AudioSource) IsValid() bool {
	return s == SourcePortAudio || s == SourceWAV
}

// Framing selects how audio is cut into frames for the STT channel.
type Framing string

const (
	// FramingBatch sends 200 ms frames.
	FramingBatch Framing = "batch"

	// FramingStream sends 20 ms frames.
	FramingStream Framing = "stream"
)

// IsValid reports whether f is a recognised framing mode.
func (f Framing) IsValid() bool {
	return f == FramingBatch || f == FramingStream
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	STT        ChannelConfig    `yaml:"stt"`
	Assistant  ChannelConfig    `yaml:"assistant"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// ServerConfig holds network and logging settings for the HTTP surface.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig configures capture.
type AudioConfig struct {
	// Source is the capture backend. Default: portaudio.
	Source AudioSource `yaml:"source"`

	// DeviceRate is the native sample rate requested from the input device.
	// Default: 48000. Ignored for WAV replay, which uses the file's rate.
	DeviceRate int `yaml:"device_rate"`

	// WAVPath is the recording replayed when Source is "wav".
	WAVPath string `yaml:"wav_path"`

	// Realtime paces WAV replay at the recording's own speed.
	Realtime bool `yaml:"realtime"`

	// Framing selects 200 ms batches or 20 ms streaming frames.
	// Default: batch.
	Framing Framing `yaml:"framing"`
}

// ChannelConfig addresses one duplex WebSocket channel.
type ChannelConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string `yaml:"url"`

	// SessionParam is the query key carrying the session id.
	// Default: "session".
	SessionParam string `yaml:"session_param"`

	// EndOfStream overrides the sentinel sent before closing the STT
	// channel. Ignored for the assistant channel.
	EndOfStream string `yaml:"end_of_stream"`
}

// ReconnectConfig bounds the reconnect backoff of both channels.
type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// ReconcilerConfig tunes the field reconciler.
type ReconcilerConfig struct {
	// Decay is how long a field stays marked as updated. Default: 3s.
	// Hot-reloadable.
	Decay time.Duration `yaml:"decay"`

	// FeedSize bounds the activity feed. Default: 50.
	FeedSize int `yaml:"feed_size"`
}

// ExtractionConfig points at the document-extraction service. Extraction is
// disabled when URL is empty.
type ExtractionConfig struct {
	URL      string        `yaml:"url"`
	MaxBytes int64         `yaml:"max_bytes"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ArchiveConfig points at the PostgreSQL database that keeps transcripts and
// record snapshots. Archiving is disabled when DSN is empty.
type ArchiveConfig struct {
	DSN string `yaml:"dsn"`

	// WriteTimeout bounds a single archive write. Default: 5s.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Defaults for fields left empty.
const (
	DefaultListenAddr   = ":8080"
	DefaultDeviceRate   = 48000
	DefaultSessionParam = "session"
	DefaultBaseDelay    = 200 * time.Millisecond
	DefaultMaxDelay     = 5 * time.Second
	DefaultDecay        = 3 * time.Second
	DefaultFeedSize     = 50
	DefaultMaxBytes     = 10 << 20
	DefaultTimeout      = 60 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// ApplyDefaults fills zero-valued fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Source == "" {
		cfg.Audio.Source = SourcePortAudio
	}
	if cfg.Audio.DeviceRate == 0 {
		cfg.Audio.DeviceRate = DefaultDeviceRate
	}
	if cfg.Audio.Framing == "" {
		cfg.Audio.Framing = FramingBatch
	}
	for _, ch := range []*ChannelConfig{&cfg.STT, &cfg.Assistant} {
		if ch.SessionParam == "" {
			ch.SessionParam = DefaultSessionParam
		}
	}
	if cfg.Reconnect.BaseDelay == 0 {
		cfg.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if cfg.Reconnect.MaxDelay == 0 {
		cfg.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if cfg.Reconciler.Decay == 0 {
		cfg.Reconciler.Decay = DefaultDecay
	}
	if cfg.Reconciler.FeedSize == 0 {
		cfg.Reconciler.FeedSize = DefaultFeedSize
	}
	if cfg.Extraction.MaxBytes == 0 {
		cfg.Extraction.MaxBytes = DefaultMaxBytes
	}
	if cfg.Extraction.Timeout == 0 {
		cfg.Extraction.Timeout = DefaultTimeout
	}
	if cfg.Archive.WriteTimeout == 0 {
		cfg.Archive.WriteTimeout = DefaultWriteTimeout
	}
}
