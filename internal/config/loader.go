package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.Source != "" && !cfg.Audio.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: portaudio, wav", cfg.Audio.Source))
	}
	if cfg.Audio.Source == SourceWAV && cfg.Audio.WAVPath == "" {
		errs = append(errs, errors.New("audio.wav_path is required when audio.source is wav"))
	}
	if cfg.Audio.DeviceRate < 0 {
		errs = append(errs, fmt.Errorf("audio.device_rate %d must be positive", cfg.Audio.DeviceRate))
	}
	if cfg.Audio.Framing != "" && !cfg.Audio.Framing.IsValid() {
		errs = append(errs, fmt.Errorf("audio.framing %q is invalid; valid values: batch, stream", cfg.Audio.Framing))
	}
	if cfg.Audio.Realtime && cfg.Audio.Source == SourcePortAudio {
		slog.Warn("audio.realtime only applies to wav replay; ignoring")
	}

	// Channels
	errs = append(errs, validateWebSocketURL("stt.url", cfg.STT.URL)...)
	errs = append(errs, validateWebSocketURL("assistant.url", cfg.Assistant.URL)...)

	// Reconnect
	if cfg.Reconnect.BaseDelay < 0 || cfg.Reconnect.MaxDelay < 0 {
		errs = append(errs, errors.New("reconnect delays must not be negative"))
	}
	if cfg.Reconnect.BaseDelay > 0 && cfg.Reconnect.MaxDelay > 0 && cfg.Reconnect.BaseDelay > cfg.Reconnect.MaxDelay {
		errs = append(errs, fmt.Errorf("reconnect.base_delay %v exceeds reconnect.max_delay %v", cfg.Reconnect.BaseDelay, cfg.Reconnect.MaxDelay))
	}

	// Reconciler
	if cfg.Reconciler.Decay < 0 {
		errs = append(errs, fmt.Errorf("reconciler.decay %v must not be negative", cfg.Reconciler.Decay))
	}
	if cfg.Reconciler.FeedSize < 0 {
		errs = append(errs, fmt.Errorf("reconciler.feed_size %d must not be negative", cfg.Reconciler.FeedSize))
	}

	// Extraction
	if cfg.Extraction.URL != "" {
		u, err := url.Parse(cfg.Extraction.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("extraction.url %q must be an http(s) URL", cfg.Extraction.URL))
		}
	} else {
		slog.Warn("extraction.url is empty; document upload will be disabled")
	}
	if cfg.Extraction.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("extraction.max_bytes %d must not be negative", cfg.Extraction.MaxBytes))
	}

	// Archive
	if dsn := cfg.Archive.DSN; dsn != "" && !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") && !strings.Contains(dsn, "=") {
		errs = append(errs, errors.New("archive.dsn must be a postgres URL or a key=value connection string"))
	}
	if cfg.Archive.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("archive.write_timeout %v must not be negative", cfg.Archive.WriteTimeout))
	}

	return errors.Join(errs...)
}

func validateWebSocketURL(field, raw string) []error {
	if raw == "" {
		return []error{fmt.Errorf("%s is required", field)}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s %q: %w", field, raw, err)}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return []error{fmt.Errorf("%s %q must use the ws or wss scheme", field, raw)}
	}
	if u.Host == "" {
		return []error{fmt.Errorf("%s %q has no host", field, raw)}
	}
	return nil
}
