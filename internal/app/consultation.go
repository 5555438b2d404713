package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/consultia/pkg/audio"
	"github.com/MrWong99/consultia/pkg/capture"
)

var (
	// ErrRecording is returned by [Consultation.Start] while recording.
	ErrRecording = errors.New("app: consultation already recording")

	// ErrNotRecording is returned by [Consultation.Stop] when idle.
	ErrNotRecording = errors.New("app: consultation not recording")
)

// SpeechChannel is the audio side of the STT channel.
type SpeechChannel interface {
	capture.FrameSink
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
}

// ConsultationInfo describes the current recording.
type ConsultationInfo struct {
	SessionID string    `json:"sessionId"`
	Recording bool      `json:"recording"`
	Device    string    `json:"device,omitempty"`
	Framing   string    `json:"framing,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	Sent      uint64    `json:"framesSent"`
	Dropped   uint64    `json:"framesDropped"`
}

// Consultation controls recording: it owns the capture session feeding the
// STT channel. Only one recording runs at a time. All exported methods are
// safe for concurrent use.
type Consultation struct {
	sessionID string
	src       capture.Source
	channel   SpeechChannel
	framing   audio.Framing
	onFrame   func(audio.AudioFrame, bool)

	mu        sync.Mutex
	capture   *capture.Session
	startedAt time.Time
	last      capture.Stats
}

// ConsultationConfig holds the dependencies of a [Consultation].
type ConsultationConfig struct {
	SessionID string
	Source    capture.Source
	Channel   SpeechChannel
	Framing   audio.Framing

	// OnFrame, when set, observes every produced frame.
	OnFrame func(frame audio.AudioFrame, sent bool)
}

// NewConsultation creates an idle consultation.
func NewConsultation(cfg ConsultationConfig) *Consultation {
	return &Consultation{
		sessionID: cfg.SessionID,
		src:       cfg.Source,
		channel:   cfg.Channel,
		framing:   cfg.Framing,
		onFrame:   cfg.OnFrame,
	}
}

// Start connects the STT channel and starts capturing. ctx bounds both for
// the whole recording, not just this call. A dial failure is logged and left
// to the channel's own reconnect; a device failure is returned as a
// [*capture.Error] and the channel is closed again.
func (c *Consultation) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture != nil {
		return ErrRecording
	}

	if err := c.channel.Connect(ctx); err != nil {
		slog.Warn("consultation: stt channel not ready, frames will be dropped until it reconnects", "session_id", c.sessionID, "err", err)
	}

	var opts []capture.Option
	if c.onFrame != nil {
		opts = append(opts, capture.WithFrameObserver(c.onFrame))
	}
	sess := capture.New(c.src, c.channel, c.framing, opts...)
	if err := sess.Start(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = c.channel.Close(closeCtx)
		return err
	}

	c.capture = sess
	c.startedAt = time.Now().UTC()
	slog.Info("consultation recording", "session_id", c.sessionID, "device", c.src.Name())
	return nil
}

// Stop ends capture, then closes the STT channel so the server flushes the
// last transcript.
func (c *Consultation) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return ErrNotRecording
	}

	var errs []error
	if err := c.capture.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := c.channel.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close stt channel: %w", err))
	}

	c.last = c.capture.Stats()
	c.capture = nil
	c.startedAt = time.Time{}
	slog.Info("consultation stopped", "session_id", c.sessionID, "frames_sent", c.last.Sent, "frames_dropped", c.last.Dropped)
	return errors.Join(errs...)
}

// Recording reports whether capture is running.
func (c *Consultation) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capture != nil
}

// Info returns the current recording state. Frame counters refer to the
// running recording, or to the last one when idle.
func (c *Consultation) Info() ConsultationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := ConsultationInfo{SessionID: c.sessionID, Sent: c.last.Sent, Dropped: c.last.Dropped}
	if c.capture != nil {
		st := c.capture.Stats()
		info.Recording = true
		info.Device = c.src.Name()
		info.Framing = c.framing.String()
		info.StartedAt = c.startedAt
		info.Sent, info.Dropped = st.Sent, st.Dropped
	}
	return info
}
