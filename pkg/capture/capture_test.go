package capture_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/consultia/pkg/audio"
	"github.com/MrWong99/consultia/pkg/capture"
	"github.com/MrWong99/consultia/pkg/capture/mock"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSession_ForwardsFrames(t *testing.T) {
	t.Parallel()

	src := &mock.Source{Rate: 48000, Samples: make(chan []float32, 4)}
	sink := &mock.Sink{Accept: true}
	sess := capture.New(src, sink, audio.Batch200ms)

	if err := sess.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Samples <- make([]float32, 9600)
	src.Samples <- make([]float32, 9600)

	waitFor(t, func() bool { return sink.Len() == 2 })
	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := sess.Stats(); got.Sent != 2 || got.Dropped != 0 {
		t.Errorf("Stats = %+v, want 2 sent", got)
	}
	if n := len(sink.Frames[0].Data); n != 6400 {
		t.Errorf("frame bytes = %d, want 6400", n)
	}
}

func TestSession_CountsDroppedFrames(t *testing.T) {
	t.Parallel()

	src := &mock.Source{Rate: 16000, Samples: make(chan []float32, 1)}
	sink := &mock.Sink{Accept: false}

	var observed int
	sess := capture.New(src, sink, audio.Stream20ms, capture.WithFrameObserver(func(_ audio.AudioFrame, sent bool) {
		if !sent {
			observed++
		}
	}))
	if err := sess.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Samples <- make([]float32, 640)

	waitFor(t, func() bool { return sess.Stats().Dropped == 2 })
	_ = sess.Stop()
	if observed != 2 {
		t.Errorf("observer saw %d dropped frames, want 2", observed)
	}
}

func TestSession_StartReturnsCaptureError(t *testing.T) {
	t.Parallel()

	denied := errors.New("permission denied")
	src := &mock.Source{Rate: 48000, DeviceName: "default", OpenErr: denied}
	sess := capture.New(src, &mock.Sink{}, audio.Batch200ms)

	err := sess.Start(t.Context())
	var capErr *capture.Error
	if !errors.As(err, &capErr) {
		t.Fatalf("Start error = %v, want *capture.Error", err)
	}
	if capErr.Device != "default" {
		t.Errorf("Device = %q, want default", capErr.Device)
	}
	if !errors.Is(err, denied) {
		t.Error("expected error to wrap the device error")
	}
	if sess.Running() {
		t.Error("session should not be running after a failed start")
	}
	if src.CallCountOpen != 1 {
		t.Errorf("Open called %d times, want 1 (no retry)", src.CallCountOpen)
	}
}

func TestSession_StartTwice(t *testing.T) {
	t.Parallel()

	src := &mock.Source{Rate: 48000}
	sess := capture.New(src, &mock.Sink{}, audio.Batch200ms)
	if err := sess.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop()

	if err := sess.Start(t.Context()); !errors.Is(err, capture.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	src := &mock.Source{Rate: 48000}
	sess := capture.New(src, &mock.Sink{}, audio.Batch200ms)
	if err := sess.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if src.CallCountClose != 1 {
		t.Errorf("Close called %d times, want 1", src.CallCountClose)
	}
}

func TestSession_StopWrapsCloseError(t *testing.T) {
	t.Parallel()

	closeErr := errors.New("device busy")
	src := &mock.Source{Rate: 48000, CloseErr: closeErr}
	sess := capture.New(src, &mock.Sink{}, audio.Batch200ms)
	if err := sess.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Stop(); !errors.Is(err, closeErr) {
		t.Errorf("Stop = %v, want wrapped %v", err, closeErr)
	}
}
