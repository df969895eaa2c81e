package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"
	"time"
)

// frameStaleAfter: if the client stops streaming for this long, the feed is
// treated as interrupted.
const frameStaleAfter = 10 * time.Second

// ErrNoFrame reports that no frame has arrived yet or the feed went stale.
var ErrNoFrame = errors.New("no recent frame available")

// FrameSource adapts client-pushed JPEG frames to the Camera interface: the
// browser owns the physical webcam and streams stills to the service, which
// owns the supervision state machine.
type FrameSource struct {
	mu       sync.Mutex
	latest   *Frame
	pushedAt time.Time
	failed   bool
	now      func() time.Time
}

// NewFrameSource creates an empty frame source.
func NewFrameSource() *FrameSource {
	return &FrameSource{now: time.Now}
}

// Push decodes and stores one client-captured JPEG still.
func (s *FrameSource) Push(jpegData []byte) error {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &Frame{Image: img, JPEG: jpegData}
	s.pushedAt = s.now()
	return nil
}

// Fail marks the client-side capture device as unavailable, so the next
// Acquire or Capture reports a hardware violation.
func (s *FrameSource) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = true
}

// Acquire implements Camera.
func (s *FrameSource) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return ErrCameraUnavailable
	}
	return nil
}

// Capture implements Camera: it returns the most recent pushed frame. A
// missing or stale frame means the mandatory stream is interrupted.
func (s *FrameSource) Capture(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return Frame{}, ErrCameraUnavailable
	}
	if s.latest == nil || s.now().Sub(s.pushedAt) > frameStaleAfter {
		return Frame{}, ErrNoFrame
	}
	return *s.latest, nil
}

// Release implements Camera.
func (s *FrameSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = nil
	return nil
}
