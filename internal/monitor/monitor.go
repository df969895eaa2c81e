// Package monitor implements passive session supervision: while an editing
// session is active it samples the camera on a fixed cadence, runs a cheap
// local obstruction heuristic before any oracle round-trip, and escalates to
// a terminal alert on the first confirmed violation.
package monitor

import (
	"context"
	"errors"
	"image"
	"log"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/examsentry/server/internal/oracle"
)

// Status is the monitor session state. Alert is terminal for the session
// instance; a fresh Activate is required to resume monitoring.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusWarning Status = "WARNING"
	StatusAlert   Status = "ALERT"
)

// Violation types raised by the monitor itself. Behavioral violations carry
// the oracle-provided type instead.
const (
	AlertHardwareTamper   = "HARDWARE_TAMPER"
	AlertCameraObstructed = "CAMERA_OBSTRUCTED"
	AlertIdentityMismatch = "IDENTITY_MISMATCH"
)

const (
	defaultInterval = 3000 * time.Millisecond

	// A non-match below this confidence is oracle noise, not a violation.
	identityConfidenceThreshold = 0.6
)

// ErrCameraUnavailable reports that the capture device could not be
// acquired. The absence of a camera is itself a violation, not a soft
// failure.
var ErrCameraUnavailable = errors.New("camera unavailable")

// ErrAlreadyActive rejects Activate on a running monitor.
var ErrAlreadyActive = errors.New("monitor already active")

// Alert is the typed escalation event consumed by the session controller.
type Alert struct {
	Type    string
	Details string
	At      time.Time
}

// Frame is one captured still: decoded pixels for local analysis plus the
// encoded payload sent to the oracle.
type Frame struct {
	Image image.Image
	JPEG  []byte
}

// Camera is the capture handle supervised by the monitor.
type Camera interface {
	Acquire(ctx context.Context) error
	Capture(ctx context.Context) (Frame, error)
	Release() error
}

// Verdicts is the slice of the oracle the monitor consults.
type Verdicts interface {
	VerifyFace(ctx context.Context, frameJPEG, enrolledJPEG []byte) (oracle.FaceMatch, error)
	DetectSuspiciousActivity(ctx context.Context, frameJPEG []byte) (oracle.Suspicion, error)
}

// Monitor supervises one editing session.
type Monitor struct {
	camera   Camera
	verdicts Verdicts
	interval time.Duration

	// inFlight is the explicit single-cycle token: a tick that fires while a
	// cycle is still running is skipped, never run concurrently.
	inFlight *semaphore.Weighted

	mu        sync.Mutex
	status    Status
	owner     []byte // enrolled face signature of the session owner
	acquired  bool
	escalated bool
	cancel    context.CancelFunc
	done      chan struct{}
	events    chan Alert
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithInterval overrides the sampling cadence (tests only; production runs
// at the fixed 3s interval).
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// New creates a monitor over the given capture handle and verdict oracle.
func New(camera Camera, verdicts Verdicts, opts ...Option) *Monitor {
	m := &Monitor{
		camera:   camera,
		verdicts: verdicts,
		interval: defaultInterval,
		inFlight: semaphore.NewWeighted(1),
		status:   StatusActive,
		events:   make(chan Alert, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the alert channel. At most one alert is emitted per
// activation.
func (m *Monitor) Events() <-chan Alert {
	return m.events
}

// Status returns the current session status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Activate acquires the camera and starts the sampling loop. A failed
// acquisition emits exactly one HARDWARE_TAMPER alert, leaves the monitor in
// the terminal Alert state and runs zero sampling cycles.
func (m *Monitor) Activate(ctx context.Context, ownerFaceSignature []byte) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	m.owner = ownerFaceSignature
	m.status = StatusActive
	m.escalated = false
	m.mu.Unlock()

	if err := m.camera.Acquire(ctx); err != nil {
		m.escalate(AlertHardwareTamper, "Mandatory biometric stream interrupted.")
		return errors.Join(ErrCameraUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.acquired = true
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.loop(loopCtx, done)
	return nil
}

// Deactivate stops the sampling loop and releases the capture handle. It is
// idempotent and safe to call at any status, including after escalation.
func (m *Monitor) Deactivate() error {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	acquired := m.acquired
	m.cancel = nil
	m.done = nil
	m.acquired = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	var err error
	if acquired {
		err = multierr.Append(err, m.camera.Release())
	}
	return err
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.inFlight.TryAcquire(1) {
				// Previous cycle still running: skip this tick.
				continue
			}
			m.runCycle(ctx)
			m.inFlight.Release(1)
			if m.Status() == StatusAlert {
				return
			}
		}
	}
}

// runCycle evaluates the three checks in strict order, short-circuiting on
// the first positive: local blindness heuristic, behavioral verdict,
// identity-consistency verdict.
func (m *Monitor) runCycle(ctx context.Context) {
	frame, err := m.camera.Capture(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.escalate(AlertHardwareTamper, "Mandatory biometric stream interrupted.")
		return
	}

	// 1. Local blindness check. Cheap pixel math, never skipped, and no
	// oracle call is issued when it fires.
	if meanLuminance(frame.Image, luminanceStride) < darknessThreshold {
		m.escalate(AlertCameraObstructed, "Security violation: Camera is covered or obscured.")
		return
	}

	// 2. Behavioral check.
	verdict, err := m.verdicts.DetectSuspiciousActivity(ctx, frame.JPEG)
	if err != nil {
		// Degradation policy lives in the oracle wrapper; an error reaching
		// here is logged and the check yields no verdict this cycle.
		log.Printf("monitor: suspicious-activity check failed: %v", err)
	} else if verdict.Suspicious {
		m.escalate(verdict.Type, verdict.Details)
		return
	}

	// 3. Identity consistency. Only a confident non-match escalates; a
	// low-confidence non-match stays ACTIVE to avoid oracle-noise false
	// positives.
	match, err := m.verdicts.VerifyFace(ctx, frame.JPEG, m.ownerSignature())
	if err != nil {
		log.Printf("monitor: face verification failed: %v", err)
		return
	}
	if !match.Matched && match.Confidence > identityConfidenceThreshold {
		m.escalate(AlertIdentityMismatch, "Identity breach: Session owner no longer detected in frame.")
	}
}

// escalate moves the session to the terminal Alert state, emits the alert
// exactly once and stops the sampling loop.
func (m *Monitor) escalate(alertType, details string) {
	m.mu.Lock()
	if m.escalated {
		m.mu.Unlock()
		return
	}
	m.escalated = true
	m.status = StatusAlert
	cancel := m.cancel
	m.mu.Unlock()

	m.events <- Alert{Type: alertType, Details: details, At: time.Now()}
	if cancel != nil {
		cancel()
	}
}

func (m *Monitor) ownerSignature() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}
