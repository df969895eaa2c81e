// Package session holds the top-level authentication session state: which
// papers a session may edit, the security monitor attached to an active
// editing session, and the forced-lockout reaction to monitor alerts.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/examsentry/server/internal/model"
	"github.com/examsentry/server/internal/monitor"
	"github.com/examsentry/server/internal/repo"
)

// teardownGrace is the short delay between the forced lockout and monitor
// teardown, giving the client a beat to observe the violation state.
const teardownGrace = 100 * time.Millisecond

var (
	// ErrNoSession reports a request against an unknown or ended session.
	ErrNoSession = errors.New("no active session")

	// ErrSessionRevoked reports a session terminated by a security alert.
	// The lockout cannot be dismissed by the monitored user.
	ErrSessionRevoked = errors.New("session revoked by security alert")

	// ErrNotMonitoring reports a frame push with no active editing session.
	ErrNotMonitoring = errors.New("no active monitoring session")
)

type state struct {
	user      model.User
	grants    map[uuid.UUID]bool
	editing   uuid.UUID
	frames    *monitor.FrameSource
	monitor   *monitor.Monitor
	stop      chan struct{}
	violation *monitor.Alert
	revoked   bool
}

// Controller orchestrates session lifecycle around the two core engines.
type Controller struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*state

	audit       repo.AuditRepo
	verdicts    monitor.Verdicts
	monitorOpts []monitor.Option
	grace       time.Duration
}

// Option customizes a Controller.
type Option func(*Controller)

// WithMonitorOptions forwards options to monitors the controller creates.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(c *Controller) { c.monitorOpts = opts }
}

// WithTeardownGrace overrides the post-alert teardown delay (tests only).
func WithTeardownGrace(d time.Duration) Option {
	return func(c *Controller) { c.grace = d }
}

// NewController creates the session controller.
func NewController(audit repo.AuditRepo, verdicts monitor.Verdicts, opts ...Option) *Controller {
	c := &Controller{
		sessions: make(map[uuid.UUID]*state),
		audit:    audit,
		verdicts: verdicts,
		grace:    teardownGrace,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin registers a fresh authenticated session, clearing any previous state
// for the user (including a revocation; re-authentication is the only way
// back in after a lockout).
func (c *Controller) Begin(user model.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.sessions[user.ID]; ok {
		c.stopLocked(old)
	}
	c.sessions[user.ID] = &state{
		user:   user,
		grants: make(map[uuid.UUID]bool),
	}
}

// End tears down the user's session on logout.
func (c *Controller) End(userID uuid.UUID) {
	c.mu.Lock()
	s, ok := c.sessions[userID]
	if ok {
		c.stopLocked(s)
		delete(c.sessions, userID)
	}
	c.mu.Unlock()
}

// CheckAlive reports whether the session exists and has not been revoked.
func (c *Controller) CheckAlive(userID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[userID]
	if !ok {
		return ErrNoSession
	}
	if s.revoked {
		return ErrSessionRevoked
	}
	return nil
}

// Grant records a redeemed unlock grant. The grant is session-scoped and
// dies with the session; the paper's persisted lock flag is untouched.
func (c *Controller) Grant(userID, paperID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[userID]
	if !ok {
		return ErrNoSession
	}
	s.grants[paperID] = true
	return nil
}

// HasGrant reports whether the session holds an unlock grant for the paper.
func (c *Controller) HasGrant(userID, paperID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[userID]
	return ok && s.grants[paperID]
}

// StartMonitoring attaches a security monitor to the session when an
// editable paper is opened. The client must stream camera frames; a feed
// that never materializes is a hardware violation.
func (c *Controller) StartMonitoring(ctx context.Context, userID, paperID uuid.UUID) error {
	c.mu.Lock()
	s, ok := c.sessions[userID]
	if !ok {
		c.mu.Unlock()
		return ErrNoSession
	}
	if s.revoked {
		c.mu.Unlock()
		return ErrSessionRevoked
	}
	if s.monitor != nil {
		c.stopLocked(s)
	}
	frames := monitor.NewFrameSource()
	m := monitor.New(frames, c.verdicts, c.monitorOpts...)
	stop := make(chan struct{})
	s.frames = frames
	s.monitor = m
	s.stop = stop
	s.editing = paperID
	user := s.user
	c.mu.Unlock()

	go c.watch(m, stop, user)

	if err := m.Activate(ctx, user.FaceSignature); err != nil {
		return fmt.Errorf("activate monitoring: %w", err)
	}
	return nil
}

// PushFrame feeds one client-captured frame to the active monitor.
func (c *Controller) PushFrame(userID uuid.UUID, jpegData []byte) error {
	c.mu.Lock()
	s, ok := c.sessions[userID]
	var frames *monitor.FrameSource
	if ok {
		frames = s.frames
	}
	c.mu.Unlock()
	if frames == nil {
		return ErrNotMonitoring
	}
	return frames.Push(jpegData)
}

// ReportCameraFailure marks the client capture device unavailable; the
// monitor escalates on its next cycle.
func (c *Controller) ReportCameraFailure(userID uuid.UUID) error {
	c.mu.Lock()
	s, ok := c.sessions[userID]
	var frames *monitor.FrameSource
	if ok {
		frames = s.frames
	}
	c.mu.Unlock()
	if frames == nil {
		return ErrNotMonitoring
	}
	frames.Fail()
	return nil
}

// StopMonitoring deactivates monitoring when the editor closes.
func (c *Controller) StopMonitoring(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[userID]; ok {
		c.stopLocked(s)
	}
}

// Violation returns the recorded security violation for the session, if any.
func (c *Controller) Violation(userID uuid.UUID) *monitor.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[userID]; ok {
		return s.violation
	}
	return nil
}

// MonitorStatus reports the attached monitor's status, if one is active.
func (c *Controller) MonitorStatus(userID uuid.UUID) (monitor.Status, bool) {
	c.mu.Lock()
	m := (*monitor.Monitor)(nil)
	if s, ok := c.sessions[userID]; ok {
		m = s.monitor
	}
	c.mu.Unlock()
	if m == nil {
		return "", false
	}
	return m.Status(), true
}

// watch consumes the monitor's alert event and enacts the forced lockout:
// a CRITICAL audit entry, session revocation, then guaranteed teardown.
func (c *Controller) watch(m *monitor.Monitor, stop <-chan struct{}, user model.User) {
	select {
	case <-stop:
		return
	case alert := <-m.Events():
		_, err := c.audit.Append(context.Background(), model.AuditLog{
			Type:     model.AuditSecurityAlert,
			UserID:   user.ID.String(),
			Details:  fmt.Sprintf("VIOLATION DETECTED: %s - %s", alert.Type, alert.Details),
			Severity: model.SeverityCritical,
		})
		if err != nil {
			log.Printf("session: failed to write security alert audit entry: %v", err)
		}

		c.mu.Lock()
		if s, ok := c.sessions[user.ID]; ok {
			a := alert
			s.violation = &a
			s.revoked = true
			s.editing = uuid.Nil
		}
		c.mu.Unlock()

		time.Sleep(c.grace)
		if err := m.Deactivate(); err != nil {
			log.Printf("session: monitor teardown after alert: %v", err)
		}
	}
}

// stopLocked tears down monitoring state; callers hold c.mu.
func (c *Controller) stopLocked(s *state) {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.monitor != nil {
		m := s.monitor
		s.monitor = nil
		s.frames = nil
		s.editing = uuid.Nil
		go func() {
			if err := m.Deactivate(); err != nil {
				log.Printf("session: monitor teardown: %v", err)
			}
		}()
	}
}
