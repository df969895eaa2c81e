package session

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examsentry/server/internal/model"
	"github.com/examsentry/server/internal/monitor"
	"github.com/examsentry/server/internal/oracle"
)

const testInterval = 5 * time.Millisecond

type memAudit struct {
	mu      sync.Mutex
	entries []model.AuditLog
}

func (a *memAudit) Append(ctx context.Context, entry model.AuditLog) (model.AuditLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry.ID = uuid.New()
	entry.Timestamp = time.Now()
	a.entries = append(a.entries, entry)
	return entry, nil
}

func (a *memAudit) List(ctx context.Context) ([]model.AuditLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.AuditLog, len(a.entries))
	copy(out, a.entries)
	return out, nil
}

type clearVerdicts struct{}

func (clearVerdicts) VerifyFace(ctx context.Context, frameJPEG, enrolledJPEG []byte) (oracle.FaceMatch, error) {
	return oracle.FaceMatch{Matched: true, Confidence: 0.98}, nil
}

func (clearVerdicts) DetectSuspiciousActivity(ctx context.Context, frameJPEG []byte) (oracle.Suspicion, error) {
	return oracle.Suspicion{Suspicious: false, Type: "CLEAR"}, nil
}

func newTestController() (*Controller, *memAudit) {
	audit := &memAudit{}
	c := NewController(audit, clearVerdicts{},
		WithMonitorOptions(monitor.WithInterval(testInterval)),
		WithTeardownGrace(time.Millisecond),
	)
	return c, audit
}

func testUser() model.User {
	return model.User{ID: uuid.New(), Email: "setter@example.edu", Role: model.RoleSetter, FaceSignature: []byte("enrolled")}
}

func brightJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func waitForViolation(t *testing.T, c *Controller, userID uuid.UUID) *monitor.Alert {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if v := c.Violation(userID); v != nil {
			return v
		}
		select {
		case <-deadline:
			t.Fatal("expected a violation, got none")
			return nil
		case <-time.After(testInterval):
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	c, _ := newTestController()
	user := testUser()

	assert.ErrorIs(t, c.CheckAlive(user.ID), ErrNoSession)

	c.Begin(user)
	assert.NoError(t, c.CheckAlive(user.ID))

	c.End(user.ID)
	assert.ErrorIs(t, c.CheckAlive(user.ID), ErrNoSession)
}

func TestGrants_sessionScoped(t *testing.T) {
	c, _ := newTestController()
	user := testUser()
	paperID := uuid.New()

	assert.ErrorIs(t, c.Grant(user.ID, paperID), ErrNoSession)

	c.Begin(user)
	require.NoError(t, c.Grant(user.ID, paperID))
	assert.True(t, c.HasGrant(user.ID, paperID))
	assert.False(t, c.HasGrant(user.ID, uuid.New()))

	// Re-authentication starts from a clean slate.
	c.Begin(user)
	assert.False(t, c.HasGrant(user.ID, paperID), "grants die with the session")
}

func TestPushFrame_requiresActiveMonitoring(t *testing.T) {
	c, _ := newTestController()
	user := testUser()
	c.Begin(user)

	err := c.PushFrame(user.ID, brightJPEG(t))
	assert.ErrorIs(t, err, ErrNotMonitoring)
	assert.ErrorIs(t, c.ReportCameraFailure(user.ID), ErrNotMonitoring)
}

func TestMonitoring_staysActiveWithFreshFrames(t *testing.T) {
	c, _ := newTestController()
	user := testUser()
	c.Begin(user)

	require.NoError(t, c.StartMonitoring(context.Background(), user.ID, uuid.New()))
	require.NoError(t, c.PushFrame(user.ID, brightJPEG(t)))

	time.Sleep(20 * testInterval)
	status, ok := c.MonitorStatus(user.ID)
	require.True(t, ok)
	assert.Equal(t, monitor.StatusActive, status)
	assert.Nil(t, c.Violation(user.ID))
	assert.NoError(t, c.CheckAlive(user.ID))

	c.StopMonitoring(user.ID)
	assert.NoError(t, c.CheckAlive(user.ID), "a clean stop is not a violation")
}

func TestMonitoring_missingFeedForcesLockout(t *testing.T) {
	c, audit := newTestController()
	user := testUser()
	c.Begin(user)

	// Monitoring starts but the client never streams a frame.
	require.NoError(t, c.StartMonitoring(context.Background(), user.ID, uuid.New()))

	violation := waitForViolation(t, c, user.ID)
	assert.Equal(t, monitor.AlertHardwareTamper, violation.Type)
	assert.ErrorIs(t, c.CheckAlive(user.ID), ErrSessionRevoked)

	entries, err := audit.List(context.Background())
	require.NoError(t, err)
	var alertEntry *model.AuditLog
	for i := range entries {
		if entries[i].Type == model.AuditSecurityAlert {
			alertEntry = &entries[i]
		}
	}
	require.NotNil(t, alertEntry, "the lockout must be audited")
	assert.Equal(t, model.SeverityCritical, alertEntry.Severity)
	assert.Contains(t, alertEntry.Details, "VIOLATION DETECTED")
	assert.Equal(t, user.ID.String(), alertEntry.UserID)
}

func TestMonitoring_cameraFailureForcesLockout(t *testing.T) {
	c, _ := newTestController()
	user := testUser()
	c.Begin(user)

	require.NoError(t, c.StartMonitoring(context.Background(), user.ID, uuid.New()))
	require.NoError(t, c.PushFrame(user.ID, brightJPEG(t)))
	require.NoError(t, c.ReportCameraFailure(user.ID))

	violation := waitForViolation(t, c, user.ID)
	assert.Equal(t, monitor.AlertHardwareTamper, violation.Type)
	assert.ErrorIs(t, c.CheckAlive(user.ID), ErrSessionRevoked)
}

func TestRevokedSession_blockedUntilReauthentication(t *testing.T) {
	c, _ := newTestController()
	user := testUser()
	c.Begin(user)

	require.NoError(t, c.StartMonitoring(context.Background(), user.ID, uuid.New()))
	waitForViolation(t, c, user.ID)

	err := c.StartMonitoring(context.Background(), user.ID, uuid.New())
	assert.ErrorIs(t, err, ErrSessionRevoked)

	// Only a fresh login clears the lockout.
	c.Begin(user)
	assert.NoError(t, c.CheckAlive(user.ID))
	assert.Nil(t, c.Violation(user.ID))
}
