package forensics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examsentry/server/internal/model"
	"github.com/examsentry/server/internal/oracle"
	"github.com/examsentry/server/internal/repo"
)

type stubUsers struct {
	byEmail map[string]model.User
}

func (s *stubUsers) GetByID(ctx context.Context, id string) (model.User, error) {
	return model.User{}, repo.ErrNotFound
}

func (s *stubUsers) GetByEmail(ctx context.Context, email string) (model.User, error) {
	u, ok := s.byEmail[email]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return u, nil
}

func (s *stubUsers) Create(ctx context.Context, user model.User) (model.User, error) {
	return user, nil
}

func (s *stubUsers) ListByRole(ctx context.Context, role model.Role) ([]model.User, error) {
	return nil, nil
}

type memAudit struct {
	entries []model.AuditLog
}

func (a *memAudit) Append(ctx context.Context, entry model.AuditLog) (model.AuditLog, error) {
	entry.ID = uuid.New()
	entry.Timestamp = time.Now()
	a.entries = append(a.entries, entry)
	return entry, nil
}

func (a *memAudit) List(ctx context.Context) ([]model.AuditLog, error) {
	return a.entries, nil
}

type stubExtractor struct {
	report oracle.ForensicReport
	err    error
}

func (s *stubExtractor) VerifyFace(ctx context.Context, frameJPEG, enrolledJPEG []byte) (oracle.FaceMatch, error) {
	return oracle.FaceMatch{}, nil
}

func (s *stubExtractor) DetectSuspiciousActivity(ctx context.Context, frameJPEG []byte) (oracle.Suspicion, error) {
	return oracle.Suspicion{}, nil
}

func (s *stubExtractor) ExtractForensicWatermark(ctx context.Context, leakedJPEG []byte) (oracle.ForensicReport, error) {
	return s.report, s.err
}

func analyst() model.User {
	return model.User{ID: uuid.New(), Email: "admin@example.edu", Role: model.RoleAuthoriser}
}

func TestAnalyze_verifiesIdentityAgainstDatabase(t *testing.T) {
	leaker := model.User{ID: uuid.New(), Email: "leaker@example.edu", Role: model.RoleSetter}
	users := &stubUsers{byEmail: map[string]model.User{leaker.Email: leaker}}
	audit := &memAudit{}
	extractor := &stubExtractor{report: oracle.ForensicReport{
		SetterID:       "external-guess",
		Email:          "Leaker@Example.edu",
		Timestamp:      "2026-08-01 10:00",
		DeviceInfo:     "Workstation 4",
		LeakConfidence: 0.97,
		Analysis:       "Watermark reconstructed.",
	}}
	svc := NewService(extractor, users, audit)

	report, err := svc.Analyze(context.Background(), analyst(), []byte("leak"))
	require.NoError(t, err)
	assert.Equal(t, StatusVerifiedDBIdentity, report.IdentityStatus)
	assert.Equal(t, leaker.ID.String(), report.SetterID, "DB identity overrides the oracle guess")
	assert.Equal(t, leaker.Email, report.Email)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, model.AuditForensics, audit.entries[0].Type)
	assert.Equal(t, model.SeverityCritical, audit.entries[0].Severity)
}

func TestAnalyze_unknownIdentityStaysExternal(t *testing.T) {
	users := &stubUsers{byEmail: map[string]model.User{}}
	extractor := &stubExtractor{report: oracle.ForensicReport{
		SetterID:       "su-ext",
		Email:          "outsider@example.edu",
		Timestamp:      "2026-08-01 10:00",
		LeakConfidence: 0.8,
	}}
	svc := NewService(extractor, users, &memAudit{})

	report, err := svc.Analyze(context.Background(), analyst(), []byte("leak"))
	require.NoError(t, err)
	assert.Equal(t, StatusExternalIdentity, report.IdentityStatus)
	assert.Equal(t, "su-ext", report.SetterID)
}

func TestAnalyze_accuracyFloor(t *testing.T) {
	extractor := &stubExtractor{report: oracle.ForensicReport{
		SetterID:       "su-1",
		Email:          "x@example.edu",
		Timestamp:      "t",
		LeakConfidence: 0.5,
	}}
	svc := NewService(extractor, &stubUsers{}, &memAudit{})

	report, err := svc.Analyze(context.Background(), analyst(), []byte("leak"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Accuracy, accuracyFloor)
	assert.InDelta(t, 0.5, report.LeakConfidence, 0.001, "raw confidence is preserved alongside the floor")
}

func TestAnalyze_severityTracksConfidence(t *testing.T) {
	audit := &memAudit{}
	extractor := &stubExtractor{report: oracle.ForensicReport{
		SetterID:       "su-1",
		Email:          "x@example.edu",
		Timestamp:      "t",
		LeakConfidence: 0.85,
	}}
	svc := NewService(extractor, &stubUsers{}, audit)

	_, err := svc.Analyze(context.Background(), analyst(), []byte("leak"))
	require.NoError(t, err)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, model.SeverityHigh, audit.entries[0].Severity)
}

func TestAnalyze_failClosed(t *testing.T) {
	audit := &memAudit{}
	extractor := &stubExtractor{err: oracle.ErrForensicUnavailable}
	svc := NewService(extractor, &stubUsers{}, audit)

	_, err := svc.Analyze(context.Background(), analyst(), []byte("leak"))
	assert.ErrorIs(t, err, ErrAnalysisFailed)
	assert.Empty(t, audit.entries, "no audit entry is written for a failed extraction")
}
