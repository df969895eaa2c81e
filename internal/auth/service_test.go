package auth

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

const testSalt = "test-salt"

type memUserRepo struct {
	byEmail map[string]model.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byEmail: make(map[string]model.User)}
}

func (m *memUserRepo) GetByID(ctx context.Context, id string) (model.User, error) {
	for _, u := range m.byEmail {
		if u.ID.String() == id {
			return u, nil
		}
	}
	return model.User{}, repo.ErrNotFound
}

func (m *memUserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	u, ok := m.byEmail[email]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return u, nil
}

func (m *memUserRepo) Create(ctx context.Context, user model.User) (model.User, error) {
	user.ID = uuid.New()
	user.CreatedAt = time.Now()
	m.byEmail[user.Email] = user
	return user, nil
}

func (m *memUserRepo) ListByRole(ctx context.Context, role model.Role) ([]model.User, error) {
	var out []model.User
	for _, u := range m.byEmail {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

type memWhitelist struct {
	emails map[string]bool
}

func newMemWhitelist(emails ...string) *memWhitelist {
	w := &memWhitelist{emails: make(map[string]bool)}
	for _, e := range emails {
		w.emails[e] = true
	}
	return w
}

func (w *memWhitelist) Add(ctx context.Context, email string) error {
	w.emails[email] = true
	return nil
}

func (w *memWhitelist) Contains(ctx context.Context, email string) (bool, error) {
	return w.emails[email], nil
}

func (w *memWhitelist) List(ctx context.Context) ([]string, error) {
	var out []string
	for e := range w.emails {
		out = append(out, e)
	}
	return out, nil
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

// scriptedOracle returns a fixed face verdict.
type scriptedOracle struct {
	match oracle.FaceMatch
}

func (o *scriptedOracle) VerifyFace(ctx context.Context, frameJPEG, enrolledJPEG []byte) (oracle.FaceMatch, error) {
	return o.match, nil
}

func (o *scriptedOracle) DetectSuspiciousActivity(ctx context.Context, frameJPEG []byte) (oracle.Suspicion, error) {
	return oracle.Suspicion{}, nil
}

func (o *scriptedOracle) ExtractForensicWatermark(ctx context.Context, leakedJPEG []byte) (oracle.ForensicReport, error) {
	return oracle.ForensicReport{}, oracle.ErrForensicUnavailable
}

type noopOtpProvider struct{}

func (noopOtpProvider) RequestOTP(ctx context.Context, email, ip, userAgent string) error { return nil }
func (noopOtpProvider) VerifyOTP(ctx context.Context, email, code, ip string) error       { return nil }

func newTestAuthService(whitelisted ...string) (*AuthService, *memUserRepo, *memAudit, *scriptedOracle) {
	users := newMemUserRepo()
	audit := &memAudit{}
	verdicts := &scriptedOracle{match: oracle.FaceMatch{Matched: true, Confidence: 0.95}}
	svc := NewAuthService(
		noopOtpProvider{},
		NewJWTService("test-jwt-secret-at-least-32-characters-long"),
		users,
		newMemWhitelist(whitelisted...),
		audit,
		verdicts,
		testSalt,
	)
	return svc, users, audit, verdicts
}

func TestCheckIdentity_whitelistGate(t *testing.T) {
	svc, _, _, _ := newTestAuthService("setter@example.edu")
	ctx := context.Background()

	isNew, err := svc.CheckIdentity(ctx, "setter@example.edu", model.RoleSetter)
	require.NoError(t, err)
	assert.True(t, isNew, "whitelisted but unenrolled identity is new")

	_, err = svc.CheckIdentity(ctx, "intruder@example.edu", model.RoleSetter)
	assert.ErrorIs(t, err, ErrNotWhitelisted)
}

func TestCheckIdentity_caseInsensitive(t *testing.T) {
	svc, _, _, _ := newTestAuthService("setter@example.edu")

	isNew, err := svc.CheckIdentity(context.Background(), "  SETTER@Example.EDU ", model.RoleSetter)
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestCheckIdentity_roleClash(t *testing.T) {
	svc, users, _, _ := newTestAuthService("setter@example.edu")
	ctx := context.Background()

	_, err := users.Create(ctx, model.User{Email: "setter@example.edu", Role: model.RoleSetter})
	require.NoError(t, err)

	_, err = svc.CheckIdentity(ctx, "setter@example.edu", model.RoleAuthoriser)
	assert.ErrorIs(t, err, ErrRoleClash)

	isNew, err := svc.CheckIdentity(ctx, "setter@example.edu", model.RoleSetter)
	require.NoError(t, err)
	assert.False(t, isNew)
}

func TestCheckIdentity_malformedEmail(t *testing.T) {
	svc, _, _, _ := newTestAuthService()
	_, err := svc.CheckIdentity(context.Background(), "not-an-email", model.RoleSetter)
	assert.ErrorIs(t, err, ErrInvalidEmail)
}

func TestVerifyPassword(t *testing.T) {
	svc, users, _, _ := newTestAuthService("setter@example.edu")
	ctx := context.Background()

	assert.ErrorIs(t, svc.VerifyPassword(ctx, "setter@example.edu", "short"), ErrWeakPassword)

	// Unenrolled identity: any password of sufficient length passes; it is
	// persisted at the face step.
	assert.NoError(t, svc.VerifyPassword(ctx, "setter@example.edu", "secret123"))

	_, err := users.Create(ctx, model.User{
		Email:        "setter@example.edu",
		Role:         model.RoleSetter,
		PasswordHash: HashPassword("setter@example.edu", "secret123", testSalt),
	})
	require.NoError(t, err)

	assert.NoError(t, svc.VerifyPassword(ctx, "setter@example.edu", "secret123"))
	assert.ErrorIs(t, svc.VerifyPassword(ctx, "setter@example.edu", "wrong-pass"), ErrInvalidCredentials)
}

func TestCompleteFace_enrollsNewUser(t *testing.T) {
	svc, users, audit, _ := newTestAuthService("new.setter@example.edu")
	ctx := context.Background()

	user, token, err := svc.CompleteFace(ctx, "new.setter@example.edu", model.RoleSetter, "secret123", []byte("frame"))
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "NEW.SETTER", user.FullName)
	assert.Equal(t, []byte("frame"), user.FaceSignature)
	assert.True(t, user.IsWhitelisted)

	stored, err := users.GetByEmail(ctx, "new.setter@example.edu")
	require.NoError(t, err)
	assert.Equal(t, HashPassword("new.setter@example.edu", "secret123", testSalt), stored.PasswordHash)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, model.AuditLogin, audit.entries[0].Type)
	assert.Equal(t, model.SeverityLow, audit.entries[0].Severity)
}

func TestCompleteFace_verifiesEnrolledUser(t *testing.T) {
	svc, users, _, verdicts := newTestAuthService("setter@example.edu")
	ctx := context.Background()

	_, err := users.Create(ctx, model.User{
		Email:         "setter@example.edu",
		Role:          model.RoleSetter,
		FaceSignature: []byte("enrolled"),
	})
	require.NoError(t, err)

	_, token, err := svc.CompleteFace(ctx, "setter@example.edu", model.RoleSetter, "secret123", []byte("frame"))
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	verdicts.match = oracle.FaceMatch{Matched: false, Confidence: 0.9}
	_, _, err = svc.CompleteFace(ctx, "setter@example.edu", model.RoleSetter, "secret123", []byte("frame"))
	assert.ErrorIs(t, err, ErrBiometricMismatch)

	// A nominal match below the confidence bar is still a mismatch.
	verdicts.match = oracle.FaceMatch{Matched: true, Confidence: 0.5}
	_, _, err = svc.CompleteFace(ctx, "setter@example.edu", model.RoleSetter, "secret123", []byte("frame"))
	assert.ErrorIs(t, err, ErrBiometricMismatch)
}

func TestCompleteFace_issuedTokenCarriesRole(t *testing.T) {
	svc, _, _, _ := newTestAuthService("setter@example.edu")

	user, token, err := svc.CompleteFace(context.Background(), "setter@example.edu", model.RoleSetter, "secret123", []byte("frame"))
	require.NoError(t, err)

	jwtService := NewJWTService("test-jwt-secret-at-least-32-characters-long")
	claims, err := jwtService.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, model.RoleSetter, claims.Role)
	assert.Equal(t, "setter@example.edu", claims.Email)
}
