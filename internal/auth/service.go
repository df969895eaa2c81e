package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/examsentry/server/internal/model"
	"github.com/examsentry/server/internal/oracle"
	"github.com/examsentry/server/internal/repo"
)

// Login step failures reported to the initiating actor. None of them mutate state.
var (
	ErrNotWhitelisted     = errors.New("identity is not in the system whitelist")
	ErrRoleClash          = errors.New("identity already registered under a different role")
	ErrInvalidEmail       = errors.New("invalid email structure")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrBiometricMismatch  = errors.New("biometric verification failed")
)

// faceConfidenceThreshold: a login face match must clear this to count.
const faceConfidenceThreshold = 0.6

// AuthService orchestrates the multi-step login: whitelist identity check,
// password, OTP, then face capture (verification for enrolled users,
// enrollment for new ones).
type AuthService struct {
	otpProvider OtpProvider
	jwtService  *JWTService
	userRepo    repo.UserRepo
	whitelist   repo.WhitelistRepo
	audit       repo.AuditRepo
	verdicts    oracle.Oracle
	salt        string
}

// NewAuthService creates a new auth service
func NewAuthService(
	otpProvider OtpProvider,
	jwtService *JWTService,
	userRepo repo.UserRepo,
	whitelist repo.WhitelistRepo,
	audit repo.AuditRepo,
	verdicts oracle.Oracle,
	salt string,
) *AuthService {
	return &AuthService{
		otpProvider: otpProvider,
		jwtService:  jwtService,
		userRepo:    userRepo,
		whitelist:   whitelist,
		audit:       audit,
		verdicts:    verdicts,
		salt:        salt,
	}
}

// CheckIdentity validates the email against the whitelist and detects role
// clashes with an existing registration. Returns whether this is a new
// (unenrolled) identity.
func (s *AuthService) CheckIdentity(ctx context.Context, email string, role model.Role) (isNewUser bool, err error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return false, ErrInvalidEmail
	}

	ok, err := s.whitelist.Contains(ctx, email)
	if err != nil {
		return false, fmt.Errorf("whitelist check: %w", err)
	}
	if !ok {
		return false, ErrNotWhitelisted
	}

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		// Unknown identity: whitelisted but not yet enrolled.
		return true, nil
	}
	if user.Role != role {
		return false, ErrRoleClash
	}
	return false, nil
}

// VerifyPassword checks the password for an enrolled identity. For a new
// identity it only enforces the minimum length; the password is persisted at
// enrollment (the face step).
func (s *AuthService) VerifyPassword(ctx context.Context, email, password string) error {
	if len(password) < 6 {
		return ErrWeakPassword
	}
	email = normalizeEmail(email)
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil // enrollment path; nothing stored to compare against
	}
	if user.PasswordHash != HashPassword(email, password, s.salt) {
		return ErrInvalidCredentials
	}
	return nil
}

// CompleteFace finishes login with a captured frame. Enrolled users are
// verified against their stored face signature through the verdict oracle; a
// match needs matched=true and confidence above the threshold. Unenrolled
// users are registered with the frame as their face signature.
func (s *AuthService) CompleteFace(ctx context.Context, email string, role model.Role, password string, frameJPEG []byte) (model.User, string, error) {
	email = normalizeEmail(email)

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err == nil {
		if user.Role != role {
			return model.User{}, "", ErrRoleClash
		}
		match, err := s.verdicts.VerifyFace(ctx, frameJPEG, user.FaceSignature)
		if err != nil {
			return model.User{}, "", fmt.Errorf("face verification: %w", err)
		}
		if !match.Matched || match.Confidence <= faceConfidenceThreshold {
			return model.User{}, "", ErrBiometricMismatch
		}
		return s.issueSession(ctx, user)
	}

	// Enrollment: first successful login registers the identity.
	if len(password) < 6 {
		return model.User{}, "", ErrWeakPassword
	}
	newUser := model.User{
		Email:         email,
		Role:          role,
		FullName:      strings.ToUpper(strings.SplitN(email, "@", 2)[0]),
		IsWhitelisted: true,
		PasswordHash:  HashPassword(email, password, s.salt),
		FaceSignature: frameJPEG,
	}
	created, err := s.userRepo.Create(ctx, newUser)
	if err != nil {
		return model.User{}, "", fmt.Errorf("failed to enroll user: %w", err)
	}
	return s.issueSession(ctx, created)
}

func (s *AuthService) issueSession(ctx context.Context, user model.User) (model.User, string, error) {
	token, err := s.jwtService.SignAccessToken(user)
	if err != nil {
		return model.User{}, "", fmt.Errorf("failed to generate token: %w", err)
	}
	_, err = s.audit.Append(ctx, model.AuditLog{
		Type:     model.AuditLogin,
		UserID:   user.ID.String(),
		Details:  fmt.Sprintf("User %s logged in successfully via biometric verification.", user.Email),
		Severity: model.SeverityLow,
	})
	if err != nil {
		return model.User{}, "", fmt.Errorf("failed to write login audit entry: %w", err)
	}
	return user, token, nil
}

// RecordLogout writes the logout audit entry.
func (s *AuthService) RecordLogout(ctx context.Context, user model.User) error {
	_, err := s.audit.Append(ctx, model.AuditLog{
		Type:     model.AuditLogin,
		UserID:   user.ID.String(),
		Details:  fmt.Sprintf("User %s logged out.", user.Email),
		Severity: model.SeverityLow,
	})
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
