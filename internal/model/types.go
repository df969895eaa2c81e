package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies what a user is allowed to do in the system.
type Role string

const (
	RoleSetter     Role = "SETTER"
	RoleAuthoriser Role = "AUTHORISER"
)

// User represents a registered identity. Users only come into existence
// through whitelisted enrollment; the face signature captured at enrollment
// is the reference for all later identity checks.
type User struct {
	ID            uuid.UUID
	Email         string
	Role          Role
	FullName      string
	IsWhitelisted bool
	PasswordHash  string
	FaceSignature []byte
	CreatedAt     time.Time
}

// ExamPaper is the protected resource. Once sealed (IsLocked), the flag is
// never cleared in normal flow; editing a sealed paper requires a
// session-level grant from the unlock workflow.
type ExamPaper struct {
	ID          uuid.UUID
	Title       string
	Content     string
	SetterID    uuid.UUID
	CreatedAt   time.Time
	IsLocked    bool
	LockDate    *time.Time
	WatermarkID string
}

// RequestStatus is the lifecycle state of an UnlockRequest.
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
)

// UnlockRequest is one outstanding or resolved authorization negotiation
// between a setter and an authoriser. DynamicKey is set exactly once, at the
// PENDING -> APPROVED transition; the record is deleted when the key is
// redeemed, so a key is never reusable.
type UnlockRequest struct {
	ID         uuid.UUID
	PaperID    uuid.UUID
	SetterID   uuid.UUID
	Status     RequestStatus
	DynamicKey string
	CreatedAt  time.Time
}

// IsPending reports whether the request still awaits an authoriser decision.
func (r *UnlockRequest) IsPending() bool { return r.Status == RequestPending }

// AuditType classifies audit log entries.
type AuditType string

const (
	AuditLogin         AuditType = "LOGIN"
	AuditEdit          AuditType = "EDIT"
	AuditSecurityAlert AuditType = "SECURITY_ALERT"
	AuditUnlock        AuditType = "UNLOCK"
	AuditForensics     AuditType = "FORENSICS"
)

// Severity grades audit log entries.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AuditLog is an append-only event record. The sink keeps only the 500 most
// recent entries.
type AuditLog struct {
	ID        uuid.UUID
	Timestamp time.Time
	Type      AuditType
	UserID    string
	Details   string
	Severity  Severity
}

// OtpSession represents an OTP challenge issued during login.
type OtpSession struct {
	ID            uuid.UUID
	Email         string
	OTPHash       []byte
	ExpiresAt     time.Time
	ConsumedAt    *time.Time
	CreatedAt     time.Time
	AttemptCount  int
	LastAttemptAt *time.Time
	RequestIP     *string
	UserAgent     *string
}
