// Package papers owns the exam paper lifecycle around the locking protocol:
// creation with a traceability watermark, draft saves, and the one-way
// finalize-and-seal action.
package papers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/examsentry/server/internal/model"
	"github.com/examsentry/server/internal/repo"
)

var (
	// ErrPaperSealed rejects edits to a sealed paper without a session grant.
	ErrPaperSealed = errors.New("paper is sealed; request authorization to edit")

	// ErrNotOwner rejects operations by a setter who does not own the paper.
	ErrNotOwner = errors.New("paper belongs to a different setter")
)

// Service provides paper operations for setters.
type Service struct {
	papers repo.PaperRepo
	audit  repo.AuditRepo
	now    func() time.Time
}

// NewService creates the paper service.
func NewService(papers repo.PaperRepo, audit repo.AuditRepo) *Service {
	return &Service{papers: papers, audit: audit, now: time.Now}
}

// Create initializes a new unsealed paper with an embedded watermark id.
func (s *Service) Create(ctx context.Context, setter model.User) (model.ExamPaper, error) {
	paper := model.ExamPaper{
		Title:       "Untitled Exam Paper",
		Content:     "Start writing exam questions here...",
		SetterID:    setter.ID,
		WatermarkID: watermarkID(setter.ID, s.now()),
	}
	created, err := s.papers.Create(ctx, paper)
	if err != nil {
		return model.ExamPaper{}, err
	}
	_, err = s.audit.Append(ctx, model.AuditLog{
		Type:     model.AuditEdit,
		UserID:   setter.ID.String(),
		Details:  fmt.Sprintf("New secure paper %s initialized.", created.ID),
		Severity: model.SeverityLow,
	})
	if err != nil {
		return model.ExamPaper{}, err
	}
	return created, nil
}

// List returns the setter's papers.
func (s *Service) List(ctx context.Context, setterID uuid.UUID) ([]model.ExamPaper, error) {
	return s.papers.ListBySetter(ctx, setterID)
}

// Get returns one paper, enforcing ownership.
func (s *Service) Get(ctx context.Context, setterID, paperID uuid.UUID) (model.ExamPaper, error) {
	paper, err := s.papers.GetByID(ctx, paperID)
	if err != nil {
		return model.ExamPaper{}, err
	}
	if paper.SetterID != setterID {
		return model.ExamPaper{}, ErrNotOwner
	}
	return paper, nil
}

// Save updates a draft. A sealed paper may only be saved by a session
// holding an unlock grant; the caller passes that determination in.
func (s *Service) Save(ctx context.Context, setterID, paperID uuid.UUID, title, content string, hasGrant bool) error {
	paper, err := s.Get(ctx, setterID, paperID)
	if err != nil {
		return err
	}
	if paper.IsLocked && !hasGrant {
		return ErrPaperSealed
	}
	return s.papers.Save(ctx, paperID, title, content)
}

// Seal finalizes the paper: the lock flag is set with the seal time and is
// never cleared afterwards. Editing a sealed paper requires the unlock
// workflow, which grants session-level access only.
func (s *Service) Seal(ctx context.Context, setterID, paperID uuid.UUID) (model.ExamPaper, error) {
	paper, err := s.Get(ctx, setterID, paperID)
	if err != nil {
		return model.ExamPaper{}, err
	}
	if err := s.papers.Seal(ctx, paperID, s.now()); err != nil {
		return model.ExamPaper{}, err
	}
	_, err = s.audit.Append(ctx, model.AuditLog{
		Type:     model.AuditEdit,
		UserID:   setterID.String(),
		Details:  fmt.Sprintf("Paper %s finalized and sealed.", paper.ID),
		Severity: model.SeverityMedium,
	})
	if err != nil {
		return model.ExamPaper{}, err
	}
	return s.papers.GetByID(ctx, paperID)
}

// watermarkID builds the forensic watermark embedded in exports:
// W-ST-<setter prefix>-<timestamp suffix>.
func watermarkID(setterID uuid.UUID, at time.Time) string {
	id := setterID.String()
	ts := fmt.Sprintf("%d", at.UnixMilli())
	if len(ts) > 6 {
		ts = ts[len(ts)-6:]
	}
	return fmt.Sprintf("W-ST-%s-%s", id[:4], ts)
}
