// Package unlock implements the two-party dynamic-key workflow that grants a
// setter temporary, session-level edit access to a sealed exam paper: the
// setter requests, an authoriser approves with a one-time key, and the setter
// redeems the key exactly once.
package unlock

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/examsentry/server/internal/model"
	"github.com/examsentry/server/internal/repo"
)

var (
	// ErrDuplicatePending rejects a new request while one is already pending
	// for the same paper.
	ErrDuplicatePending = errors.New("unlock request already pending for this paper")

	// ErrInvalidKey is the uniform redemption failure. It deliberately does
	// not distinguish wrong key, wrong paper, consumed or rejected, so a
	// caller probing keys learns nothing about protocol state.
	ErrInvalidKey = errors.New("invalid or expired authorization key")

	// ErrRequestNotFound reports an unknown request id to an authoriser.
	ErrRequestNotFound = errors.New("unlock request not found")

	// ErrNotPending rejects an authoriser decision on an already-resolved
	// request. APPROVED and REJECTED are never revisited.
	ErrNotPending = errors.New("unlock request already resolved")
)

const keyLength = 6

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Grant authorizes the current session to open one paper in an editable
// state. The persisted lock flag on the paper is untouched.
type Grant struct {
	PaperID   uuid.UUID
	SetterID  uuid.UUID
	RequestID uuid.UUID
}

// Engine owns the UnlockRequest lifecycle.
type Engine struct {
	requests repo.RequestRepo
	audit    repo.AuditRepo
}

// NewEngine creates the workflow engine.
func NewEngine(requests repo.RequestRepo, audit repo.AuditRepo) *Engine {
	return &Engine{requests: requests, audit: audit}
}

// Request creates a new PENDING request for the paper. At most one pending
// request may exist per paper; the check scans all stored requests at call
// time.
func (e *Engine) Request(ctx context.Context, paperID, setterID uuid.UUID) (model.UnlockRequest, error) {
	existing, err := e.requests.List(ctx)
	if err != nil {
		return model.UnlockRequest{}, fmt.Errorf("list requests: %w", err)
	}
	for i := range existing {
		if existing[i].PaperID == paperID && existing[i].IsPending() {
			return model.UnlockRequest{}, ErrDuplicatePending
		}
	}

	created, err := e.requests.Create(ctx, model.UnlockRequest{
		PaperID:  paperID,
		SetterID: setterID,
		Status:   model.RequestPending,
	})
	if err != nil {
		return model.UnlockRequest{}, fmt.Errorf("create request: %w", err)
	}
	return created, nil
}

// List returns every outstanding and resolved request for authoriser review.
func (e *Engine) List(ctx context.Context) ([]model.UnlockRequest, error) {
	return e.requests.List(ctx)
}

// Approve transitions PENDING -> APPROVED and mints the dynamic key. The key
// is 6 uppercase alphanumeric characters, unique among currently approved
// unredeemed requests (regenerated on collision). Emits a MEDIUM audit event.
func (e *Engine) Approve(ctx context.Context, requestID uuid.UUID, authoriserID uuid.UUID) (model.UnlockRequest, error) {
	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return model.UnlockRequest{}, ErrRequestNotFound
	}
	if !req.IsPending() {
		return model.UnlockRequest{}, ErrNotPending
	}

	all, err := e.requests.List(ctx)
	if err != nil {
		return model.UnlockRequest{}, fmt.Errorf("list requests: %w", err)
	}
	key, err := mintUniqueKey(all)
	if err != nil {
		return model.UnlockRequest{}, fmt.Errorf("mint dynamic key: %w", err)
	}

	req.Status = model.RequestApproved
	req.DynamicKey = key
	if err := e.requests.Update(ctx, req); err != nil {
		return model.UnlockRequest{}, fmt.Errorf("update request: %w", err)
	}

	_, err = e.audit.Append(ctx, model.AuditLog{
		Type:     model.AuditUnlock,
		UserID:   authoriserID.String(),
		Details:  "Unlock request approved. Dynamic key generated.",
		Severity: model.SeverityMedium,
	})
	if err != nil {
		return model.UnlockRequest{}, fmt.Errorf("append audit entry: %w", err)
	}
	return req, nil
}

// Reject transitions PENDING -> REJECTED. REJECTED is terminal.
func (e *Engine) Reject(ctx context.Context, requestID uuid.UUID, authoriserID uuid.UUID) (model.UnlockRequest, error) {
	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return model.UnlockRequest{}, ErrRequestNotFound
	}
	if !req.IsPending() {
		return model.UnlockRequest{}, ErrNotPending
	}

	req.Status = model.RequestRejected
	if err := e.requests.Update(ctx, req); err != nil {
		return model.UnlockRequest{}, fmt.Errorf("update request: %w", err)
	}

	_, err = e.audit.Append(ctx, model.AuditLog{
		Type:     model.AuditUnlock,
		UserID:   authoriserID.String(),
		Details:  "Unlock request rejected.",
		Severity: model.SeverityMedium,
	})
	if err != nil {
		return model.UnlockRequest{}, fmt.Errorf("append audit entry: %w", err)
	}
	return req, nil
}

// Redeem consumes an approved key for the paper. The key must match exactly
// as stored (uppercase). On success the request record is deleted, making the
// key one-time by construction, and a session grant is returned. Every other
// outcome is the uniform ErrInvalidKey.
func (e *Engine) Redeem(ctx context.Context, paperID uuid.UUID, submittedKey string) (Grant, error) {
	all, err := e.requests.List(ctx)
	if err != nil {
		return Grant{}, fmt.Errorf("list requests: %w", err)
	}
	for i := range all {
		req := all[i]
		if req.PaperID != paperID || req.Status != model.RequestApproved {
			continue
		}
		if req.DynamicKey == "" || req.DynamicKey != submittedKey {
			continue
		}
		if err := e.requests.Delete(ctx, req.ID); err != nil {
			return Grant{}, fmt.Errorf("consume request: %w", err)
		}
		return Grant{PaperID: req.PaperID, SetterID: req.SetterID, RequestID: req.ID}, nil
	}
	return Grant{}, ErrInvalidKey
}

// mintUniqueKey generates a 6-char uppercase alphanumeric key, retrying on
// collision with any currently approved unredeemed key. Collisions are
// unlikely given the token space, but regeneration keeps redemption
// unambiguous.
func mintUniqueKey(existing []model.UnlockRequest) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		key, err := mintKey()
		if err != nil {
			return "", err
		}
		collision := false
		for i := range existing {
			if existing[i].Status == model.RequestApproved && existing[i].DynamicKey == key {
				collision = true
				break
			}
		}
		if !collision {
			return key, nil
		}
	}
	return "", fmt.Errorf("could not mint a unique key")
}

func mintKey() (string, error) {
	b := make([]byte, keyLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, keyLength)
	for i, v := range b {
		out[i] = keyAlphabet[int(v)%len(keyAlphabet)]
	}
	return string(out), nil
}
