package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/examsentry/server/internal/model"
)

// RequestRepo defines the interface for unlock request repository operations.
// The workflow engine scans the whole collection at call time, so List is the
// primary read; no paper-keyed index is assumed.
type RequestRepo interface {
	List(ctx context.Context) ([]model.UnlockRequest, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.UnlockRequest, error)
	Create(ctx context.Context, req model.UnlockRequest) (model.UnlockRequest, error)
	Update(ctx context.Context, req model.UnlockRequest) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type requestRepo struct {
	db *sql.DB
}

// NewRequestRepo creates a new RequestRepo instance
func NewRequestRepo(db *sql.DB) RequestRepo {
	return &requestRepo{db: db}
}

const requestColumns = `id, paper_id, setter_id, status, dynamic_key, created_at`

func scanRequest(row interface{ Scan(...any) error }) (model.UnlockRequest, error) {
	var req model.UnlockRequest
	var idStr, paperStr, setterStr, status string
	var key sql.NullString
	err := row.Scan(&idStr, &paperStr, &setterStr, &status, &key, &req.CreatedAt)
	if err != nil {
		return model.UnlockRequest{}, err
	}
	req.Status = model.RequestStatus(status)
	req.DynamicKey = key.String
	if req.ID, err = uuid.Parse(idStr); err != nil {
		return model.UnlockRequest{}, fmt.Errorf("failed to parse request ID: %w", err)
	}
	if req.PaperID, err = uuid.Parse(paperStr); err != nil {
		return model.UnlockRequest{}, fmt.Errorf("failed to parse paper ID: %w", err)
	}
	if req.SetterID, err = uuid.Parse(setterStr); err != nil {
		return model.UnlockRequest{}, fmt.Errorf("failed to parse setter ID: %w", err)
	}
	return req, nil
}

// List returns every unlock request, oldest first.
func (r *requestRepo) List(ctx context.Context) ([]model.UnlockRequest, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM unlock_requests ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var reqs []model.UnlockRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate requests: %w", err)
	}
	return reqs, nil
}

// GetByID retrieves one request by ID
func (r *requestRepo) GetByID(ctx context.Context, id uuid.UUID) (model.UnlockRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM unlock_requests WHERE id = $1`, id.String())
	req, err := scanRequest(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.UnlockRequest{}, fmt.Errorf("request not found: %w", err)
		}
		return model.UnlockRequest{}, fmt.Errorf("failed to query request: %w", err)
	}
	return req, nil
}

// Create inserts a new request and returns the stored row.
func (r *requestRepo) Create(ctx context.Context, req model.UnlockRequest) (model.UnlockRequest, error) {
	query := `
		INSERT INTO unlock_requests (paper_id, setter_id, status)
		VALUES ($1, $2, $3)
		RETURNING ` + requestColumns
	row := r.db.QueryRowContext(ctx, query, req.PaperID.String(), req.SetterID.String(), string(req.Status))
	created, err := scanRequest(row)
	if err != nil {
		return model.UnlockRequest{}, fmt.Errorf("failed to insert request: %w", err)
	}
	return created, nil
}

// Update persists status and dynamic key changes.
func (r *requestRepo) Update(ctx context.Context, req model.UnlockRequest) error {
	var key sql.NullString
	if req.DynamicKey != "" {
		key = sql.NullString{String: req.DynamicKey, Valid: true}
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE unlock_requests SET status = $2, dynamic_key = $3 WHERE id = $1`,
		req.ID.String(), string(req.Status), key)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("request not found")
	}
	return nil
}

// Delete removes a request record outright (one-time key redemption).
func (r *requestRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM unlock_requests WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("request not found")
	}
	return nil
}
