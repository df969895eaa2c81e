package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/examsentry/server/internal/model"
)

// PaperRepo defines the interface for exam paper repository operations
type PaperRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.ExamPaper, error)
	ListBySetter(ctx context.Context, setterID uuid.UUID) ([]model.ExamPaper, error)
	Create(ctx context.Context, paper model.ExamPaper) (model.ExamPaper, error)
	Save(ctx context.Context, id uuid.UUID, title, content string) error
	Seal(ctx context.Context, id uuid.UUID, lockDate time.Time) error
}

type paperRepo struct {
	db *sql.DB
}

// NewPaperRepo creates a new PaperRepo instance
func NewPaperRepo(db *sql.DB) PaperRepo {
	return &paperRepo{db: db}
}

const paperColumns = `id, title, content, setter_id, created_at, is_locked, lock_date, watermark_id`

func scanPaper(row interface{ Scan(...any) error }) (model.ExamPaper, error) {
	var paper model.ExamPaper
	var idStr, setterStr string
	err := row.Scan(
		&idStr,
		&paper.Title,
		&paper.Content,
		&setterStr,
		&paper.CreatedAt,
		&paper.IsLocked,
		&paper.LockDate,
		&paper.WatermarkID,
	)
	if err != nil {
		return model.ExamPaper{}, err
	}
	if paper.ID, err = uuid.Parse(idStr); err != nil {
		return model.ExamPaper{}, fmt.Errorf("failed to parse paper ID: %w", err)
	}
	if paper.SetterID, err = uuid.Parse(setterStr); err != nil {
		return model.ExamPaper{}, fmt.Errorf("failed to parse setter ID: %w", err)
	}
	return paper, nil
}

// GetByID retrieves a paper by ID
func (r *paperRepo) GetByID(ctx context.Context, id uuid.UUID) (model.ExamPaper, error) {
	query := `SELECT ` + paperColumns + ` FROM papers WHERE id = $1`
	paper, err := scanPaper(r.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if err == sql.ErrNoRows {
			return model.ExamPaper{}, fmt.Errorf("paper not found: %w", err)
		}
		return model.ExamPaper{}, fmt.Errorf("failed to query paper: %w", err)
	}
	return paper, nil
}

// ListBySetter returns all papers authored by the setter, newest first.
func (r *paperRepo) ListBySetter(ctx context.Context, setterID uuid.UUID) ([]model.ExamPaper, error) {
	query := `SELECT ` + paperColumns + ` FROM papers WHERE setter_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, setterID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query papers: %w", err)
	}
	defer rows.Close()

	var papers []model.ExamPaper
	for rows.Next() {
		paper, err := scanPaper(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan paper: %w", err)
		}
		papers = append(papers, paper)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate papers: %w", err)
	}
	return papers, nil
}

// Create inserts a new paper and returns the stored row.
func (r *paperRepo) Create(ctx context.Context, paper model.ExamPaper) (model.ExamPaper, error) {
	query := `
		INSERT INTO papers (title, content, setter_id, is_locked, watermark_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + paperColumns
	row := r.db.QueryRowContext(ctx, query,
		paper.Title, paper.Content, paper.SetterID.String(), paper.IsLocked, paper.WatermarkID)
	created, err := scanPaper(row)
	if err != nil {
		return model.ExamPaper{}, fmt.Errorf("failed to insert paper: %w", err)
	}
	return created, nil
}

// Save updates title and content without touching the lock state.
func (r *paperRepo) Save(ctx context.Context, id uuid.UUID, title, content string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE papers SET title = $2, content = $3 WHERE id = $1`,
		id.String(), title, content)
	if err != nil {
		return fmt.Errorf("failed to save paper: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("paper not found")
	}
	return nil
}

// Seal marks the paper locked and records the lock date. Sealing is
// one-directional: there is no corresponding unseal update.
func (r *paperRepo) Seal(ctx context.Context, id uuid.UUID, lockDate time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE papers SET is_locked = TRUE, lock_date = $2 WHERE id = $1`,
		id.String(), lockDate)
	if err != nil {
		return fmt.Errorf("failed to seal paper: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("paper not found")
	}
	return nil
}
