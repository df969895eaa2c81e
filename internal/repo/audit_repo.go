package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/examsentry/server/internal/model"
)

// maxAuditEntries caps the audit log; older rows are pruned on append.
const maxAuditEntries = 500

// AuditRepo defines the interface for the append-only audit log sink.
type AuditRepo interface {
	Append(ctx context.Context, entry model.AuditLog) (model.AuditLog, error)
	List(ctx context.Context) ([]model.AuditLog, error)
}

type auditRepo struct {
	db *sql.DB
}

// NewAuditRepo creates a new AuditRepo instance
func NewAuditRepo(db *sql.DB) AuditRepo {
	return &auditRepo{db: db}
}

// Append inserts an entry and prunes everything beyond the 500 most recent.
func (r *auditRepo) Append(ctx context.Context, entry model.AuditLog) (model.AuditLog, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.AuditLog{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var idStr string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_logs (type, user_id, details, severity)
		VALUES ($1, $2, $3, $4)
		RETURNING id, ts
	`, string(entry.Type), entry.UserID, entry.Details, string(entry.Severity)).Scan(&idStr, &entry.Timestamp)
	if err != nil {
		return model.AuditLog{}, fmt.Errorf("insert audit entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM audit_logs
		WHERE id NOT IN (SELECT id FROM audit_logs ORDER BY ts DESC LIMIT $1)
	`, maxAuditEntries)
	if err != nil {
		return model.AuditLog{}, fmt.Errorf("prune audit log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.AuditLog{}, fmt.Errorf("commit: %w", err)
	}

	entry.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.AuditLog{}, fmt.Errorf("parse audit entry ID: %w", err)
	}
	return entry, nil
}

// List returns the retained entries, newest first.
func (r *auditRepo) List(ctx context.Context) ([]model.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ts, type, user_id, details, severity
		FROM audit_logs
		ORDER BY ts DESC
		LIMIT $1
	`, maxAuditEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditLog
	for rows.Next() {
		var entry model.AuditLog
		var idStr, typ, severity string
		if err := rows.Scan(&idStr, &entry.Timestamp, &typ, &entry.UserID, &entry.Details, &severity); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Type = model.AuditType(typ)
		entry.Severity = model.Severity(severity)
		if entry.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("failed to parse audit entry ID: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit log: %w", err)
	}
	return entries, nil
}
