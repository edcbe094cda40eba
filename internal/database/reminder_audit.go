package database

import (
	"context"
	"fmt"

	"github.com/taxline/taxline/internal/database/models"
)

// reminderAuditRepo implements ReminderAuditRepository.
type reminderAuditRepo struct {
	db *DB
}

// NewReminderAuditRepository creates a new ReminderAuditRepository.
func NewReminderAuditRepository(db *DB) ReminderAuditRepository {
	return &reminderAuditRepo{db: db}
}

// Create inserts a scheduler run summary.
func (r *reminderAuditRepo) Create(ctx context.Context, audit *models.ReminderAudit) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reminder_audits (id, run_at, eligible, sent, failed, throttled)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		audit.ID, audit.RunAt.UTC().Format("2006-01-02 15:04:05"),
		audit.Eligible, audit.Sent, audit.Failed, audit.Throttled,
	)
	if err != nil {
		return fmt.Errorf("inserting reminder audit: %w", err)
	}
	return nil
}
