package database

import (
	"context"
	"fmt"

	"github.com/taxline/taxline/internal/database/models"
)

// actionItemRepo implements ActionItemRepository.
type actionItemRepo struct {
	db *DB
}

// NewActionItemRepository creates a new ActionItemRepository.
func NewActionItemRepository(db *DB) ActionItemRepository {
	return &actionItemRepo{db: db}
}

// Create inserts a new staff action item.
func (r *actionItemRepo) Create(ctx context.Context, item *models.ActionItem) error {
	if item.Priority == "" {
		item.Priority = models.PriorityNormal
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO action_items (case_id, title, detail, priority) VALUES (?, ?, ?, ?)`,
		item.CaseID, item.Title, item.Detail, item.Priority,
	)
	if err != nil {
		return fmt.Errorf("inserting action item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	item.ID = id
	return nil
}

// ListOpen returns undone action items, newest first.
func (r *actionItemRepo) ListOpen(ctx context.Context) ([]models.ActionItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, case_id, title, detail, priority, done, created_at
		 FROM action_items WHERE done = 0 ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing action items: %w", err)
	}
	defer rows.Close()

	var items []models.ActionItem
	for rows.Next() {
		var item models.ActionItem
		if err := rows.Scan(&item.ID, &item.CaseID, &item.Title, &item.Detail, &item.Priority, &item.Done, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning action item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
