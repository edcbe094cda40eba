package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/taxline/taxline/internal/database/models"
)

// provisioner implements Provisioner: the atomic client/case/conversation
// triple for a previously unknown phone number.
type provisioner struct {
	db *DB
}

// NewProvisioner creates a new Provisioner.
func NewProvisioner(db *DB) Provisioner {
	return &provisioner{db: db}
}

// Provision upserts a placeholder client for the phone number, creates a
// case for the given tax year if none exists, and creates the conversation,
// all in one transaction. The client upsert is keyed on phone so concurrent
// webhooks from the same new number converge on one client row instead of
// racing an insert.
func (p *provisioner) Provision(ctx context.Context, canonicalPhone string, taxYear int) (*models.Conversation, error) {
	var conv models.Conversation

	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		// Upsert the placeholder client. ON CONFLICT DO UPDATE keeps the
		// existing row (and name, set later by staff) and returns its id.
		var clientID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO clients (external_ref, name, phone, placeholder)
			 VALUES (?, '', ?, 1)
			 ON CONFLICT(phone) DO UPDATE SET updated_at = datetime('now')
			 RETURNING id`,
			uuid.NewString(), canonicalPhone,
		).Scan(&clientID)
		if err != nil {
			return fmt.Errorf("upserting placeholder client: %w", err)
		}

		// Create the current-year case if the client does not have one.
		var caseID int64
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM tax_cases WHERE client_id = ? AND tax_year = ?`,
			clientID, taxYear,
		).Scan(&caseID)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.QueryRowContext(ctx,
				`INSERT INTO tax_cases (client_id, tax_year, status) VALUES (?, ?, ?) RETURNING id`,
				clientID, taxYear, models.CaseAwaitingDocuments,
			).Scan(&caseID)
		}
		if err != nil {
			return fmt.Errorf("resolving case for client %d: %w", clientID, err)
		}

		// Create the conversation if the case does not have one.
		err = tx.QueryRowContext(ctx,
			`SELECT id, case_id, unread_count, created_at FROM conversations WHERE case_id = ?`,
			caseID,
		).Scan(&conv.ID, &conv.CaseID, &conv.UnreadCount, &conv.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.QueryRowContext(ctx,
				`INSERT INTO conversations (case_id) VALUES (?) RETURNING id, case_id, unread_count, created_at`,
				caseID,
			).Scan(&conv.ID, &conv.CaseID, &conv.UnreadCount, &conv.CreatedAt)
		}
		if err != nil {
			return fmt.Errorf("resolving conversation for case %d: %w", caseID, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &conv, nil
}
