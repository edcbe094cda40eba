package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taxline/taxline/internal/database/models"
)

// taxCaseRepo implements TaxCaseRepository.
type taxCaseRepo struct {
	db *DB
}

// NewTaxCaseRepository creates a new TaxCaseRepository.
func NewTaxCaseRepository(db *DB) TaxCaseRepository {
	return &taxCaseRepo{db: db}
}

const taxCaseColumns = `id, client_id, tax_year, status, created_at, updated_at`

// Create inserts a new tax case.
func (r *taxCaseRepo) Create(ctx context.Context, tc *models.TaxCase) error {
	if tc.Status == "" {
		tc.Status = models.CaseAwaitingDocuments
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO tax_cases (client_id, tax_year, status) VALUES (?, ?, ?)`,
		tc.ClientID, tc.TaxYear, tc.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting tax case: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	tc.ID = id
	return nil
}

// GetByID returns a tax case by ID.
func (r *taxCaseRepo) GetByID(ctx context.Context, id int64) (*models.TaxCase, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+taxCaseColumns+` FROM tax_cases WHERE id = ?`, id,
	))
}

// LatestByClient returns the most recently created case for a client. The
// caller directory always resolves to this case's conversation.
func (r *taxCaseRepo) LatestByClient(ctx context.Context, clientID int64) (*models.TaxCase, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+taxCaseColumns+` FROM tax_cases
		 WHERE client_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, clientID,
	))
}

// ListAwaitingDocuments returns cases still waiting on documents that were
// created before the cutoff (the scheduler's grace period).
func (r *taxCaseRepo) ListAwaitingDocuments(ctx context.Context, createdBefore time.Time) ([]models.TaxCase, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taxCaseColumns+` FROM tax_cases
		 WHERE status = ? AND created_at < ? ORDER BY id`,
		models.CaseAwaitingDocuments, createdBefore.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return nil, fmt.Errorf("listing awaiting-documents cases: %w", err)
	}
	defer rows.Close()

	var cases []models.TaxCase
	for rows.Next() {
		var tc models.TaxCase
		if err := rows.Scan(&tc.ID, &tc.ClientID, &tc.TaxYear, &tc.Status, &tc.CreatedAt, &tc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning tax case: %w", err)
		}
		cases = append(cases, tc)
	}
	return cases, rows.Err()
}

func (r *taxCaseRepo) scanOne(row *sql.Row) (*models.TaxCase, error) {
	var tc models.TaxCase
	err := row.Scan(&tc.ID, &tc.ClientID, &tc.TaxYear, &tc.Status, &tc.CreatedAt, &tc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tax case: %w", err)
	}
	return &tc, nil
}
