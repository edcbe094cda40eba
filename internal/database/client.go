package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/taxline/taxline/internal/database/models"
)

// clientRepo implements ClientRepository.
type clientRepo struct {
	db *DB
}

// NewClientRepository creates a new ClientRepository.
func NewClientRepository(db *DB) ClientRepository {
	return &clientRepo{db: db}
}

const clientColumns = `id, external_ref, name, phone, placeholder, created_at, updated_at`

// Create inserts a new client.
func (r *clientRepo) Create(ctx context.Context, client *models.Client) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO clients (external_ref, name, phone, placeholder)
		 VALUES (?, ?, ?, ?)`,
		client.ExternalRef, client.Name, client.Phone, client.Placeholder,
	)
	if err != nil {
		return fmt.Errorf("inserting client: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	client.ID = id
	return nil
}

// GetByID returns a client by ID.
func (r *clientRepo) GetByID(ctx context.Context, id int64) (*models.Client, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE id = ?`, id,
	))
}

// GetByAnyPhone returns the client whose stored phone matches any of the
// candidate formats. Data predating phone normalization stores numbers in
// three shapes (raw, E.164, digits-only), so the directory passes all of
// them and the first match wins.
func (r *clientRepo) GetByAnyPhone(ctx context.Context, candidates []string) (*models.Client, error) {
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(candidates)), ",")
	args := make([]any, len(candidates))
	for i, c := range candidates {
		args[i] = c
	}

	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE phone IN (`+placeholders+`) LIMIT 1`,
		args...,
	))
}

func (r *clientRepo) scanOne(row *sql.Row) (*models.Client, error) {
	var c models.Client
	err := row.Scan(&c.ID, &c.ExternalRef, &c.Name, &c.Phone, &c.Placeholder, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning client: %w", err)
	}
	return &c, nil
}
