package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/taxline/taxline/internal/database/models"
)

// conversationRepo implements ConversationRepository.
type conversationRepo struct {
	db *DB
}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository(db *DB) ConversationRepository {
	return &conversationRepo{db: db}
}

const conversationColumns = `id, case_id, unread_count, last_message_at, created_at`

// Create inserts a new conversation.
func (r *conversationRepo) Create(ctx context.Context, conv *models.Conversation) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO conversations (case_id) VALUES (?)`, conv.CaseID,
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	conv.ID = id
	return nil
}

// GetByID returns a conversation by ID.
func (r *conversationRepo) GetByID(ctx context.Context, id int64) (*models.Conversation, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id,
	))
}

// GetByCaseID returns the conversation for a case.
func (r *conversationRepo) GetByCaseID(ctx context.Context, caseID int64) (*models.Conversation, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE case_id = ?`, caseID,
	))
}

// MarkRead zeroes the unread counter.
func (r *conversationRepo) MarkRead(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET unread_count = 0 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("marking conversation read: %w", err)
	}
	return nil
}

func (r *conversationRepo) scanOne(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.CaseID, &c.UnreadCount, &c.LastMessageAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &c, nil
}
