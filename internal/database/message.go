package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taxline/taxline/internal/database/models"
)

// messageRepo implements MessageRepository.
type messageRepo struct {
	db *DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *DB) MessageRepository {
	return &messageRepo{db: db}
}

const messageColumns = `id, conversation_id, channel, direction, body, template,
	COALESCE(external_id, ''), call_status, delivery_status, recording_url,
	recording_duration, num_media, created_at`

// Create inserts the message, its attachments, and the conversation counter
// updates in a single transaction, so a webhook retry never observes a
// half-updated conversation. Inbound messages bump unread_count; both
// directions bump last_message_at. A replayed external id surfaces as
// ErrDuplicate via the unique index.
func (r *messageRepo) Create(ctx context.Context, msg *models.Message, attachments []models.Attachment) error {
	return r.db.InTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, channel, direction, body, template,
			 external_id, call_status, delivery_status, recording_url, recording_duration, num_media)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ConversationID, msg.Channel, msg.Direction, msg.Body, msg.Template,
			nullIfEmpty(msg.ExternalID), msg.CallStatus, msg.DeliveryStatus,
			msg.RecordingURL, msg.RecordingDuration, msg.NumMedia,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting message: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("getting last insert id: %w", err)
		}
		msg.ID = id

		for i := range attachments {
			attachments[i].MessageID = id
			res, err := tx.ExecContext(ctx,
				`INSERT INTO attachments (message_id, source_url, content_type, stored_path)
				 VALUES (?, ?, ?, ?)`,
				id, attachments[i].SourceURL, attachments[i].ContentType, attachments[i].StoredPath,
			)
			if err != nil {
				return fmt.Errorf("inserting attachment: %w", err)
			}
			if aid, err := res.LastInsertId(); err == nil {
				attachments[i].ID = aid
			}
		}

		unreadDelta := 0
		if msg.Direction == models.DirectionInbound {
			unreadDelta = 1
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations
			 SET unread_count = unread_count + ?, last_message_at = datetime('now')
			 WHERE id = ?`,
			unreadDelta, msg.ConversationID,
		); err != nil {
			return fmt.Errorf("updating conversation counters: %w", err)
		}

		return nil
	})
}

// GetByID returns a message by ID.
func (r *messageRepo) GetByID(ctx context.Context, id int64) (*models.Message, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id,
	))
}

// ExternalIDExists reports whether any message already carries the carrier id.
func (r *messageRepo) ExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE external_id = ?`, externalID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking external id: %w", err)
	}
	return count > 0, nil
}

// LatestByExternalID returns the most recent message with the given carrier id.
func (r *messageRepo) LatestByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE external_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, externalID,
	))
}

// AttachRecording finds the most recent message with the given call SID and
// sets the recording fields. The read and write share one transaction so a
// duplicate recording callback either updates the same row again (idempotent)
// or blocks briefly behind the first writer.
func (r *messageRepo) AttachRecording(ctx context.Context, callSID, recordingURL string, durationSeconds int) error {
	return r.db.InTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM messages
			 WHERE external_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, callSID,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("finding message for call %s: %w", callSID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET recording_url = ?, recording_duration = ? WHERE id = ?`,
			recordingURL, durationSeconds, id,
		); err != nil {
			return fmt.Errorf("attaching recording to message %d: %w", id, err)
		}
		return nil
	})
}

// UpdateCallStatus sets the call lifecycle status on the most recent message
// with the given call SID.
func (r *messageRepo) UpdateCallStatus(ctx context.Context, callSID, status string) error {
	return r.db.InTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM messages
			 WHERE external_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, callSID,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("finding message for call %s: %w", callSID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET call_status = ? WHERE id = ?`, status, id,
		); err != nil {
			return fmt.Errorf("updating call status on message %d: %w", id, err)
		}
		return nil
	})
}

// UpdateDeliveryStatus sets the SMS delivery status on the message with the
// given message SID.
func (r *messageRepo) UpdateDeliveryStatus(ctx context.Context, messageSID, status string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status = ? WHERE external_id = ?`, status, messageSID,
	)
	if err != nil {
		return fmt.Errorf("updating delivery status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LastOutboundTemplateSince reports whether an outbound message with the
// given template exists in the conversation since the cutoff. This is the
// throttle predicate's backing query; the throttle state is always derived
// from message history, never a separate counter.
func (r *messageRepo) LastOutboundTemplateSince(ctx context.Context, conversationID int64, template string, since time.Time) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE conversation_id = ? AND template = ? AND direction = ? AND created_at >= ?`,
		conversationID, template, models.DirectionOutbound, since.UTC().Format("2006-01-02 15:04:05"),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking outbound template window: %w", err)
	}
	return count > 0, nil
}

// ListByConversation returns all messages in a conversation, oldest first.
func (r *messageRepo) ListByConversation(ctx context.Context, conversationID int64) ([]models.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? ORDER BY created_at, id`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// CountByDirection returns stored message counts grouped by direction.
func (r *messageRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM messages GROUP BY direction`,
	)
	if err != nil {
		return nil, fmt.Errorf("counting messages by direction: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var direction string
		var n int64
		if err := rows.Scan(&direction, &n); err != nil {
			return nil, fmt.Errorf("scanning message count: %w", err)
		}
		counts[direction] = n
	}
	return counts, rows.Err()
}

// ListAttachments returns the attachments for a message.
func (r *messageRepo) ListAttachments(ctx context.Context, messageID int64) ([]models.Attachment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, message_id, source_url, content_type, stored_path, created_at
		 FROM attachments WHERE message_id = ? ORDER BY id`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	defer rows.Close()

	var atts []models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.SourceURL, &a.ContentType, &a.StoredPath, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// SetAttachmentStoredPath records where a fetched media item was rehosted.
func (r *messageRepo) SetAttachmentStoredPath(ctx context.Context, attachmentID int64, storedPath string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE attachments SET stored_path = ? WHERE id = ?`, storedPath, attachmentID,
	)
	if err != nil {
		return fmt.Errorf("updating attachment stored path: %w", err)
	}
	return nil
}

func (r *messageRepo) scanOne(row *sql.Row) (*models.Message, error) {
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (*models.Message, error) {
	var m models.Message
	err := s.Scan(&m.ID, &m.ConversationID, &m.Channel, &m.Direction, &m.Body,
		&m.Template, &m.ExternalID, &m.CallStatus, &m.DeliveryStatus,
		&m.RecordingURL, &m.RecordingDuration, &m.NumMedia, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return &m, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
