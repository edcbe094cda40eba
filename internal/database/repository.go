package database

import (
	"context"
	"time"

	"github.com/taxline/taxline/internal/database/models"
)

// ClientRepository manages practice clients keyed by phone number.
type ClientRepository interface {
	Create(ctx context.Context, client *models.Client) error
	GetByID(ctx context.Context, id int64) (*models.Client, error)
	// GetByAnyPhone looks a client up by any of the candidate storage
	// formats (raw, E.164, digits-only) the directory derives for a number.
	GetByAnyPhone(ctx context.Context, candidates []string) (*models.Client, error)
}

// TaxCaseRepository manages per-year tax engagements.
type TaxCaseRepository interface {
	Create(ctx context.Context, tc *models.TaxCase) error
	GetByID(ctx context.Context, id int64) (*models.TaxCase, error)
	LatestByClient(ctx context.Context, clientID int64) (*models.TaxCase, error)
	// ListAwaitingDocuments returns cases in awaiting_documents status
	// created before the cutoff, for the reminder scheduler.
	ListAwaitingDocuments(ctx context.Context, createdBefore time.Time) ([]models.TaxCase, error)
}

// ConversationRepository manages per-case message threads.
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation) error
	GetByID(ctx context.Context, id int64) (*models.Conversation, error)
	GetByCaseID(ctx context.Context, caseID int64) (*models.Conversation, error)
	MarkRead(ctx context.Context, id int64) error
}

// MessageRepository manages the immutable message log plus the conversation
// counters it implies.
type MessageRepository interface {
	// Create inserts the message, its attachments, and the conversation
	// counter updates (unread_count, last_message_at) in one transaction.
	Create(ctx context.Context, msg *models.Message, attachments []models.Attachment) error
	GetByID(ctx context.Context, id int64) (*models.Message, error)
	// ExternalIDExists backs the idempotency guard.
	ExternalIDExists(ctx context.Context, externalID string) (bool, error)
	LatestByExternalID(ctx context.Context, externalID string) (*models.Message, error)
	// AttachRecording finds the most recent message with the given call SID
	// and sets the recording fields, inside one transaction. Returns
	// ErrNotFound if no message carries that SID.
	AttachRecording(ctx context.Context, callSID, recordingURL string, durationSeconds int) error
	// UpdateCallStatus sets the call lifecycle status on the most recent
	// message with the given call SID. Returns ErrNotFound on no match.
	UpdateCallStatus(ctx context.Context, callSID, status string) error
	// UpdateDeliveryStatus sets the SMS delivery status on the message with
	// the given message SID. Returns ErrNotFound on no match.
	UpdateDeliveryStatus(ctx context.Context, messageSID, status string) error
	// LastOutboundTemplateSince reports whether an outbound message with
	// the given template name exists in the conversation since the cutoff.
	LastOutboundTemplateSince(ctx context.Context, conversationID int64, template string, since time.Time) (bool, error)
	ListByConversation(ctx context.Context, conversationID int64) ([]models.Message, error)
	// CountByDirection returns stored message counts by direction, for the
	// metrics collector.
	CountByDirection(ctx context.Context) (map[string]int64, error)
	ListAttachments(ctx context.Context, messageID int64) ([]models.Attachment, error)
	SetAttachmentStoredPath(ctx context.Context, attachmentID int64, storedPath string) error
}

// ActionItemRepository manages staff-facing work items.
type ActionItemRepository interface {
	Create(ctx context.Context, item *models.ActionItem) error
	ListOpen(ctx context.Context) ([]models.ActionItem, error)
}

// ReminderAuditRepository records reminder scheduler run summaries.
type ReminderAuditRepository interface {
	Create(ctx context.Context, audit *models.ReminderAudit) error
}

// Provisioner atomically creates the placeholder client/case/conversation
// triple for a previously unknown phone number. Concurrent calls for the
// same number converge on one client row.
type Provisioner interface {
	Provision(ctx context.Context, canonicalPhone string, taxYear int) (*models.Conversation, error)
}
