package models

import "time"

// Message channel values.
const (
	ChannelSMS  = "sms"
	ChannelCall = "call"
)

// Message direction values.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Action item priorities.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Tax case statuses.
const (
	CaseAwaitingDocuments = "awaiting_documents"
	CaseInPreparation     = "in_preparation"
	CaseFiled             = "filed"
)

// Client represents a client of the practice, keyed by normalized phone
// number. Placeholder clients are provisioned automatically when an unknown
// number calls or texts in.
type Client struct {
	ID          int64
	ExternalRef string // stable uuid exposed to other systems
	Name        string
	Phone       string // canonical E.164
	Placeholder bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaxCase represents one tax year's engagement for a client.
type TaxCase struct {
	ID        int64
	ClientID  int64
	TaxYear   int
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Conversation is the per-case message thread. Created lazily on the first
// inbound or outbound event for a case; never deleted.
type Conversation struct {
	ID            int64
	CaseID        int64
	UnreadCount   int
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

// Message is an immutable record of one SMS or call event. ExternalID is
// the carrier's message/call SID; when present it is globally unique and a
// second webhook carrying the same id must be a no-op.
type Message struct {
	ID                int64
	ConversationID    int64
	Channel           string // ChannelSMS | ChannelCall
	Direction         string // DirectionInbound | DirectionOutbound
	Body              string
	Template          string // notification template name for outbound sends, "" otherwise
	ExternalID        string // carrier message/call SID
	CallStatus        string // carrier call lifecycle status
	DeliveryStatus    string // carrier SMS delivery status
	RecordingURL      string
	RecordingDuration int // seconds
	NumMedia          int
	CreatedAt         time.Time
}

// Attachment is one media item rehosted from an inbound MMS.
type Attachment struct {
	ID          int64
	MessageID   int64
	SourceURL   string
	ContentType string
	StoredPath  string // local path after rehosting, "" while fetch pending
	CreatedAt   time.Time
}

// ActionItem is a staff-facing work item raised by the orchestrator, e.g.
// "new text message" or "voicemail from unknown number".
type ActionItem struct {
	ID        int64
	CaseID    *int64
	Title     string
	Detail    string
	Priority  string // PriorityNormal | PriorityHigh
	Done      bool
	CreatedAt time.Time
}

// ReminderAudit summarizes one reminder scheduler run.
type ReminderAudit struct {
	ID        string // uuid
	RunAt     time.Time
	Eligible  int
	Sent      int
	Failed    int
	Throttled int
	CreatedAt time.Time
}
