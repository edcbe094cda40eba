package callflow

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/taxline/taxline/internal/carrier"
	"github.com/taxline/taxline/internal/database"
	"github.com/taxline/taxline/internal/database/models"
	"github.com/taxline/taxline/internal/directory"
)

func TestSanitizeDuration(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"45", 45},
		{"45.9", 45},
		{"0", 0},
		{"-5", 0},
		{"20000", MaxRecordingSeconds},
		{"14400", 14400},
		{"garbage", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := SanitizeDuration(tt.raw); got != tt.want {
			t.Errorf("SanitizeDuration(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

type reconcilerFixture struct {
	db       *database.DB
	messages database.MessageRepository
	actions  database.ActionItemRepository
	convs    database.ConversationRepository
	rc       *Reconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clients := database.NewClientRepository(db)
	cases := database.NewTaxCaseRepository(db)
	convs := database.NewConversationRepository(db)
	messages := database.NewMessageRepository(db)
	actions := database.NewActionItemRepository(db)
	dir := directory.New(clients, cases, convs, database.NewProvisioner(db), logger)

	return &reconcilerFixture{
		db:       db,
		messages: messages,
		actions:  actions,
		convs:    convs,
		rc:       NewReconciler(messages, dir, actions, logger),
	}
}

// seedCallMessage provisions a conversation and stores a call message
// carrying the given call SID, mirroring what the incoming-call handler does.
func (f *reconcilerFixture) seedCallMessage(t *testing.T, phone, callSID string) *models.Message {
	t.Helper()
	ctx := context.Background()
	conv, err := database.NewProvisioner(f.db).Provision(ctx, phone, 2025)
	if err != nil {
		t.Fatal(err)
	}
	msg := &models.Message{
		ConversationID: conv.ID,
		Channel:        models.ChannelCall,
		Direction:      models.DirectionInbound,
		Body:           "Incoming call",
		ExternalID:     callSID,
		CallStatus:     "ringing",
	}
	if err := f.messages.Create(ctx, msg, nil); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestAttachRecording(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	f.seedCallMessage(t, "+15551234567", "CA100")

	outcome, err := f.rc.Attach(ctx, &carrier.RecordingComplete{
		CallSID:      "CA100",
		RecordingURL: "https://rec.example/CA100",
		Duration:     "88.2",
		Status:       "completed",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeAttached {
		t.Fatalf("outcome = %q, want attached", outcome)
	}

	msg, err := f.messages.LatestByExternalID(ctx, "CA100")
	if err != nil {
		t.Fatal(err)
	}
	if msg.RecordingURL != "https://rec.example/CA100" {
		t.Errorf("RecordingURL = %q", msg.RecordingURL)
	}
	if msg.RecordingDuration != 88 {
		t.Errorf("RecordingDuration = %d, want 88", msg.RecordingDuration)
	}
}

func TestAttachNonCompletedIgnored(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seedCallMessage(t, "+15551234567", "CA100")

	outcome, err := f.rc.Attach(context.Background(), &carrier.RecordingComplete{
		CallSID:      "CA100",
		RecordingURL: "https://rec.example/CA100",
		Status:       "failed",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeIgnored {
		t.Fatalf("outcome = %q, want ignored", outcome)
	}

	msg, err := f.messages.LatestByExternalID(context.Background(), "CA100")
	if err != nil {
		t.Fatal(err)
	}
	if msg.RecordingURL != "" {
		t.Errorf("RecordingURL = %q, want untouched", msg.RecordingURL)
	}
}

func TestAttachNoMatch(t *testing.T) {
	f := newReconcilerFixture(t)

	outcome, err := f.rc.Attach(context.Background(), &carrier.RecordingComplete{
		CallSID:      "CA404",
		RecordingURL: "https://rec.example/CA404",
		Status:       "completed",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeNoMatch {
		t.Fatalf("outcome = %q, want no_match", outcome)
	}
}

func TestAttachVoicemailProvisionsUnknownCaller(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()

	outcome, err := f.rc.AttachVoicemail(ctx, &carrier.RecordingComplete{
		CallSID:      "CA200",
		RecordingURL: "https://rec.example/CA200",
		Duration:     "30",
		Status:       "completed",
		From:         "+15557778888",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeProvisioned {
		t.Fatalf("outcome = %q, want provisioned", outcome)
	}

	msg, err := f.messages.LatestByExternalID(ctx, "CA200")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel != models.ChannelCall || msg.Direction != models.DirectionInbound {
		t.Errorf("message = %+v", msg)
	}
	if msg.RecordingURL != "https://rec.example/CA200" || msg.RecordingDuration != 30 {
		t.Errorf("recording fields = %q/%d", msg.RecordingURL, msg.RecordingDuration)
	}

	items, err := f.actions.ListOpen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("open action items = %d, want 1", len(items))
	}
	if items[0].Priority != models.PriorityHigh {
		t.Errorf("priority = %q, want high for a new number", items[0].Priority)
	}
	if items[0].Title != "Voicemail from new number" {
		t.Errorf("title = %q", items[0].Title)
	}
}

func TestAttachVoicemailDuplicateCallback(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	payload := &carrier.RecordingComplete{
		CallSID:      "CA300",
		RecordingURL: "https://rec.example/CA300",
		Duration:     "12",
		Status:       "completed",
		From:         "+15557778888",
	}

	if outcome, err := f.rc.AttachVoicemail(ctx, payload); err != nil || outcome != OutcomeProvisioned {
		t.Fatalf("first delivery: outcome=%q err=%v", outcome, err)
	}
	// Redelivery matches the voicemail message created by the first pass.
	outcome, err := f.rc.AttachVoicemail(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeAttached {
		t.Fatalf("redelivery outcome = %q, want attached", outcome)
	}
}

func TestAttachVoicemailUnparseableFrom(t *testing.T) {
	f := newReconcilerFixture(t)

	outcome, err := f.rc.AttachVoicemail(context.Background(), &carrier.RecordingComplete{
		CallSID:      "CA500",
		RecordingURL: "https://rec.example/CA500",
		Status:       "completed",
		From:         "anonymous",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeNoMatch {
		t.Fatalf("outcome = %q, want no_match", outcome)
	}
}
