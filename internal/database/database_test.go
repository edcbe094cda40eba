package database

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/taxline/taxline/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsCreateSchema(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{
		"clients", "tax_cases", "conversations", "messages",
		"attachments", "action_items", "reminder_audits",
	} {
		var name string
		err := db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	// Reopening must not re-run applied migrations.
	db, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var applied int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatal(err)
	}
	if applied == 0 {
		t.Error("no migrations recorded")
	}
}

func TestMessageDuplicateExternalID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	conv, err := NewProvisioner(db).Provision(ctx, "+15551234567", 2025)
	if err != nil {
		t.Fatal(err)
	}
	messages := NewMessageRepository(db)

	msg := &models.Message{
		ConversationID: conv.ID,
		Channel:        models.ChannelSMS,
		Direction:      models.DirectionInbound,
		Body:           "first",
		ExternalID:     "SM1",
	}
	if err := messages.Create(ctx, msg, nil); err != nil {
		t.Fatal(err)
	}

	replay := &models.Message{
		ConversationID: conv.ID,
		Channel:        models.ChannelSMS,
		Direction:      models.DirectionInbound,
		Body:           "replayed",
		ExternalID:     "SM1",
	}
	if err := messages.Create(ctx, replay, nil); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("error = %v, want ErrDuplicate", err)
	}

	// The failed insert rolls back completely: no counter drift.
	convs := NewConversationRepository(db)
	got, err := convs.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadCount != 1 {
		t.Errorf("unread_count = %d, want 1", got.UnreadCount)
	}
}

func TestMessagesWithoutExternalIDCoexist(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	conv, err := NewProvisioner(db).Provision(ctx, "+15551234567", 2025)
	if err != nil {
		t.Fatal(err)
	}
	messages := NewMessageRepository(db)

	// The unique index is partial; id-less messages must not collide.
	for i := 0; i < 2; i++ {
		msg := &models.Message{
			ConversationID: conv.ID,
			Channel:        models.ChannelCall,
			Direction:      models.DirectionInbound,
			Body:           "note",
		}
		if err := messages.Create(ctx, msg, nil); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
}

func TestConversationCounters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	conv, err := NewProvisioner(db).Provision(ctx, "+15551234567", 2025)
	if err != nil {
		t.Fatal(err)
	}
	messages := NewMessageRepository(db)
	convs := NewConversationRepository(db)

	inbound := &models.Message{
		ConversationID: conv.ID,
		Channel:        models.ChannelSMS,
		Direction:      models.DirectionInbound,
		Body:           "hi",
		ExternalID:     uuid.NewString(),
	}
	if err := messages.Create(ctx, inbound, nil); err != nil {
		t.Fatal(err)
	}

	outbound := &models.Message{
		ConversationID: conv.ID,
		Channel:        models.ChannelSMS,
		Direction:      models.DirectionOutbound,
		Body:           "hello back",
		ExternalID:     uuid.NewString(),
	}
	if err := messages.Create(ctx, outbound, nil); err != nil {
		t.Fatal(err)
	}

	got, err := convs.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Only inbound messages count as unread.
	if got.UnreadCount != 1 {
		t.Errorf("unread_count = %d, want 1", got.UnreadCount)
	}
	if got.LastMessageAt == nil {
		t.Error("last_message_at not set")
	}

	if err := convs.MarkRead(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	got, err = convs.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadCount != 0 {
		t.Errorf("unread_count after MarkRead = %d", got.UnreadCount)
	}
}

func TestAttachRecordingNotFound(t *testing.T) {
	db := openTestDB(t)
	messages := NewMessageRepository(db)

	err := messages.AttachRecording(context.Background(), "CA404", "https://rec.example/x", 10)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestUpdateDeliveryStatusNotFound(t *testing.T) {
	db := openTestDB(t)
	messages := NewMessageRepository(db)

	err := messages.UpdateDeliveryStatus(context.Background(), "SM404", "delivered")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestExternalIDExists(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	messages := NewMessageRepository(db)

	// Empty ids are never considered stored.
	exists, err := messages.ExternalIDExists(ctx, "")
	if err != nil || exists {
		t.Fatalf("empty id: exists=%v err=%v", exists, err)
	}

	conv, err := NewProvisioner(db).Provision(ctx, "+15551234567", 2025)
	if err != nil {
		t.Fatal(err)
	}
	msg := &models.Message{
		ConversationID: conv.ID,
		Channel:        models.ChannelSMS,
		Direction:      models.DirectionInbound,
		Body:           "hi",
		ExternalID:     "SM1",
	}
	if err := messages.Create(ctx, msg, nil); err != nil {
		t.Fatal(err)
	}

	exists, err = messages.ExternalIDExists(ctx, "SM1")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("stored id reported missing")
	}
}

func TestProvisionIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := NewProvisioner(db)

	first, err := p.Provision(ctx, "+15551234567", 2025)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Provision(ctx, "+15551234567", 2025)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("conversations differ: %d vs %d", first.ID, second.ID)
	}

	var clients, cases int
	if err := db.QueryRow(`SELECT COUNT(*) FROM clients`).Scan(&clients); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM tax_cases`).Scan(&cases); err != nil {
		t.Fatal(err)
	}
	if clients != 1 || cases != 1 {
		t.Errorf("clients=%d cases=%d, want 1/1", clients, cases)
	}
}

func TestProvisionNewYearNewCase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := NewProvisioner(db)

	first, err := p.Provision(ctx, "+15551234567", 2024)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Provision(ctx, "+15551234567", 2025)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Error("different tax years must get different conversations")
	}

	var clients int
	if err := db.QueryRow(`SELECT COUNT(*) FROM clients`).Scan(&clients); err != nil {
		t.Fatal(err)
	}
	if clients != 1 {
		t.Errorf("clients = %d, want 1 across years", clients)
	}
}

func TestCountByDirection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	conv, err := NewProvisioner(db).Provision(ctx, "+15551234567", 2025)
	if err != nil {
		t.Fatal(err)
	}
	messages := NewMessageRepository(db)

	for i, dir := range []string{models.DirectionInbound, models.DirectionInbound, models.DirectionOutbound} {
		msg := &models.Message{
			ConversationID: conv.ID,
			Channel:        models.ChannelSMS,
			Direction:      dir,
			Body:           "m",
			ExternalID:     uuid.NewString(),
		}
		if err := messages.Create(ctx, msg, nil); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	counts, err := messages.CountByDirection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.DirectionInbound] != 2 || counts[models.DirectionOutbound] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestSetAttachmentStoredPath(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	conv, err := NewProvisioner(db).Provision(ctx, "+15551234567", 2025)
	if err != nil {
		t.Fatal(err)
	}
	messages := NewMessageRepository(db)

	msg := &models.Message{
		ConversationID: conv.ID,
		Channel:        models.ChannelSMS,
		Direction:      models.DirectionInbound,
		Body:           "with media",
		ExternalID:     "SM1",
		NumMedia:       1,
	}
	atts := []models.Attachment{{SourceURL: "https://media.example/0", ContentType: "image/png"}}
	if err := messages.Create(ctx, msg, atts); err != nil {
		t.Fatal(err)
	}

	if err := messages.SetAttachmentStoredPath(ctx, atts[0].ID, "/media/0.png"); err != nil {
		t.Fatal(err)
	}
	stored, err := messages.ListAttachments(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].StoredPath != "/media/0.png" {
		t.Errorf("attachments = %+v", stored)
	}
}
