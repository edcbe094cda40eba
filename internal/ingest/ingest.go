// Package ingest turns inbound SMS/MMS webhooks into stored messages and
// staff-facing action items, idempotently under carrier retries.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/taxline/taxline/internal/carrier"
	"github.com/taxline/taxline/internal/database"
	"github.com/taxline/taxline/internal/database/models"
	"github.com/taxline/taxline/internal/directory"
)

// maxBodyLength is the carrier's maximum SMS body length.
const maxBodyLength = 1600

// Outcome classifies an ingestion result.
type Outcome string

const (
	// OutcomeCreated means a new message row was stored.
	OutcomeCreated Outcome = "created"
	// OutcomeDuplicate means the carrier id was already stored; no-op.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSkipped means the payload had neither text nor media.
	OutcomeSkipped Outcome = "skipped"
)

// MediaOutcome is the captured result of one media fetch task. Fetches are
// asynchronous but never fire-and-forget: every failure is folded into the
// overall result so tests and callers can assert on it.
type MediaOutcome struct {
	SourceURL  string
	StoredPath string
	Err        error
}

// Result summarizes one ingestion.
type Result struct {
	Outcome     Outcome
	MessageID   int64
	Provisioned bool
	Media       []MediaOutcome
}

// Ingestor deduplicates and records inbound SMS/MMS.
type Ingestor struct {
	messages database.MessageRepository
	convs    database.ConversationRepository
	dir      *directory.Directory
	actions  database.ActionItemRepository
	media    carrier.MediaFetcher
	logger   *slog.Logger
}

// New creates an Ingestor.
func New(
	messages database.MessageRepository,
	convs database.ConversationRepository,
	dir *directory.Directory,
	actions database.ActionItemRepository,
	media carrier.MediaFetcher,
	logger *slog.Logger,
) *Ingestor {
	return &Ingestor{
		messages: messages,
		convs:    convs,
		dir:      dir,
		actions:  actions,
		media:    media,
		logger:   logger.With("component", "ingestor"),
	}
}

// Ingest processes one inbound SMS webhook: sanitize, deduplicate, resolve
// or provision the sender, fetch media, store the message atomically with
// its conversation counters, and raise a staff action item.
func (ing *Ingestor) Ingest(ctx context.Context, p *carrier.InboundSMS) (*Result, error) {
	body := SanitizeBody(p.Body)

	// MMS-only messages with no text are valid; only fully empty payloads
	// are skipped.
	if body == "" && len(p.Media) == 0 {
		ing.logger.Warn("empty message with no media, skipping", "message_sid", p.MessageSID, "from", p.From)
		return &Result{Outcome: OutcomeSkipped}, nil
	}

	// Idempotency before any side-effecting work: the carrier retries on
	// 5xx and the same message can arrive up to three times.
	exists, err := ing.messages.ExternalIDExists(ctx, p.MessageSID)
	if err != nil {
		return nil, fmt.Errorf("checking message id %s: %w", p.MessageSID, err)
	}
	if exists {
		ing.logger.Info("duplicate inbound message", "message_sid", p.MessageSID)
		return &Result{Outcome: OutcomeDuplicate}, nil
	}

	conv, provisioned, err := ing.dir.ResolveOrProvision(ctx, p.From)
	if err != nil {
		return nil, fmt.Errorf("resolving sender %s: %w", p.From, err)
	}

	// Fetch and rehost media regardless of whether the sender was known.
	mediaResults := ing.fetchAll(ctx, p.Media)

	attachments := make([]models.Attachment, len(p.Media))
	for i, item := range p.Media {
		attachments[i] = models.Attachment{
			SourceURL:   item.URL,
			ContentType: item.ContentType,
			StoredPath:  mediaResults[i].StoredPath,
		}
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		Channel:        models.ChannelSMS,
		Direction:      models.DirectionInbound,
		Body:           body,
		ExternalID:     p.MessageSID,
		NumMedia:       len(p.Media),
	}
	if err := ing.messages.Create(ctx, msg, attachments); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			// A concurrent retry won the insert race; same terminal state.
			ing.logger.Info("duplicate inbound message (insert race)", "message_sid", p.MessageSID)
			return &Result{Outcome: OutcomeDuplicate, Media: mediaResults}, nil
		}
		return nil, fmt.Errorf("storing message %s: %w", p.MessageSID, err)
	}

	ing.raiseAction(ctx, conv, p, body, provisioned)

	return &Result{
		Outcome:     OutcomeCreated,
		MessageID:   msg.ID,
		Provisioned: provisioned,
		Media:       mediaResults,
	}, nil
}

// fetchAll downloads every attachment concurrently and captures each
// outcome. A failed fetch leaves its stored path empty; the source URL is
// still recorded so the fetch can be redone.
func (ing *Ingestor) fetchAll(ctx context.Context, items []carrier.MediaItem) []MediaOutcome {
	results := make([]MediaOutcome, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item carrier.MediaItem) {
			defer wg.Done()
			path, err := ing.media.FetchMedia(ctx, item.URL, item.ContentType)
			results[i] = MediaOutcome{SourceURL: item.URL, StoredPath: path, Err: err}
			if err != nil {
				ing.logger.Error("media fetch failed", "url", item.URL, "error", err)
			}
		}(i, item)
	}
	wg.Wait()
	return results
}

// raiseAction creates the staff work item for the new message. Content is
// escaped so hostile message bodies cannot inject markup where the item is
// rendered. Messages from just-provisioned numbers get elevated priority
// because they bypass normal case triage.
func (ing *Ingestor) raiseAction(ctx context.Context, conv *models.Conversation, p *carrier.InboundSMS, body string, provisioned bool) {
	preview := truncateUTF8(body, 160)
	detail := html.EscapeString(preview)
	if len(p.Media) > 0 {
		detail = fmt.Sprintf("%s [%d attachment(s)]", detail, len(p.Media))
	}

	title := "New text message"
	priority := models.PriorityNormal
	if provisioned {
		title = "Text message from new number"
		priority = models.PriorityHigh
	}

	caseID := conv.CaseID
	item := &models.ActionItem{
		CaseID:   &caseID,
		Title:    title,
		Detail:   fmt.Sprintf("From %s: %s", html.EscapeString(p.From), detail),
		Priority: priority,
	}
	if err := ing.actions.Create(ctx, item); err != nil {
		ing.logger.Error("creating message action item", "message_sid", p.MessageSID, "error", err)
	}
}

// SanitizeBody truncates to the carrier maximum and strips control
// characters except newline and tab.
func SanitizeBody(body string) string {
	var b strings.Builder
	for _, r := range body {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	s := b.String()
	if len(s) > maxBodyLength {
		s = truncateUTF8(s, maxBodyLength)
	}
	return strings.TrimSpace(s)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
