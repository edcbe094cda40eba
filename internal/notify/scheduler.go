package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taxline/taxline/internal/carrier"
	"github.com/taxline/taxline/internal/database"
	"github.com/taxline/taxline/internal/database/models"
)

// gracePeriod is how old a case must be before it gets its first reminder.
const gracePeriod = 3 * 24 * time.Hour

// maxInFlight caps concurrent sends so a reminder batch stays inside the
// carrier's rate limits.
const maxInFlight = 5

// missingDocsBody is the reminder text. Localized copy lives with the
// front-end templates; this is the fallback wire text.
const missingDocsBody = "Hi, this is your tax team. We're still waiting on some of your documents. " +
	"Please reply here or upload them through your portal so we can keep your return moving."

// SendOutcome classifies one reminder dispatch.
type SendOutcome string

const (
	// OutcomeSent means the carrier accepted the message.
	OutcomeSent SendOutcome = "sent"
	// OutcomeFailed means the send errored after retries.
	OutcomeFailed SendOutcome = "failed"
	// OutcomeThrottled means the cooldown window blocked the send.
	OutcomeThrottled SendOutcome = "throttled"
)

// CaseResult is the outcome of one case's reminder.
type CaseResult struct {
	CaseID  int64
	Outcome SendOutcome
	Err     error
}

// Summary aggregates one scheduler run for the audit record.
type Summary struct {
	RunAt     time.Time
	Eligible  int
	Sent      int
	Failed    int
	Throttled int
	Results   []CaseResult
}

// Scheduler drives the daily missing-documents reminder run.
type Scheduler struct {
	cases     database.TaxCaseRepository
	clients   database.ClientRepository
	convs     database.ConversationRepository
	messages  database.MessageRepository
	audits    database.ReminderAuditRepository
	throttler *Throttler
	sender    carrier.Sender
	location  *time.Location
	hour      int
	logger    *slog.Logger
	nowFunc   func() time.Time // injectable for testing
}

// NewScheduler creates a Scheduler that fires daily at the given local hour.
func NewScheduler(
	cases database.TaxCaseRepository,
	clients database.ClientRepository,
	convs database.ConversationRepository,
	messages database.MessageRepository,
	audits database.ReminderAuditRepository,
	throttler *Throttler,
	sender carrier.Sender,
	location *time.Location,
	hour int,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		cases:     cases,
		clients:   clients,
		convs:     convs,
		messages:  messages,
		audits:    audits,
		throttler: throttler,
		sender:    sender,
		location:  location,
		hour:      hour,
		logger:    logger.With("component", "reminder_scheduler"),
		nowFunc:   time.Now,
	}
}

// Run blocks until ctx is canceled, firing RunOnce at the configured hour
// each day. Safe to stop and restart; no state persists between ticks.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next := s.nextTick(s.nowFunc())
		s.logger.Info("next reminder run scheduled", "at", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("reminder run failed", "error", err)
		}
	}
}

// nextTick returns the next occurrence of the configured local hour.
func (s *Scheduler) nextTick(now time.Time) time.Time {
	local := now.In(s.location)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, 0, 0, 0, s.location)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunOnce queries eligible cases and dispatches reminders in a bounded
// fan-out. Each case's outcome is captured independently so one failing
// send cannot block or cancel its siblings. The summary is persisted as an
// audit record.
func (s *Scheduler) RunOnce(ctx context.Context) (*Summary, error) {
	now := s.nowFunc()
	cutoff := now.Add(-gracePeriod)

	eligible, err := s.cases.ListAwaitingDocuments(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing eligible cases: %w", err)
	}

	summary := &Summary{RunAt: now, Eligible: len(eligible)}
	results := make([]CaseResult, len(eligible))

	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup
	for i, tc := range eligible {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, tc models.TaxCase) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.remindCase(ctx, tc)
		}(i, tc)
	}
	wg.Wait()

	for _, r := range results {
		switch r.Outcome {
		case OutcomeSent:
			summary.Sent++
		case OutcomeThrottled:
			summary.Throttled++
		default:
			summary.Failed++
		}
	}
	summary.Results = results

	audit := &models.ReminderAudit{
		ID:        uuid.NewString(),
		RunAt:     now,
		Eligible:  summary.Eligible,
		Sent:      summary.Sent,
		Failed:    summary.Failed,
		Throttled: summary.Throttled,
	}
	if err := s.audits.Create(ctx, audit); err != nil {
		s.logger.Error("recording reminder audit", "error", err)
	}

	s.logger.Info("reminder run complete",
		"eligible", summary.Eligible,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"throttled", summary.Throttled,
	)
	return summary, nil
}

// remindCase sends one case's reminder: throttle check, carrier send, then
// the outbound message row that closes the throttle window for next time.
func (s *Scheduler) remindCase(ctx context.Context, tc models.TaxCase) CaseResult {
	conv, err := s.convs.GetByCaseID(ctx, tc.ID)
	if errors.Is(err, database.ErrNotFound) {
		// No conversation means no prior contact on this case; create the
		// thread so the reminder lands somewhere.
		conv = &models.Conversation{CaseID: tc.ID}
		err = s.convs.Create(ctx, conv)
	}
	if err != nil {
		return CaseResult{CaseID: tc.ID, Outcome: OutcomeFailed, Err: fmt.Errorf("resolving conversation: %w", err)}
	}

	ok, err := s.throttler.Allow(ctx, conv.ID, TemplateMissingDocs)
	if err != nil {
		return CaseResult{CaseID: tc.ID, Outcome: OutcomeFailed, Err: err}
	}
	if !ok {
		return CaseResult{CaseID: tc.ID, Outcome: OutcomeThrottled}
	}

	client, err := s.clients.GetByID(ctx, tc.ClientID)
	if err != nil {
		return CaseResult{CaseID: tc.ID, Outcome: OutcomeFailed, Err: fmt.Errorf("loading client: %w", err)}
	}

	sent, err := s.sender.SendMessage(ctx, client.Phone, missingDocsBody)
	if err != nil {
		s.logger.Warn("reminder send failed", "case_id", tc.ID, "error", err)
		return CaseResult{CaseID: tc.ID, Outcome: OutcomeFailed, Err: err}
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		Channel:        models.ChannelSMS,
		Direction:      models.DirectionOutbound,
		Body:           missingDocsBody,
		Template:       TemplateMissingDocs,
		ExternalID:     sent.SID,
		DeliveryStatus: sent.Status,
	}
	if err := s.messages.Create(ctx, msg, nil); err != nil {
		// The send went out; a failed history write means the throttle
		// window will not close, so flag it loudly.
		s.logger.Error("storing outbound reminder message", "case_id", tc.ID, "error", err)
		return CaseResult{CaseID: tc.ID, Outcome: OutcomeFailed, Err: err}
	}

	return CaseResult{CaseID: tc.ID, Outcome: OutcomeSent}
}
