package callflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/taxline/taxline/internal/carrier"
	"github.com/taxline/taxline/internal/database"
	"github.com/taxline/taxline/internal/database/models"
	"github.com/taxline/taxline/internal/directory"
)

// MaxRecordingSeconds is the carrier's recording length ceiling (4 hours).
const MaxRecordingSeconds = 14400

// AttachOutcome classifies a recording reconciliation result.
type AttachOutcome string

const (
	// OutcomeAttached means the recording was attached to its call message.
	OutcomeAttached AttachOutcome = "attached"
	// OutcomeIgnored means the status was not "completed"; acknowledged as
	// a no-op.
	OutcomeIgnored AttachOutcome = "ignored"
	// OutcomeNoMatch means no call message carries the call SID. For the
	// known-caller flows this is an integrity warning, not a retry.
	OutcomeNoMatch AttachOutcome = "no_match"
	// OutcomeProvisioned means an unknown caller's voicemail produced a
	// fresh client/case/conversation plus a new inbound message.
	OutcomeProvisioned AttachOutcome = "provisioned"
)

// Reconciler matches asynchronous recording-completed callbacks back to the
// call records they belong to.
type Reconciler struct {
	messages database.MessageRepository
	dir      *directory.Directory
	actions  database.ActionItemRepository
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	messages database.MessageRepository,
	dir *directory.Directory,
	actions database.ActionItemRepository,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		messages: messages,
		dir:      dir,
		actions:  actions,
		logger:   logger.With("component", "recording_reconciler"),
	}
}

// SanitizeDuration converts the carrier's raw duration string to a whole
// number of seconds clamped into [0, MaxRecordingSeconds]. Fractional values
// are floored; garbage and negatives become 0, because a malformed duration
// must never block recording capture.
func SanitizeDuration(raw string) int {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return 0
	}
	seconds := int(f)
	if seconds > MaxRecordingSeconds {
		return MaxRecordingSeconds
	}
	return seconds
}

// Attach matches a recording callback to its call message and stores the
// artifact reference. Non-completed statuses are acknowledged as no-ops.
// The returned error is only non-nil for database failures, which the
// webhook layer surfaces as 5xx so the carrier redelivers the metadata.
func (rc *Reconciler) Attach(ctx context.Context, p *carrier.RecordingComplete) (AttachOutcome, error) {
	if p.Status != "completed" {
		rc.logger.Debug("ignoring recording callback", "call_sid", p.CallSID, "status", p.Status)
		return OutcomeIgnored, nil
	}

	duration := SanitizeDuration(p.Duration)

	err := rc.messages.AttachRecording(ctx, p.CallSID, p.RecordingURL, duration)
	if err == nil {
		rc.logger.Info("recording attached", "call_sid", p.CallSID, "duration", duration)
		return OutcomeAttached, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return "", fmt.Errorf("attaching recording for call %s: %w", p.CallSID, err)
	}

	rc.logger.Warn("recording callback with no matching call message",
		"call_sid", p.CallSID,
		"recording_url", p.RecordingURL,
	)
	return OutcomeNoMatch, nil
}

// AttachVoicemail handles the voicemail-flow recording callback. Unknown
// callers never had a prior message to match, so a missing match falls
// through to provisioning plus a fresh inbound voicemail message and a staff
// action item.
func (rc *Reconciler) AttachVoicemail(ctx context.Context, p *carrier.RecordingComplete) (AttachOutcome, error) {
	outcome, err := rc.Attach(ctx, p)
	if err != nil || outcome != OutcomeNoMatch {
		return outcome, err
	}

	conv, provisioned, err := rc.dir.ResolveOrProvision(ctx, p.From)
	if err != nil {
		if errors.Is(err, directory.ErrMalformedPhone) {
			rc.logger.Warn("voicemail from unparseable number, dropping", "from", p.From, "call_sid", p.CallSID)
			return OutcomeNoMatch, nil
		}
		return "", fmt.Errorf("resolving voicemail caller %s: %w", p.From, err)
	}

	duration := SanitizeDuration(p.Duration)
	msg := &models.Message{
		ConversationID:    conv.ID,
		Channel:           models.ChannelCall,
		Direction:         models.DirectionInbound,
		Body:              fmt.Sprintf("Voicemail (%ds)", duration),
		ExternalID:        p.CallSID,
		CallStatus:        "completed",
		RecordingURL:      p.RecordingURL,
		RecordingDuration: duration,
	}
	if err := rc.messages.Create(ctx, msg, nil); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			rc.logger.Info("duplicate voicemail recording webhook", "call_sid", p.CallSID)
			return OutcomeAttached, nil
		}
		return "", fmt.Errorf("creating voicemail message for call %s: %w", p.CallSID, err)
	}

	priority := models.PriorityNormal
	title := "New voicemail"
	if provisioned {
		priority = models.PriorityHigh
		title = "Voicemail from new number"
	}
	item := &models.ActionItem{
		Title:    title,
		Detail:   fmt.Sprintf("Voicemail from %s (%ds)", p.From, duration),
		Priority: priority,
	}
	if err := rc.actions.Create(ctx, item); err != nil {
		// The voicemail itself is stored; a missing action item is a
		// logged gap, not a reason to trigger carrier retries.
		rc.logger.Error("creating voicemail action item", "call_sid", p.CallSID, "error", err)
	}

	return OutcomeProvisioned, nil
}
