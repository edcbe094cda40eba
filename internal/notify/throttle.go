// Package notify holds the outbound-notification throttler and the daily
// reminder scheduler that coordinates with it.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/taxline/taxline/internal/database"
)

// Notification template names. The template name stored on each outbound
// message is what makes the throttle window derivable from history.
const (
	// TemplateRetake asks a client to re-photograph an unreadable document.
	TemplateRetake = "content_needs_retake"
	// TemplateMissingDocs reminds a client about outstanding documents.
	TemplateMissingDocs = "missing_documents"
)

// Cooldown windows per template.
var cooldowns = map[string]time.Duration{
	TemplateRetake:      1 * time.Hour,
	TemplateMissingDocs: 24 * time.Hour,
}

// defaultCooldown applies to templates with no specific window.
const defaultCooldown = 24 * time.Hour

// Cooldown returns the throttle window for a template.
func Cooldown(template string) time.Duration {
	if d, ok := cooldowns[template]; ok {
		return d
	}
	return defaultCooldown
}

// Throttler enforces per-conversation, per-template cooldown windows. The
// predicate is side-effect-free and derived purely from outbound message
// history: after a send, the new message row itself closes the window for
// the next check. There is no separate "last sent at" counter to drift.
type Throttler struct {
	messages database.MessageRepository
	nowFunc  func() time.Time // injectable for testing
}

// NewThrottler creates a Throttler.
func NewThrottler(messages database.MessageRepository) *Throttler {
	return &Throttler{messages: messages, nowFunc: time.Now}
}

// Allow reports whether a send of the given template to the conversation is
// currently permitted.
func (t *Throttler) Allow(ctx context.Context, conversationID int64, template string) (bool, error) {
	since := t.nowFunc().Add(-Cooldown(template))
	sent, err := t.messages.LastOutboundTemplateSince(ctx, conversationID, template, since)
	if err != nil {
		return false, fmt.Errorf("checking throttle window for %s: %w", template, err)
	}
	return !sent, nil
}
