package callflow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/taxline/taxline/internal/carrier"
	"github.com/taxline/taxline/internal/database"
	"github.com/taxline/taxline/internal/database/models"
	"github.com/taxline/taxline/internal/directory"
)

// Webhook paths the routing instructions point back at. Dial completion and
// the two recording flows use distinct endpoints so the reconciler can tell
// which flow produced a given recording.
const (
	PathDialComplete      = "/voice/dial-complete"
	PathInboundRecording  = "/voice/inbound-recording"
	PathVoicemailRecord   = "/voice/voicemail-recording"
	PathVoicemailComplete = "/voice/voicemail-complete"
	PathOutboundRecording = "/voice/recording"
	PathCallStatus        = "/voice/status"
)

// ringTimeoutSeconds bounds how long staff devices ring before the dial
// completes as no-answer.
const ringTimeoutSeconds = 30

// voicemailMaxSeconds bounds a single voicemail recording.
const voicemailMaxSeconds = 120

const voicemailGreeting = "Thank you for calling. Our team is unavailable right now. " +
	"Please leave your name, number, and a brief message after the beep."

const goodbyeScript = "Thank you. We received your message and will call you back. Goodbye."

// PresenceSource reports which staff device identities are online.
type PresenceSource interface {
	OnlineIdentities() []string
}

// Router orchestrates the inbound call flow: it feeds webhook events through
// the pure state machine, persists call messages, and renders the TwiML the
// carrier expects at each step.
type Router struct {
	presence PresenceSource
	dir      *directory.Directory
	messages database.MessageRepository
	callerID string
	logger   *slog.Logger
}

// NewRouter creates a Router. callerID is the practice number presented on
// outbound legs.
func NewRouter(
	presence PresenceSource,
	dir *directory.Directory,
	messages database.MessageRepository,
	callerID string,
	logger *slog.Logger,
) *Router {
	return &Router{
		presence: presence,
		dir:      dir,
		messages: messages,
		callerID: callerID,
		logger:   logger.With("component", "call_router"),
	}
}

// HandleIncoming routes a fresh inbound call: ring online staff, or go
// straight to voicemail when nobody is online. A ringing message is recorded
// when the caller resolves to a known conversation; lookup failures never
// block routing.
func (rt *Router) HandleIncoming(ctx context.Context, p *carrier.IncomingCall) string {
	_, instr := Transition(StateNew, IncomingCall{OnlineStaff: rt.presence.OnlineIdentities()})

	rt.recordRinging(ctx, p)

	switch ins := instr.(type) {
	case RingStaff:
		return rt.renderRing(ins.Identities)
	default:
		return rt.renderVoicemailPrompt()
	}
}

// HandleDialComplete processes the ring outcome. Completed/answered calls
// get the empty terminal acknowledgment; everything else goes to voicemail.
func (rt *Router) HandleDialComplete(ctx context.Context, p *carrier.DialComplete) string {
	state, instr := Transition(StateRinging, DialFinished{Status: p.DialCallStatus})

	status := p.DialCallStatus
	if state == StateAnsweredCompleted {
		status = "completed"
	}
	if err := rt.messages.UpdateCallStatus(ctx, p.CallSID, status); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Unknown callers never had a ringing message; nothing to update.
			rt.logger.Debug("no call message to update", "call_sid", p.CallSID)
		} else {
			rt.logger.Error("updating call status", "call_sid", p.CallSID, "error", err)
		}
	}

	if _, ok := instr.(EmptyAck); ok {
		return carrier.EmptyResponse()
	}
	return rt.renderVoicemailPrompt()
}

// HandleVoicemailComplete terminates the voicemail flow. The response is a
// scripted goodbye with no record verb, so it cannot trigger another
// recording callback and loop.
func (rt *Router) HandleVoicemailComplete(_ context.Context, _ string) string {
	_, instr := Transition(StateVoicemailRecording, VoicemailRecorded{})
	if _, ok := instr.(SayGoodbye); ok {
		return carrier.SayResponse(goodbyeScript)
	}
	return carrier.EmptyResponse()
}

// HandleVoicemailFallback returns the voicemail prompt directly. Used when
// a call webhook is structurally malformed: the response must still be
// valid routing or the call drops with no voicemail captured.
func (rt *Router) HandleVoicemailFallback() string {
	return rt.renderVoicemailPrompt()
}

// HandleOutboundConnect returns the routing document for an outbound call
// leg: dial the target with the practice caller id, record from answer, and
// report lifecycle status.
func (rt *Router) HandleOutboundConnect(_ context.Context, p *carrier.OutboundConnect) string {
	resp := &carrier.Response{Verbs: []any{
		carrier.Dial{
			Number:   p.To,
			CallerID: rt.callerID,
			Record:   "record-from-answer",
			Action:   PathCallStatus,
		},
	}}
	return resp.Render()
}

// recordRinging stores the inbound ringing message for known callers. Any
// failure here is logged and swallowed: routing must proceed regardless.
func (rt *Router) recordRinging(ctx context.Context, p *carrier.IncomingCall) {
	conv, err := rt.dir.Resolve(ctx, p.From)
	if err != nil {
		if errors.Is(err, directory.ErrUnknownCaller) || errors.Is(err, directory.ErrMalformedPhone) {
			rt.logger.Info("incoming call from unrecognized number", "from", p.From, "call_sid", p.CallSID)
		} else {
			rt.logger.Error("resolving incoming caller", "from", p.From, "error", err)
		}
		return
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		Channel:        models.ChannelCall,
		Direction:      models.DirectionInbound,
		Body:           "Incoming call",
		ExternalID:     p.CallSID,
		CallStatus:     "ringing",
	}
	if err := rt.messages.Create(ctx, msg, nil); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			rt.logger.Info("duplicate incoming-call webhook", "call_sid", p.CallSID)
		} else {
			rt.logger.Error("recording ringing message", "call_sid", p.CallSID, "error", err)
		}
	}
}

func (rt *Router) renderRing(identities []string) string {
	clients := make([]carrier.Client, len(identities))
	for i, id := range identities {
		clients[i] = carrier.Client{Identity: id}
	}

	resp := &carrier.Response{Verbs: []any{
		carrier.Dial{
			Action:                  PathDialComplete,
			Timeout:                 ringTimeoutSeconds,
			Record:                  "record-from-answer",
			RecordingStatusCallback: PathInboundRecording,
			Clients:                 clients,
		},
	}}
	return resp.Render()
}

func (rt *Router) renderVoicemailPrompt() string {
	resp := &carrier.Response{Verbs: []any{
		carrier.Say{Text: voicemailGreeting},
		carrier.Record{
			Action:                  PathVoicemailComplete,
			MaxLength:               voicemailMaxSeconds,
			PlayBeep:                true,
			RecordingStatusCallback: PathVoicemailRecord,
		},
	}}
	return resp.Render()
}
