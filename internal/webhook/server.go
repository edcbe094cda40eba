package webhook

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taxline/taxline/internal/callflow"
	"github.com/taxline/taxline/internal/carrier"
	"github.com/taxline/taxline/internal/database"
	"github.com/taxline/taxline/internal/ingest"
	"github.com/taxline/taxline/internal/presence"
)

// Server wires the carrier webhook endpoints, the presence API, and the
// operational endpoints onto one chi router.
//
// Response policy: webhook handlers always answer 200 with a valid routing
// document, even on internal failure, because a 5xx triggers carrier
// retries the idempotency guard would then have to absorb. The exceptions
// are signature failure (403), rate limiting (429), and the recording-attach
// path, which deliberately returns 5xx on database failure so the carrier
// redelivers the recording metadata.
type Server struct {
	router     chi.Router
	verifier   *carrier.SignatureVerifier
	limiter    *RateLimiter
	calls      *callflow.Router
	recordings *callflow.Reconciler
	ingestor   *ingest.Ingestor
	messages   database.MessageRepository
	presenceH  *presence.Handlers
	baseURL    string
	logger     *slog.Logger
}

// NewServer creates the HTTP server.
func NewServer(
	verifier *carrier.SignatureVerifier,
	limiter *RateLimiter,
	calls *callflow.Router,
	recordings *callflow.Reconciler,
	ingestor *ingest.Ingestor,
	messages database.MessageRepository,
	presenceH *presence.Handlers,
	baseURL string,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		verifier:   verifier,
		limiter:    limiter,
		calls:      calls,
		recordings: recordings,
		ingestor:   ingestor,
		messages:   messages,
		presenceH:  presenceH,
		baseURL:    baseURL,
		logger:     logger.With("component", "webhook_server"),
	}
	s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(StructuredLogger)

	// Carrier webhooks: rate limit, then signature, then business logic.
	r.Group(func(r chi.Router) {
		r.Use(RateLimit(s.limiter))
		r.Use(VerifySignature(s.verifier, s.baseURL))

		r.Post("/sms", s.handleSMS)
		r.Post("/status", s.handleDeliveryStatus)

		r.Post("/voice", s.handleOutboundConnect)
		r.Post("/voice/incoming", s.handleIncomingCall)
		r.Post(callflow.PathDialComplete, s.handleDialComplete)
		r.Post(callflow.PathOutboundRecording, s.handleRecording)
		r.Post(callflow.PathInboundRecording, s.handleRecording)
		r.Post(callflow.PathVoicemailRecord, s.handleVoicemailRecording)
		r.Post(callflow.PathVoicemailComplete, s.handleVoicemailComplete)
		r.Post(callflow.PathCallStatus, s.handleCallStatus)
	})

	// Staff presence API.
	r.Route("/api/v1/presence", s.presenceH.Routes)

	// Operational endpoints.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

// handleSMS ingests an inbound SMS/MMS. Malformed payloads and internal
// failures are logged and acknowledged; the carrier gets 200 either way.
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	p, err := carrier.ParseInboundSMS(r.PostForm)
	if err != nil {
		s.logger.Warn("malformed sms webhook", "error", err)
		writeTwiML(w, carrier.EmptyResponse())
		return
	}

	result, err := s.ingestor.Ingest(r.Context(), p)
	if err != nil {
		s.logger.Error("sms ingestion failed", "message_sid", p.MessageSID, "error", err)
		writeTwiML(w, carrier.EmptyResponse())
		return
	}

	s.logger.Info("sms processed",
		"message_sid", p.MessageSID,
		"outcome", string(result.Outcome),
		"provisioned", result.Provisioned,
		"media", len(result.Media),
	)
	writeTwiML(w, carrier.EmptyResponse())
}

// handleDeliveryStatus records the delivery state of an outbound SMS.
func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	p, err := carrier.ParseDeliveryStatus(r.PostForm)
	if err != nil {
		s.logger.Warn("malformed delivery status webhook", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.messages.UpdateDeliveryStatus(r.Context(), p.MessageSID, p.Status); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.logger.Warn("delivery status for unknown message", "message_sid", p.MessageSID)
		} else {
			s.logger.Error("updating delivery status", "message_sid", p.MessageSID, "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleOutboundConnect returns the routing document for an outbound leg.
func (s *Server) handleOutboundConnect(w http.ResponseWriter, r *http.Request) {
	p, err := carrier.ParseOutboundConnect(r.PostForm)
	if err != nil {
		s.logger.Warn("malformed outbound connect webhook", "error", err)
		writeTwiML(w, carrier.EmptyResponse())
		return
	}
	writeTwiML(w, s.calls.HandleOutboundConnect(r.Context(), p))
}

// handleIncomingCall routes a fresh inbound call.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	p, err := carrier.ParseIncomingCall(r.PostForm)
	if err != nil {
		// A malformed call webhook still needs valid routing or the call
		// drops; default to voicemail.
		s.logger.Warn("malformed incoming call webhook", "error", err)
		writeTwiML(w, s.calls.HandleVoicemailFallback())
		return
	}
	writeTwiML(w, s.calls.HandleIncoming(r.Context(), p))
}

// handleDialComplete processes the ring outcome.
func (s *Server) handleDialComplete(w http.ResponseWriter, r *http.Request) {
	p, err := carrier.ParseDialComplete(r.PostForm)
	if err != nil {
		s.logger.Warn("malformed dial complete webhook", "error", err)
		writeTwiML(w, s.calls.HandleVoicemailFallback())
		return
	}
	writeTwiML(w, s.calls.HandleDialComplete(r.Context(), p))
}

// handleRecording attaches recordings from the outbound and answered-inbound
// flows. Database failure here returns 5xx on purpose: losing a recording
// reference is worse than absorbing a duplicate retry.
func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	p, err := carrier.ParseRecordingComplete(r.PostForm)
	if err != nil {
		s.logger.Warn("malformed recording webhook", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	outcome, err := s.recordings.Attach(r.Context(), p)
	if err != nil {
		s.logger.Error("recording attach failed", "call_sid", p.CallSID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeAttachOutcome(w, outcome)
}

// handleVoicemailRecording attaches voicemail recordings, provisioning
// unknown callers. Same 5xx-on-database-failure contract as handleRecording.
func (s *Server) handleVoicemailRecording(w http.ResponseWriter, r *http.Request) {
	p, err := carrier.ParseRecordingComplete(r.PostForm)
	if err != nil {
		s.logger.Warn("malformed voicemail recording webhook", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	outcome, err := s.recordings.AttachVoicemail(r.Context(), p)
	if err != nil {
		s.logger.Error("voicemail recording attach failed", "call_sid", p.CallSID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeAttachOutcome(w, outcome)
}

// handleVoicemailComplete ends the voicemail flow with the goodbye script.
func (s *Server) handleVoicemailComplete(w http.ResponseWriter, r *http.Request) {
	callSID := r.PostForm.Get("CallSid")
	writeTwiML(w, s.calls.HandleVoicemailComplete(r.Context(), callSID))
}

// handleCallStatus records terminal call lifecycle statuses.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	p, err := carrier.ParseCallStatus(r.PostForm)
	if err != nil {
		s.logger.Warn("malformed call status webhook", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if !isTerminalCallStatus(p.Status) {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.messages.UpdateCallStatus(r.Context(), p.CallSID, p.Status); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.logger.Debug("call status for unknown call", "call_sid", p.CallSID)
		} else {
			s.logger.Error("updating call status", "call_sid", p.CallSID, "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func isTerminalCallStatus(status string) bool {
	switch status {
	case "completed", "busy", "no-answer", "failed", "canceled":
		return true
	}
	return false
}

func writeTwiML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc)) //nolint:errcheck
}

// writeAttachOutcome acknowledges a recording callback. A missing match is
// flagged in the body for operational visibility but still returns 200 so
// the carrier does not retry what cannot succeed.
func writeAttachOutcome(w http.ResponseWriter, outcome callflow.AttachOutcome) {
	w.WriteHeader(http.StatusOK)
	if outcome == callflow.OutcomeNoMatch {
		w.Write([]byte("warning: no matching call record")) //nolint:errcheck
		return
	}
	w.Write([]byte("ok")) //nolint:errcheck
}
