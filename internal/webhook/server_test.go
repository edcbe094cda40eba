package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/taxline/taxline/internal/callflow"
	"github.com/taxline/taxline/internal/carrier"
	"github.com/taxline/taxline/internal/database"
	"github.com/taxline/taxline/internal/database/models"
	"github.com/taxline/taxline/internal/directory"
	"github.com/taxline/taxline/internal/ingest"
	"github.com/taxline/taxline/internal/presence"
)

const testAuthToken = "test-auth-token"

type staticPresence struct {
	online []string
}

func (s *staticPresence) OnlineIdentities() []string { return s.online }

type noopFetcher struct{}

func (noopFetcher) FetchMedia(ctx context.Context, sourceURL, contentType string) (string, error) {
	return "/media/stored", nil
}

type serverFixture struct {
	db       *database.DB
	srv      *httptest.Server
	messages database.MessageRepository
	actions  database.ActionItemRepository
	presence *staticPresence
	limiter  *RateLimiter
}

func newServerFixture(t *testing.T) *serverFixture {
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

	online := &staticPresence{}
	calls := callflow.NewRouter(online, dir, messages, "+15550001111", logger)
	recordings := callflow.NewReconciler(messages, dir, actions, logger)
	ingestor := ingest.New(messages, convs, dir, actions, noopFetcher{}, logger)

	verifier := carrier.NewSignatureVerifier(testAuthToken, true, logger)
	limiter := NewRateLimiter(RateLimitConfig{Max: 1000, Window: time.Minute, SweepInterval: time.Hour})
	t.Cleanup(limiter.Stop)

	store := presence.NewStore()
	t.Cleanup(store.Stop)
	presenceH := presence.NewHandlers(store, "presence-secret", logger)

	server := NewServer(verifier, limiter, calls, recordings, ingestor, messages, presenceH, "", logger)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &serverFixture{
		db:       db,
		srv:      srv,
		messages: messages,
		actions:  actions,
		presence: online,
		limiter:  limiter,
	}
}

// postSigned posts a form with a valid carrier signature for the URL the
// server reconstructs.
func (f *serverFixture) postSigned(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	fullURL := f.srv.URL + path
	sig := carrier.ComputeSignature(testAuthToken, fullURL, form)

	req, err := http.NewRequest(http.MethodPost, fullURL, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Carrier-Signature", sig)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func smsPayload(sid, from, body string) url.Values {
	return url.Values{
		"MessageSid": {sid},
		"AccountSid": {"AC123"},
		"From":       {from},
		"To":         {"+15550001111"},
		"Body":       {body},
	}
}

func TestRejectsForgedSignature(t *testing.T) {
	f := newServerFixture(t)
	form := smsPayload("SM1", "+15551234567", "hello")

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/sms", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Carrier-Signature", "bm90LWEtcmVhbC1zaWduYXR1cmU=")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	// The forged request must leave no trace.
	var count int
	if err := f.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("messages stored from a forged request: %d", count)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	f := newServerFixture(t)
	f.limiter.mu.Lock()
	f.limiter.cfg.Max = 2
	f.limiter.mu.Unlock()

	form := smsPayload("SM1", "+15551234567", "hello")
	for i := 0; i < 2; i++ {
		if resp := f.postSigned(t, "/sms", form); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, resp.StatusCode)
		}
	}

	resp := f.postSigned(t, "/sms", form)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}
}

func TestSMSDuplicateDelivery(t *testing.T) {
	f := newServerFixture(t)
	form := smsPayload("SM1", "+15551234567", "hello")

	for i := 0; i < 3; i++ {
		if resp := f.postSigned(t, "/sms", form); resp.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d status = %d", i+1, resp.StatusCode)
		}
	}

	var count int
	if err := f.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE external_id = ?`, "SM1").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("message rows = %d, want 1 across retries", count)
	}
}

// An MMS-only message from an unknown number must provision exactly one
// client, case, and conversation, store one message with both attachments,
// and raise a high-priority action item.
func TestUnknownNumberMMSOnly(t *testing.T) {
	f := newServerFixture(t)

	form := smsPayload("SM9", "+15559998888", "")
	form.Set("NumMedia", "2")
	form.Set("MediaUrl0", "https://media.example/0")
	form.Set("MediaContentType0", "image/jpeg")
	form.Set("MediaUrl1", "https://media.example/1")
	form.Set("MediaContentType1", "application/pdf")

	resp := f.postSigned(t, "/sms", form)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	counts := map[string]int{}
	for _, table := range []string{"clients", "tax_cases", "conversations", "messages"} {
		var n int
		if err := f.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		counts[table] = n
	}
	for _, table := range []string{"clients", "tax_cases", "conversations", "messages"} {
		if counts[table] != 1 {
			t.Errorf("%s rows = %d, want 1", table, counts[table])
		}
	}

	var attachments int
	if err := f.db.QueryRow(`SELECT COUNT(*) FROM attachments`).Scan(&attachments); err != nil {
		t.Fatal(err)
	}
	if attachments != 2 {
		t.Errorf("attachments = %d, want 2", attachments)
	}

	items, err := f.actions.ListOpen(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Priority != "high" {
		t.Errorf("action items = %+v, want one high-priority item", items)
	}
}

func TestIncomingCallRingsOnlineStaff(t *testing.T) {
	f := newServerFixture(t)
	f.presence.online = []string{"alice", "bob"}

	resp := f.postSigned(t, "/voice/incoming", url.Values{
		"CallSid":    {"CA1"},
		"AccountSid": {"AC123"},
		"From":       {"+15551234567"},
		"To":         {"+15550001111"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	doc := string(body)
	if !strings.Contains(doc, "<Client>alice</Client>") || !strings.Contains(doc, "<Client>bob</Client>") {
		t.Errorf("response does not ring online staff:\n%s", doc)
	}
}

func TestIncomingCallNoStaffGoesToVoicemail(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postSigned(t, "/voice/incoming", url.Values{
		"CallSid":    {"CA1"},
		"AccountSid": {"AC123"},
		"From":       {"+15551234567"},
		"To":         {"+15550001111"},
	})
	body, _ := io.ReadAll(resp.Body)
	doc := string(body)
	if !strings.Contains(doc, "<Record") {
		t.Errorf("response does not record voicemail:\n%s", doc)
	}
	if strings.Contains(doc, "<Dial") {
		t.Errorf("response rings staff with nobody online:\n%s", doc)
	}
}

func TestDialCompleteNoAnswer(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postSigned(t, callflow.PathDialComplete, url.Values{
		"CallSid":        {"CA1"},
		"DialCallStatus": {"no-answer"},
		"From":           {"+15551234567"},
	})
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "<Record") {
		t.Errorf("no-answer must route to voicemail:\n%s", body)
	}
}

func TestDialCompleteAnswered(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postSigned(t, callflow.PathDialComplete, url.Values{
		"CallSid":        {"CA1"},
		"DialCallStatus": {"completed"},
		"From":           {"+15551234567"},
	})
	body, _ := io.ReadAll(resp.Body)
	doc := string(body)
	if strings.Contains(doc, "<Record") || strings.Contains(doc, "<Dial") {
		t.Errorf("answered call must get the empty acknowledgment:\n%s", doc)
	}
}

func TestRecordingNoMatchAcknowledgedWithWarning(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postSigned(t, callflow.PathOutboundRecording, url.Values{
		"CallSid":           {"CA404"},
		"RecordingUrl":      {"https://rec.example/CA404"},
		"RecordingDuration": {"10"},
		"RecordingStatus":   {"completed"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (retry cannot succeed)", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "no matching call record") {
		t.Errorf("body = %q, want warning text", body)
	}
}

func TestVoicemailRecordingProvisionsUnknownCaller(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postSigned(t, callflow.PathVoicemailRecord, url.Values{
		"CallSid":           {"CA7"},
		"RecordingUrl":      {"https://rec.example/CA7"},
		"RecordingDuration": {"33"},
		"RecordingStatus":   {"completed"},
		"From":              {"+15553334444"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	msg, err := f.messages.LatestByExternalID(context.Background(), "CA7")
	if err != nil {
		t.Fatal(err)
	}
	if msg.RecordingURL != "https://rec.example/CA7" || msg.RecordingDuration != 33 {
		t.Errorf("voicemail message = %+v", msg)
	}
}

func TestVoicemailCompleteSaysGoodbyeWithoutRecording(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postSigned(t, callflow.PathVoicemailComplete, url.Values{
		"CallSid": {"CA1"},
	})
	body, _ := io.ReadAll(resp.Body)
	doc := string(body)
	if strings.Contains(doc, "<Record") {
		t.Errorf("goodbye response must not record again:\n%s", doc)
	}
	if !strings.Contains(doc, "<Say>") {
		t.Errorf("goodbye response missing script:\n%s", doc)
	}
}

func TestDeliveryStatusUpdate(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	conv, err := database.NewProvisioner(f.db).Provision(ctx, "+15551234567", 2025)
	if err != nil {
		t.Fatal(err)
	}
	out := &models.Message{
		ConversationID: conv.ID,
		Channel:        models.ChannelSMS,
		Direction:      models.DirectionOutbound,
		Body:           "reminder",
		ExternalID:     "SM42",
	}
	if err := f.messages.Create(ctx, out, nil); err != nil {
		t.Fatal(err)
	}

	resp := f.postSigned(t, "/status", url.Values{
		"MessageSid":    {"SM42"},
		"MessageStatus": {"delivered"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stored, err := f.messages.LatestByExternalID(ctx, "SM42")
	if err != nil {
		t.Fatal(err)
	}
	if stored.DeliveryStatus != "delivered" {
		t.Errorf("delivery status = %q", stored.DeliveryStatus)
	}
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
