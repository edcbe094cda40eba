package carrier

import (
	"fmt"
	"net/url"
	"testing"
)

func smsForm() url.Values {
	return url.Values{
		"MessageSid": {"SM123"},
		"AccountSid": {"AC123"},
		"From":       {"+15551234567"},
		"To":         {"+15559876543"},
		"Body":       {"hello"},
	}
}

func TestParseInboundSMSRequiredFields(t *testing.T) {
	for _, field := range []string{"MessageSid", "AccountSid", "From", "To"} {
		form := smsForm()
		form.Del(field)
		if _, err := ParseInboundSMS(form); err == nil {
			t.Errorf("missing %s: expected error", field)
		}
	}
	if _, err := ParseInboundSMS(smsForm()); err != nil {
		t.Fatalf("complete form rejected: %v", err)
	}
}

func TestParseInboundSMSBodyOptional(t *testing.T) {
	form := smsForm()
	form.Del("Body")
	p, err := ParseInboundSMS(form)
	if err != nil {
		t.Fatalf("body-less form rejected: %v", err)
	}
	if p.Body != "" {
		t.Errorf("Body = %q, want empty", p.Body)
	}
}

func TestParseInboundSMSMedia(t *testing.T) {
	form := smsForm()
	form.Set("NumMedia", "2")
	form.Set("MediaUrl0", "https://media.example/0")
	form.Set("MediaContentType0", "image/jpeg")
	form.Set("MediaUrl1", "https://media.example/1")
	form.Set("MediaContentType1", "application/pdf")

	p, err := ParseInboundSMS(form)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Media) != 2 {
		t.Fatalf("media count = %d, want 2", len(p.Media))
	}
	if p.Media[0].URL != "https://media.example/0" || p.Media[0].ContentType != "image/jpeg" {
		t.Errorf("media[0] = %+v", p.Media[0])
	}
}

func TestParseInboundSMSMediaCap(t *testing.T) {
	form := smsForm()
	form.Set("NumMedia", "25")
	for i := 0; i < 25; i++ {
		form.Set(fmt.Sprintf("MediaUrl%d", i), fmt.Sprintf("https://media.example/%d", i))
	}
	p, err := ParseInboundSMS(form)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Media) != maxMediaItems {
		t.Errorf("media count = %d, want cap %d", len(p.Media), maxMediaItems)
	}
}

func TestParseInboundSMSMediaCountGarbage(t *testing.T) {
	for _, raw := range []string{"", "-3", "abc"} {
		form := smsForm()
		form.Set("NumMedia", raw)
		p, err := ParseInboundSMS(form)
		if err != nil {
			t.Fatalf("NumMedia=%q: %v", raw, err)
		}
		if len(p.Media) != 0 {
			t.Errorf("NumMedia=%q: media count = %d, want 0", raw, len(p.Media))
		}
	}
}

func TestParseDialComplete(t *testing.T) {
	form := url.Values{
		"CallSid":        {"CA123"},
		"DialCallStatus": {"no-answer"},
	}
	p, err := ParseDialComplete(form)
	if err != nil {
		t.Fatal(err)
	}
	if p.DialCallStatus != "no-answer" {
		t.Errorf("DialCallStatus = %q", p.DialCallStatus)
	}

	form.Del("DialCallStatus")
	if _, err := ParseDialComplete(form); err == nil {
		t.Error("missing DialCallStatus: expected error")
	}
}

func TestParseRecordingComplete(t *testing.T) {
	form := url.Values{
		"CallSid":           {"CA123"},
		"RecordingUrl":      {"https://rec.example/CA123"},
		"RecordingDuration": {"45.9"},
	}
	p, err := ParseRecordingComplete(form)
	if err != nil {
		t.Fatal(err)
	}
	if p.Duration != "45.9" {
		t.Errorf("Duration = %q, want raw string preserved", p.Duration)
	}
	// Carriers omit RecordingStatus on the Record action callback.
	if p.Status != "completed" {
		t.Errorf("Status = %q, want default completed", p.Status)
	}

	form.Del("RecordingUrl")
	if _, err := ParseRecordingComplete(form); err == nil {
		t.Error("missing RecordingUrl: expected error")
	}
}

func TestParseCallStatus(t *testing.T) {
	p, err := ParseCallStatus(url.Values{
		"CallSid":    {"CA123"},
		"CallStatus": {"completed"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "completed" {
		t.Errorf("Status = %q", p.Status)
	}
	if _, err := ParseCallStatus(url.Values{"CallSid": {"CA123"}}); err == nil {
		t.Error("missing CallStatus: expected error")
	}
}
