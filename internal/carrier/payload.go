package carrier

import (
	"fmt"
	"net/url"
	"strconv"
)

// Strict schemas for each webhook type, validated at the boundary before
// any business logic runs. The carrier posts form-encoded bodies; required
// fields missing from the form reject the payload with a clear error.

// maxMediaItems is the carrier's per-message MMS attachment ceiling.
const maxMediaItems = 10

// MediaItem is one MMS attachment reference.
type MediaItem struct {
	URL         string
	ContentType string
}

// InboundSMS is the /sms webhook payload.
type InboundSMS struct {
	MessageSID string
	AccountSID string
	From       string
	To         string
	Body       string
	Media      []MediaItem
}

// DeliveryStatus is the /status webhook payload for outbound SMS.
type DeliveryStatus struct {
	MessageSID string
	Status     string
}

// IncomingCall is the /voice/incoming webhook payload.
type IncomingCall struct {
	CallSID    string
	AccountSID string
	From       string
	To         string
}

// OutboundConnect is the /voice webhook payload for an outbound call leg.
type OutboundConnect struct {
	CallSID string
	To      string
}

// DialComplete is the /voice/dial-complete webhook payload.
type DialComplete struct {
	CallSID        string
	DialCallStatus string
	From           string
}

// RecordingComplete is the payload shared by the three recording-completed
// callbacks. Duration arrives as a string and may be fractional or garbage;
// it is carried raw here and sanitized by the reconciler.
type RecordingComplete struct {
	CallSID      string
	RecordingURL string
	Duration     string
	Status       string
	From         string
}

// CallStatus is the /voice/status lifecycle webhook payload.
type CallStatus struct {
	CallSID string
	Status  string
}

func require(form url.Values, key string) (string, error) {
	v := form.Get(key)
	if v == "" {
		return "", fmt.Errorf("missing required field %q", key)
	}
	return v, nil
}

// ParseInboundSMS validates the /sms form body.
func ParseInboundSMS(form url.Values) (*InboundSMS, error) {
	p := &InboundSMS{Body: form.Get("Body")}
	var err error
	if p.MessageSID, err = require(form, "MessageSid"); err != nil {
		return nil, err
	}
	if p.AccountSID, err = require(form, "AccountSid"); err != nil {
		return nil, err
	}
	if p.From, err = require(form, "From"); err != nil {
		return nil, err
	}
	if p.To, err = require(form, "To"); err != nil {
		return nil, err
	}

	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	if numMedia < 0 {
		numMedia = 0
	}
	if numMedia > maxMediaItems {
		numMedia = maxMediaItems
	}
	for i := 0; i < numMedia; i++ {
		u := form.Get(fmt.Sprintf("MediaUrl%d", i))
		if u == "" {
			continue
		}
		p.Media = append(p.Media, MediaItem{
			URL:         u,
			ContentType: form.Get(fmt.Sprintf("MediaContentType%d", i)),
		})
	}
	return p, nil
}

// ParseDeliveryStatus validates the /status form body.
func ParseDeliveryStatus(form url.Values) (*DeliveryStatus, error) {
	p := &DeliveryStatus{}
	var err error
	if p.MessageSID, err = require(form, "MessageSid"); err != nil {
		return nil, err
	}
	if p.Status, err = require(form, "MessageStatus"); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseIncomingCall validates the /voice/incoming form body.
func ParseIncomingCall(form url.Values) (*IncomingCall, error) {
	p := &IncomingCall{}
	var err error
	if p.CallSID, err = require(form, "CallSid"); err != nil {
		return nil, err
	}
	if p.AccountSID, err = require(form, "AccountSid"); err != nil {
		return nil, err
	}
	if p.From, err = require(form, "From"); err != nil {
		return nil, err
	}
	if p.To, err = require(form, "To"); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseOutboundConnect validates the /voice form body.
func ParseOutboundConnect(form url.Values) (*OutboundConnect, error) {
	p := &OutboundConnect{}
	var err error
	if p.CallSID, err = require(form, "CallSid"); err != nil {
		return nil, err
	}
	if p.To, err = require(form, "To"); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseDialComplete validates the /voice/dial-complete form body.
func ParseDialComplete(form url.Values) (*DialComplete, error) {
	p := &DialComplete{From: form.Get("From")}
	var err error
	if p.CallSID, err = require(form, "CallSid"); err != nil {
		return nil, err
	}
	if p.DialCallStatus, err = require(form, "DialCallStatus"); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseRecordingComplete validates the recording callback form body.
func ParseRecordingComplete(form url.Values) (*RecordingComplete, error) {
	p := &RecordingComplete{
		Duration: form.Get("RecordingDuration"),
		Status:   form.Get("RecordingStatus"),
		From:     form.Get("From"),
	}
	var err error
	if p.CallSID, err = require(form, "CallSid"); err != nil {
		return nil, err
	}
	if p.RecordingURL, err = require(form, "RecordingUrl"); err != nil {
		return nil, err
	}
	if p.Status == "" {
		p.Status = "completed"
	}
	return p, nil
}

// ParseCallStatus validates the /voice/status form body.
func ParseCallStatus(form url.Values) (*CallStatus, error) {
	p := &CallStatus{}
	var err error
	if p.CallSID, err = require(form, "CallSid"); err != nil {
		return nil, err
	}
	if p.Status, err = require(form, "CallStatus"); err != nil {
		return nil, err
	}
	return p, nil
}
