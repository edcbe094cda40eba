package carrier

import (
	"bytes"
	"encoding/xml"
)

// TwiML verbs rendered back to the carrier to steer a live call. Only the
// verbs the routing state machine emits are modeled.

// Response is the root TwiML document.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Say speaks scripted text to the caller.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

// Dial bridges the caller to one or more staff devices. The carrier rings
// all nested Client identities in parallel and connects the first to answer.
type Dial struct {
	XMLName                 xml.Name `xml:"Dial"`
	Action                  string   `xml:"action,attr,omitempty"`
	Timeout                 int      `xml:"timeout,attr,omitempty"`
	CallerID                string   `xml:"callerId,attr,omitempty"`
	Record                  string   `xml:"record,attr,omitempty"`
	RecordingStatusCallback string   `xml:"recordingStatusCallback,attr,omitempty"`
	Clients                 []Client `xml:"Client"`
	Number                  string   `xml:"Number,omitempty"`
}

// Client is a staff device identity nested inside Dial.
type Client struct {
	XMLName  xml.Name `xml:"Client"`
	Identity string   `xml:",chardata"`
}

// Record captures a voicemail message.
type Record struct {
	XMLName                 xml.Name `xml:"Record"`
	Action                  string   `xml:"action,attr,omitempty"`
	MaxLength               int      `xml:"maxLength,attr,omitempty"`
	PlayBeep                bool     `xml:"playBeep,attr"`
	RecordingStatusCallback string   `xml:"recordingStatusCallback,attr,omitempty"`
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Render serializes the document with the XML declaration the carrier
// expects. Rendering never fails for the fixed verb set; an encoding error
// falls back to an empty acknowledgment so the call is not dropped.
func (resp *Response) Render() string {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return xml.Header + "<Response></Response>"
	}
	return buf.String()
}

// EmptyResponse is the terminal empty acknowledgment.
func EmptyResponse() string {
	return (&Response{}).Render()
}

// SayResponse is a single spoken prompt followed by hangup.
func SayResponse(text string) string {
	return (&Response{Verbs: []any{
		Say{Text: text},
		Hangup{},
	}}).Render()
}
