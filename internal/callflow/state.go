// Package callflow models the inbound-call routing state machine: ring
// staff, fall back to voicemail, reconcile recordings. Transitions are a
// pure function of (state, event) so they can be tested without HTTP
// plumbing or a database.
package callflow

// State is the routing state of one inbound call.
type State string

const (
	// StateNew is the initial state before the incoming-call event.
	StateNew State = "new"
	// StateRinging means staff devices are being rung in parallel.
	StateRinging State = "ringing"
	// StateAnsweredCompleted is terminal: a staff member answered and the
	// call ran to completion.
	StateAnsweredCompleted State = "answered_completed"
	// StateNoStaff means no staff devices were online; the call goes
	// straight to the voicemail prompt.
	StateNoStaff State = "no_staff"
	// StateNoAnswer covers no-answer, busy, and failed dial outcomes.
	StateNoAnswer State = "no_answer"
	// StateVoicemailRecording means the caller is leaving a message.
	StateVoicemailRecording State = "voicemail_recording"
	// StateVoicemailComplete is terminal: the voicemail was captured.
	StateVoicemailComplete State = "voicemail_complete"
)

// Terminal reports whether no further routing callbacks are expected.
func (s State) Terminal() bool {
	return s == StateAnsweredCompleted || s == StateVoicemailComplete
}

// Event is a webhook-driven input to the state machine.
type Event interface{ isEvent() }

// IncomingCall carries the set of online staff device identities at the
// moment the call arrived.
type IncomingCall struct {
	OnlineStaff []string
}

// DialFinished carries the carrier's dial outcome: "completed", "answered",
// "no-answer", "busy", or "failed".
type DialFinished struct {
	Status string
}

// VoicemailRecorded fires when the voicemail recording callback arrives.
type VoicemailRecorded struct{}

func (IncomingCall) isEvent()      {}
func (DialFinished) isEvent()      {}
func (VoicemailRecorded) isEvent() {}

// Instruction is the routing response the carrier must receive for the
// current step.
type Instruction interface{ isInstruction() }

// RingStaff rings the given device identities in parallel.
type RingStaff struct {
	Identities []string
}

// GoToVoicemail plays the voicemail prompt and records.
type GoToVoicemail struct{}

// EmptyAck terminates the exchange with an empty acknowledgment.
type EmptyAck struct{}

// SayGoodbye plays the closing script and hangs up. It must never carry a
// record instruction or the flow loops on its own callback.
type SayGoodbye struct{}

func (RingStaff) isInstruction()     {}
func (GoToVoicemail) isInstruction() {}
func (EmptyAck) isInstruction()      {}
func (SayGoodbye) isInstruction()    {}

// maxRingTargets caps how many staff devices one call rings in parallel.
const maxRingTargets = 10

// Transition advances the state machine. Unknown (state, event) pairs fall
// back to voicemail rather than erroring: a telephony webhook must always
// produce a valid routing response or the call drops with nothing captured.
func Transition(s State, ev Event) (State, Instruction) {
	switch e := ev.(type) {
	case IncomingCall:
		if len(e.OnlineStaff) == 0 {
			return StateNoStaff, GoToVoicemail{}
		}
		targets := e.OnlineStaff
		if len(targets) > maxRingTargets {
			targets = targets[:maxRingTargets]
		}
		return StateRinging, RingStaff{Identities: targets}

	case DialFinished:
		switch e.Status {
		case "completed", "answered":
			return StateAnsweredCompleted, EmptyAck{}
		default:
			// no-answer, busy, failed, and anything unrecognized.
			return StateNoAnswer, GoToVoicemail{}
		}

	case VoicemailRecorded:
		return StateVoicemailComplete, SayGoodbye{}
	}

	return StateVoicemailRecording, GoToVoicemail{}
}
