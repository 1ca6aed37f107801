package call

import (
	"github.com/MrWong99/dialtone/internal/recognizer"
	"github.com/MrWong99/dialtone/internal/responder"
	"github.com/MrWong99/dialtone/pkg/provider/stt"
)

// EventKind discriminates the variants of Event.
type EventKind int

const (
	// EventConnected is the telephony transport handshake. Informational.
	EventConnected EventKind = iota + 1

	// EventStart carries the call and stream identifiers.
	EventStart

	// EventMedia carries one base64 μ-law audio frame.
	EventMedia

	// EventStop reports that the telephony side ended the stream.
	EventStop

	// EventHangup reports that the duplex connection closed without a stop.
	EventHangup

	// EventRecognizerReady, EventRecognizerTurn, EventRecognizerError and
	// EventRecognizerClosed relay recognizer events.
	EventRecognizerReady
	EventRecognizerTurn
	EventRecognizerError
	EventRecognizerClosed

	// EventReplyReady delivers the result of a reply cycle.
	EventReplyReady

	// EventControlDone reports the result of a call-control instruction.
	EventControlDone

	// EventPlaybackDone fires when the estimated playback time of a reply
	// has elapsed.
	EventPlaybackDone

	// EventNextInput reports that the provider called the next-input webhook
	// for this call, so the spoken reply has finished.
	EventNextInput
)

// String returns the lower-case event name used in logs.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventStart:
		return "start"
	case EventMedia:
		return "media"
	case EventStop:
		return "stop"
	case EventHangup:
		return "hangup"
	case EventRecognizerReady:
		return "recognizer_ready"
	case EventRecognizerTurn:
		return "recognizer_turn"
	case EventRecognizerError:
		return "recognizer_error"
	case EventRecognizerClosed:
		return "recognizer_closed"
	case EventReplyReady:
		return "reply_ready"
	case EventControlDone:
		return "control_done"
	case EventPlaybackDone:
		return "playback_done"
	case EventNextInput:
		return "next_input"
	default:
		return "unknown"
	}
}

// Event is one item on a session's inbound queue. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind EventKind

	// CallSID and StreamSID are set for EventStart.
	CallSID   string
	StreamSID string

	// Payload is the base64 audio of an EventMedia.
	Payload string

	// Recognizer is the relayed event for the EventRecognizer* kinds.
	Recognizer recognizer.Event

	// Seq identifies the reply cycle for EventReplyReady, EventControlDone
	// and EventPlaybackDone.
	Seq uint64

	// Reply is set for EventReplyReady.
	Reply responder.Reply

	// Control is the instruction kind for EventControlDone.
	Control string

	// Err is the instruction failure for EventControlDone.
	Err error
}

// Start builds an EventStart.
func Start(callSID, streamSID string) Event {
	return Event{Kind: EventStart, CallSID: callSID, StreamSID: streamSID}
}

// Media builds an EventMedia.
func Media(payload string) Event {
	return Event{Kind: EventMedia, Payload: payload}
}

// Stop builds an EventStop.
func Stop() Event {
	return Event{Kind: EventStop}
}

// fromRecognizer maps a recognizer event onto the session queue.
func fromRecognizer(ev recognizer.Event) Event {
	e := Event{Recognizer: ev}
	switch ev.Kind {
	case recognizer.EventReady:
		e.Kind = EventRecognizerReady
	case recognizer.EventTurn:
		e.Kind = EventRecognizerTurn
	case recognizer.EventError:
		e.Kind = EventRecognizerError
	default:
		e.Kind = EventRecognizerClosed
	}
	return e
}

// turn returns the recognizer turn carried by e.
func (e Event) turn() stt.Turn {
	return e.Recognizer.Turn
}
