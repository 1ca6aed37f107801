package mediastream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/dialtone/internal/call"
)

// ErrUnknownEvent is returned by ParseFrame for events the bridge does not
// act on (for example "mark" or "dtmf").
var ErrUnknownEvent = errors.New("mediastream: unknown event")

// frame is one JSON text message on the media stream.
type frame struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid"`
	Start     *startBody `json:"start,omitempty"`
	Media     *mediaBody `json:"media,omitempty"`
}

type startBody struct {
	CallSID   string   `json:"callSid"`
	StreamSID string   `json:"streamSid"`
	Tracks    []string `json:"tracks"`
}

type mediaBody struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

// ParseFrame decodes one media-stream message into a call event.
func ParseFrame(data []byte) (call.Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return call.Event{}, fmt.Errorf("mediastream: decode frame: %w", err)
	}
	switch f.Event {
	case "connected":
		return call.Event{Kind: call.EventConnected}, nil
	case "start":
		if f.Start == nil {
			return call.Event{}, errors.New("mediastream: start frame without start body")
		}
		streamSID := f.Start.StreamSID
		if streamSID == "" {
			streamSID = f.StreamSID
		}
		return call.Start(f.Start.CallSID, streamSID), nil
	case "media":
		if f.Media == nil {
			return call.Event{}, errors.New("mediastream: media frame without media body")
		}
		return call.Media(f.Media.Payload), nil
	case "stop":
		return call.Stop(), nil
	default:
		return call.Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}
