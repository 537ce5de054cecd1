// Package protocol models the wire surface between clients and the pairing
// hub.
//
// It intentionally avoids depending on any WebRTC library type; call
// signaling payloads are opaque to the relay and forwarded verbatim.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EventType discriminates client and server events. Client->server and
// server->client share the relayed kinds; "users_online", "matched" and
// "waiting" are server-only.
type EventType string

const (
	EventMessage          EventType = "message"
	EventMediaMessage     EventType = "media_message"
	EventCallRequest      EventType = "call_request"
	EventCallAnswer       EventType = "call_answer"
	EventCallICECandidate EventType = "call_ice_candidate"
	EventCallEnd          EventType = "call_end"
	EventSkip             EventType = "skip"

	EventUsersOnline EventType = "users_online"
	EventMatched     EventType = "matched"
	EventWaiting     EventType = "waiting"
)

// Call kinds accepted on call_request.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// MaxTextRunes is the relay's text truncation bound.
const MaxTextRunes = 1000

// ClientEvent is a single inbound event from a connected participant.
type ClientEvent struct {
	Type EventType `json:"type"`

	// message
	Text string `json:"text,omitempty"`

	// media_message
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// call signaling. PeerID is advisory only: the relay always resolves the
	// current partner itself and never routes by a client-supplied id.
	PeerID    string          `json:"peerId,omitempty"`
	CallType  string          `json:"callType,omitempty"`
	Accepted  *bool           `json:"accepted,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// ServerEvent is a single outbound notification to one participant
// (users_online is delivered to every participant individually).
type ServerEvent struct {
	Type EventType `json:"type"`

	Count   int    `json:"count,omitempty"`
	Partner string `json:"partner,omitempty"`

	From      string          `json:"from,omitempty"`
	Text      string          `json:"text,omitempty"`
	URL       string          `json:"url,omitempty"`
	MediaType string          `json:"mediaType,omitempty"`
	CallType  string          `json:"callType,omitempty"`
	Accepted  *bool           `json:"accepted,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ParseClientEvent decodes and validates one inbound event.
//
// Unknown fields, trailing data, and structurally invalid events are errors;
// they indicate a broken or hostile client and close the connection. Content
// that is merely droppable (empty text, untrusted media URL) parses fine and
// is handled by the relay's silent-drop rules.
func ParseClientEvent(data []byte) (ClientEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var ev ClientEvent
	if err := dec.Decode(&ev); err != nil {
		return ClientEvent{}, err
	}
	if err := ev.validate(); err != nil {
		return ClientEvent{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientEvent{}, fmt.Errorf("unexpected trailing data")
	}
	return ev, nil
}

func (ev ClientEvent) validate() error {
	switch ev.Type {
	case EventMessage:
		if ev.URL != "" || ev.MediaType != "" || ev.CallType != "" || ev.Accepted != nil || ev.Candidate != nil {
			return fmt.Errorf("message event has unexpected fields")
		}
	case EventMediaMessage:
		if ev.URL == "" {
			return fmt.Errorf("media_message event missing url")
		}
		if ev.Text != "" || ev.CallType != "" || ev.Accepted != nil || ev.Candidate != nil {
			return fmt.Errorf("media_message event has unexpected fields")
		}
	case EventCallRequest:
		if ev.CallType != CallTypeAudio && ev.CallType != CallTypeVideo {
			return fmt.Errorf("call_request event has callType=%q", ev.CallType)
		}
		if ev.Text != "" || ev.URL != "" || ev.MediaType != "" || ev.Accepted != nil || ev.Candidate != nil {
			return fmt.Errorf("call_request event has unexpected fields")
		}
	case EventCallAnswer:
		if ev.Accepted == nil {
			return fmt.Errorf("call_answer event missing accepted")
		}
		if ev.Text != "" || ev.URL != "" || ev.MediaType != "" || ev.CallType != "" || ev.Candidate != nil {
			return fmt.Errorf("call_answer event has unexpected fields")
		}
	case EventCallICECandidate:
		if len(ev.Candidate) == 0 {
			return fmt.Errorf("call_ice_candidate event missing candidate")
		}
		if ev.Text != "" || ev.URL != "" || ev.MediaType != "" || ev.CallType != "" || ev.Accepted != nil {
			return fmt.Errorf("call_ice_candidate event has unexpected fields")
		}
	case EventCallEnd, EventSkip:
		if ev.Text != "" || ev.URL != "" || ev.MediaType != "" || ev.PeerID != "" || ev.CallType != "" || ev.Accepted != nil || ev.Candidate != nil {
			return fmt.Errorf("%s event has unexpected fields", ev.Type)
		}
	default:
		return fmt.Errorf("unsupported event type %q", ev.Type)
	}
	return nil
}
