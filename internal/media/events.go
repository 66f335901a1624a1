// Package media speaks the telephony provider's bidirectional stream
// protocol: JSON text frames carrying base64 PCM over a WebSocket.
package media

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrProtocol = errors.New("media: protocol error")

// ProtocolError describes a malformed or unrecognized inbound frame. The
// session that received it keeps running.
type ProtocolError struct {
	Event  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "media: " + e.Reason
	if e.Event != "" {
		msg = fmt.Sprintf("media: %s frame: %s", e.Event, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func (e *ProtocolError) Unwrap() error { return e.Err }

// Event is one inbound frame. The set of implementations is closed:
// Connected, Start, Media, Stop and DTMF.
type Event interface {
	Name() string
	isEvent()
}

type Connected struct {
	Protocol string
	Version  string
}

type Start struct {
	StreamSID  string
	CallSID    string
	AccountSID string
	// CustomParameters carries <Parameter> values from the TwiML <Stream>.
	CustomParameters map[string]string
}

type Media struct {
	StreamSID string
	Payload   []byte
}

type Stop struct {
	StreamSID string
}

type DTMF struct {
	StreamSID string
	Digit     string
}

func (Connected) Name() string { return "connected" }
func (Start) Name() string     { return "start" }
func (Media) Name() string     { return "media" }
func (Stop) Name() string      { return "stop" }
func (DTMF) Name() string      { return "dtmf" }

func (Connected) isEvent() {}
func (Start) isEvent()     {}
func (Media) isEvent()     {}
func (Stop) isEvent()      {}
func (DTMF) isEvent()      {}

type frame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Version   string `json:"version,omitempty"`
	Start     *struct {
		CallSID          string            `json:"callSid"`
		AccountSID       string            `json:"accountSid"`
		StreamSID        string            `json:"streamSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf,omitempty"`
}

// Parse decodes one inbound text frame.
func Parse(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &ProtocolError{Reason: "invalid json", Err: err}
	}
	switch f.Event {
	case "connected":
		return Connected{Protocol: f.Protocol, Version: f.Version}, nil
	case "start":
		ev := Start{StreamSID: f.StreamSID}
		if f.Start != nil {
			ev.CallSID = f.Start.CallSID
			ev.AccountSID = f.Start.AccountSID
			ev.CustomParameters = f.Start.CustomParameters
			if ev.StreamSID == "" {
				ev.StreamSID = f.Start.StreamSID
			}
		}
		if ev.StreamSID == "" {
			return nil, &ProtocolError{Event: f.Event, Reason: "missing streamSid"}
		}
		return ev, nil
	case "media":
		if f.Media == nil {
			return nil, &ProtocolError{Event: f.Event, Reason: "missing media object"}
		}
		payload, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			return nil, &ProtocolError{Event: f.Event, Reason: "payload is not base64", Err: err}
		}
		return Media{StreamSID: f.StreamSID, Payload: payload}, nil
	case "stop":
		return Stop{StreamSID: f.StreamSID}, nil
	case "dtmf":
		ev := DTMF{StreamSID: f.StreamSID}
		if f.DTMF != nil {
			ev.Digit = f.DTMF.Digit
		}
		return ev, nil
	case "":
		return nil, &ProtocolError{Reason: "missing event field"}
	default:
		return nil, &ProtocolError{Event: f.Event, Reason: "unknown event"}
	}
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// EncodeMedia builds the outbound media frame for one audio packet.
func EncodeMedia(streamSID string, payload []byte) ([]byte, error) {
	out := outboundMedia{Event: "media", StreamSID: streamSID}
	out.Media.Payload = base64.StdEncoding.EncodeToString(payload)
	return json.Marshal(out)
}
