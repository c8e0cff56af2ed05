package channel

import (
	"encoding/json"

	"portal-bridge/internal/errors"
	"portal-bridge/internal/models"
)

// ProtocolVersion is the channel protocol spoken by this bridge.
const ProtocolVersion = "1.0.0"

// FrameType identifies the kind of frame carried in an envelope.
type FrameType string

const (
	FrameHello     FrameType = "hello"
	FrameWelcome   FrameType = "welcome"
	FrameRejected  FrameType = "rejected"
	FrameCommand   FrameType = "command"
	FrameEvent     FrameType = "event"
	FrameKeepalive FrameType = "keepalive"
)

// Frame is one decrypted channel message. Only the fields relevant to Type
// are set.
type Frame struct {
	Type FrameType `json:"type"`

	// hello, welcome
	Name     string `json:"name,omitempty"`
	Protocol string `json:"protocol,omitempty"`

	// rejected
	Reason string `json:"reason,omitempty"`

	// command, event
	JobID   string           `json:"job_id,omitempty"`
	Command string           `json:"command,omitempty"`
	Kind    models.EventKind `json:"kind,omitempty"`
	Payload string           `json:"payload,omitempty"`
}

// Envelope is the outer wire message. Data holds the sealed Frame and is
// base64-encoded by encoding/json. A rejected envelope may carry no data,
// since the peer cannot seal to a client it failed to authenticate.
type Envelope struct {
	Type FrameType `json:"type"`
	Data []byte    `json:"data,omitempty"`
}

// CommandFrame builds an outbound command.
func CommandFrame(jobID, command string) Frame {
	return Frame{Type: FrameCommand, JobID: jobID, Command: command}
}

// EventFrame builds an inbound event.
func EventFrame(jobID string, kind models.EventKind, payload string) Frame {
	return Frame{Type: FrameEvent, JobID: jobID, Kind: kind, Payload: payload}
}

// KeepaliveFrame builds a keepalive.
func KeepaliveFrame() Frame {
	return Frame{Type: FrameKeepalive}
}

// EncodeFrame seals f with key and returns the JSON envelope.
func EncodeFrame(key Key, f Frame) ([]byte, error) {
	plain, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal frame")
	}
	sealed, err := key.Seal(plain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: f.Type, Data: sealed})
}

// DecodeFrame parses an envelope and opens its payload with key. Every
// failure is marked with errors.ErrMalformedFrame.
func DecodeFrame(key Key, raw []byte) (Frame, error) {
	f, err := decodeFrame(key, raw)
	if err != nil {
		return Frame{}, errors.Mark(err, errors.ErrMalformedFrame)
	}
	return f, nil
}

func decodeFrame(key Key, raw []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, errors.Wrap(err, "failed to unmarshal envelope")
	}
	if env.Type == FrameRejected && len(env.Data) == 0 {
		return Frame{Type: FrameRejected}, nil
	}

	plain, err := key.Open(env.Data)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(plain, &f); err != nil {
		return Frame{}, errors.Wrap(err, "failed to unmarshal frame")
	}
	if f.Type != env.Type {
		return Frame{}, errors.Newf("envelope type %q does not match frame type %q", env.Type, f.Type)
	}
	return f, nil
}

// Validate checks that an inbound event frame is usable.
func (f Frame) Validate() error {
	switch f.Type {
	case FrameEvent:
		if f.JobID == "" {
			return errors.New("event has no job_id")
		}
		switch f.Kind {
		case models.EventRunning, models.EventFinished, models.EventErrored:
			return nil
		}
		return errors.Newf("event has unknown kind %q", f.Kind)
	case FrameCommand:
		if f.JobID == "" || f.Command == "" {
			return errors.New("command needs job_id and command")
		}
	}
	return nil
}
