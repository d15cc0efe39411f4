package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage is returned when a payload does not match the message schema.
var ErrInvalidMessage = errors.New("invalid message")

// Encode serializes a message into a frame payload.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses a frame payload and checks it against the schema.
func Decode(b []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after message", ErrInvalidMessage)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that exactly the payload matching the message type is set.
func (m *Message) Validate() error {
	set := 0
	for _, p := range []bool{
		m.Handshake != nil,
		m.Install != nil,
		m.Progress != nil,
		m.Result != nil,
		m.Cancel != nil,
		m.Shutdown != nil,
		m.Error != nil,
	} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %q carries %d payloads", ErrInvalidMessage, m.Type, set)
	}

	var ok bool
	switch m.Type {
	case TypeHandshake:
		ok = m.Handshake != nil
	case TypeInstall:
		ok = m.Install != nil
	case TypeProgress:
		ok = m.Progress != nil
		if ok && (m.Progress.Percent < 0 || m.Progress.Percent > 100) {
			return fmt.Errorf("%w: progress %d out of range", ErrInvalidMessage, m.Progress.Percent)
		}
	case TypeResult:
		ok = m.Result != nil
		if ok && m.Result.Outcome != OutcomeSuccess && m.Result.Outcome != OutcomeFailed {
			return fmt.Errorf("%w: unknown outcome %q", ErrInvalidMessage, m.Result.Outcome)
		}
	case TypeCancel:
		ok = m.Cancel != nil
	case TypeShutdown:
		ok = m.Shutdown != nil
	case TypeError:
		ok = m.Error != nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if !ok {
		return fmt.Errorf("%w: %q has the wrong payload", ErrInvalidMessage, m.Type)
	}
	return nil
}
