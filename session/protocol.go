package session

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/kdimentionaltree/wallet-notifier/models"
)

var ErrProtocolViolation = errors.New("protocol violation")

type MessageType string

const (
	MessageLogin       MessageType = "login"
	MessageUnsubscribe MessageType = "unsubscribe"
	MessagePing        MessageType = "ping"

	MessagePong       MessageType = "pong"
	MessageSubscribed MessageType = "subscribed"
	MessageNotify     MessageType = "notify"
)

// Envelope is an inbound client frame.
type Envelope struct {
	Type MessageType `json:"type"`
	// Bytes carries the msgpack login package as an array of octets.
	Bytes json.RawMessage `json:"bytes,omitempty"`
}

type statusMessage struct {
	Type MessageType `json:"type"`
}

type notifyMessage struct {
	Type MessageType `json:"type"`
	*models.Notification
}

func parseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing message type", ErrProtocolViolation)
	}
	return env, nil
}

// decodeOctets accepts either a JSON array of octets or a base64 string.
func decodeOctets(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("missing bytes")
	}
	if raw[0] == '"' {
		var b []byte
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	}
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("octet %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}
