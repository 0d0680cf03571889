// Package protocol defines the wire messages exchanged over the gateway's
// WebSocket control channel: the closed tag set, the error taxonomy, and the
// JSON framing helpers shared by every other package.
package protocol

import (
	"encoding/json"
	"time"
)

// Tag identifies a message type. The set is closed; OnFrame rejects any
// value outside it with INVALID_MESSAGE_TYPE.
type Tag string

const (
	TagAuthenticate       Tag = "AUTHENTICATE"
	TagAuthenticated      Tag = "AUTHENTICATED"
	TagSessionValid       Tag = "SESSION_VALID"
	TagLogout             Tag = "LOGOUT"
	TagLoggedOut          Tag = "LOGGED_OUT"
	TagStartScan          Tag = "START_SCAN"
	TagStopScan           Tag = "STOP_SCAN"
	TagDeviceFound        Tag = "DEVICE_FOUND"
	TagConnect            Tag = "CONNECT"
	TagDisconnect         Tag = "DISCONNECT"
	TagCharacteristicRead Tag = "CHARACTERISTIC_READ"
	TagCharacteristicWrite Tag = "CHARACTERISTIC_WRITE"
	TagConnectionAck      Tag = "CONNECTION_ACK"
	TagBatch              Tag = "BATCH"
	TagError              Tag = "ERROR"
)

// knownTags is used for membership checks without reflecting over the
// const block.
var knownTags = map[Tag]struct{}{
	TagAuthenticate:        {},
	TagAuthenticated:       {},
	TagSessionValid:        {},
	TagLogout:              {},
	TagLoggedOut:           {},
	TagStartScan:           {},
	TagStopScan:            {},
	TagDeviceFound:         {},
	TagConnect:             {},
	TagDisconnect:          {},
	TagCharacteristicRead:  {},
	TagCharacteristicWrite: {},
	TagConnectionAck:       {},
	TagBatch:               {},
	TagError:               {},
}

// IsKnownTag reports whether t belongs to the closed message-type set.
func IsKnownTag(t Tag) bool {
	_, ok := knownTags[t]
	return ok
}

// Message is the canonical envelope for every frame exchanged with a
// client. Data is schema-dictated per Tag (see the validate package) and is
// kept as raw JSON so the transport layer never needs to know individual
// payload shapes.
type Message struct {
	Type      Tag             `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Code      ErrorTag        `json:"code,omitempty"`
}

// New builds a Message with data marshaled from v and the timestamp set to
// now, in epoch milliseconds.
func New(t Tag, v interface{}) (*Message, error) {
	var raw json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Message{Type: t, Data: raw, Timestamp: NowMillis()}, nil
}

// NowMillis returns the current time as epoch milliseconds, the unit used
// on the wire for Message.Timestamp.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Decode parses a raw frame into a Message. It does not validate the Data
// payload against a schema; that is the Validator's job.
func Decode(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode serializes a Message back to wire bytes.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// DataAsMap decodes the Data payload into a generic map, the shape the
// Validator and handler registry both work against.
func (m *Message) DataAsMap() (map[string]interface{}, error) {
	if len(m.Data) == 0 {
		return map[string]interface{}{}, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(m.Data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
