package validate

import "github.com/ashureev/mcp-gateway/internal/protocol"

// schemaStore is the authoritative, in-memory, init-time-registered schema
// set from spec §4.3. Schemas are defined once as constant data so Validate
// walks them without reflection.
var schemaStore = map[protocol.Tag]Schema{
	protocol.TagAuthenticate: {
		Required: []string{"apiKey"},
		Properties: map[string]PropertySchema{
			"apiKey": {Type: TypeString},
		},
	},
	protocol.TagLogout: {
		Required:   nil,
		Properties: map[string]PropertySchema{},
	},
	protocol.TagSessionValid: {
		Required:   nil,
		Properties: map[string]PropertySchema{},
	},
	protocol.TagStartScan: {
		Required: nil,
		Properties: map[string]PropertySchema{
			"filters": {Type: TypeArray, Items: &PropertySchema{Type: TypeString}},
		},
	},
	protocol.TagStopScan: {
		Required:   nil,
		Properties: map[string]PropertySchema{},
	},
	protocol.TagConnect: {
		Required: []string{"deviceId"},
		Properties: map[string]PropertySchema{
			"deviceId": {Type: TypeString},
		},
	},
	protocol.TagDisconnect: {
		Required: []string{"deviceId"},
		Properties: map[string]PropertySchema{
			"deviceId": {Type: TypeString},
		},
	},
	protocol.TagCharacteristicRead: {
		Required: []string{"deviceId", "serviceUuid", "characteristicUuid"},
		Properties: map[string]PropertySchema{
			"deviceId":           {Type: TypeString},
			"serviceUuid":        {Type: TypeString},
			"characteristicUuid": {Type: TypeString},
		},
	},
	protocol.TagCharacteristicWrite: {
		Required: []string{"deviceId", "serviceUuid", "characteristicUuid", "value"},
		Properties: map[string]PropertySchema{
			"deviceId":           {Type: TypeString},
			"serviceUuid":        {Type: TypeString},
			"characteristicUuid": {Type: TypeString},
			"value":              {Type: TypeString},
		},
	},
}

// SchemaStore exposes a read-only lookup over the authoritative schema set.
type SchemaStore struct{}

// Lookup returns the schema for t, or ok=false if t has no registered
// schema (a message type that exists but carries no inbound payload
// contract, or an unrecognized type).
func (SchemaStore) Lookup(t protocol.Tag) (Schema, bool) {
	s, ok := schemaStore[t]
	return s, ok
}
