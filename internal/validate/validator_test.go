package validate

import (
	"testing"

	"github.com/ashureev/mcp-gateway/internal/protocol"
)

func mustMessage(t *testing.T, tag protocol.Tag, data interface{}) *protocol.Message {
	t.Helper()
	m, err := protocol.New(tag, data)
	if err != nil {
		t.Fatalf("protocol.New: %v", err)
	}
	return m
}

func TestValidate_RequiredFieldMissing(t *testing.T) {
	v := New(DefaultConfig())
	m := mustMessage(t, protocol.TagAuthenticate, map[string]string{})

	r := v.Validate(m)
	if r.Valid {
		t.Fatal("expected invalid, missing apiKey")
	}
}

func TestValidate_Valid(t *testing.T) {
	v := New(DefaultConfig())
	m := mustMessage(t, protocol.TagCharacteristicRead, map[string]string{
		"deviceId": "d", "serviceUuid": "s", "characteristicUuid": "c",
	})

	r := v.Validate(m)
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_UnknownTypeTreatedAsInvalid(t *testing.T) {
	v := New(DefaultConfig())
	m := mustMessage(t, protocol.Tag("NOT_A_REAL_TAG"), map[string]string{})

	r := v.Validate(m)
	if r.Valid {
		t.Fatal("expected invalid for unknown type")
	}
}

func TestValidate_MissingTypeTreatedAsUnknown(t *testing.T) {
	v := New(DefaultConfig())
	m := &protocol.Message{}

	r := v.Validate(m)
	if r.Valid {
		t.Fatal("expected invalid for missing type")
	}
	if len(r.Errors) != 1 || r.Errors[0] != "Unknown message type" {
		t.Fatalf("errors = %v", r.Errors)
	}
}

func TestValidate_ExtraFieldsAllowed(t *testing.T) {
	v := New(DefaultConfig())
	m := mustMessage(t, protocol.TagConnect, map[string]interface{}{
		"deviceId": "d", "surpriseField": 123,
	})

	r := v.Validate(m)
	if !r.Valid {
		t.Fatalf("expected unknown extra fields to be allowed, got: %v", r.Errors)
	}
}

func TestValidate_NullPropertyFails(t *testing.T) {
	v := New(DefaultConfig())
	m := mustMessage(t, protocol.TagConnect, map[string]interface{}{"deviceId": nil})

	r := v.Validate(m)
	if r.Valid {
		t.Fatal("expected null property to fail validation")
	}
}

func TestValidate_ArrayWithoutItemsSchemaAccepted(t *testing.T) {
	v := New(DefaultConfig())
	m := mustMessage(t, protocol.TagStartScan, map[string]interface{}{
		"filters": []interface{}{"a", "b"},
	})

	r := v.Validate(m)
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
}

func TestValidate_Idempotent(t *testing.T) {
	v := New(DefaultConfig())
	m := mustMessage(t, protocol.TagConnect, map[string]string{"deviceId": "d"})

	first := v.Validate(m)
	second := v.Validate(m)
	if first.Valid != second.Valid {
		t.Fatalf("validate not idempotent: %v vs %v", first, second)
	}

	stats := v.Stats()
	if stats.Hits == 0 {
		t.Fatal("expected second identical call to hit the validation cache")
	}
}
