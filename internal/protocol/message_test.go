package protocol

import "testing"

func TestIsKnownTag(t *testing.T) {
	if !IsKnownTag(TagAuthenticate) {
		t.Fatal("AUTHENTICATE should be a known tag")
	}
	if IsKnownTag(Tag("NOT_A_REAL_TAG")) {
		t.Fatal("bogus tag should not be known")
	}
}

func TestNewEncodeDecodeRoundTrip(t *testing.T) {
	type payload struct {
		DeviceID string `json:"deviceId"`
	}
	msg, err := New(TagConnect, payload{DeviceID: "d1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if msg.Timestamp == 0 {
		t.Fatal("expected a nonzero timestamp")
	}

	frame, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != TagConnect {
		t.Fatalf("decoded.Type = %v; want CONNECT", decoded.Type)
	}

	data, err := decoded.DataAsMap()
	if err != nil {
		t.Fatalf("DataAsMap: %v", err)
	}
	if data["deviceId"] != "d1" {
		t.Fatalf("data[deviceId] = %v; want d1", data["deviceId"])
	}
}

func TestDataAsMapOnEmptyData(t *testing.T) {
	msg, err := New(TagLogout, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := msg.DataAsMap()
	if err != nil {
		t.Fatalf("DataAsMap: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected an empty map, got %v", data)
	}
}

func TestDecodeInvalidFrame(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected an error decoding a non-JSON frame")
	}
}
