package socket

import (
	"testing"
	"time"

	"chroniclesink/internal/event"
)

func TestProtoRoundTrip(t *testing.T) {
	req := &SocketRequest{
		RequestId: "1",
		Operation: int32(OperationIngest),
		Ingest: &IngestRequest{Events: []*Event{{
			Message:         "hello",
			TimestampUnixNs: 42,
			Fields:          []*Field{{Key: "level", Value: "info"}},
		}}},
	}
	payload, err := MarshalMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalRequest(payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RequestId != "1" || Operation(decoded.Operation) != OperationIngest {
		t.Fatalf("bad decode: %+v", decoded)
	}
	if decoded.Ingest == nil || len(decoded.Ingest.Events) != 1 {
		t.Fatalf("bad ingest: %+v", decoded.Ingest)
	}
	got := decoded.Ingest.Events[0]
	if got.Message != "hello" || got.TimestampUnixNs != 42 || len(got.Fields) != 1 || got.Fields[0].Value != "info" {
		t.Fatalf("bad event: %+v", got)
	}
}

func TestValidateRequest(t *testing.T) {
	cases := []struct {
		name string
		req  *SocketRequest
		ok   bool
	}{
		{"nil", nil, false},
		{"no operation", &SocketRequest{}, false},
		{"ping", &SocketRequest{Operation: int32(OperationPing)}, true},
		{"ingest without events", &SocketRequest{Operation: int32(OperationIngest), Ingest: &IngestRequest{}}, false},
		{"ingest", &SocketRequest{Operation: int32(OperationIngest), Ingest: &IngestRequest{Events: []*Event{{Message: "m"}}}}, true},
		{"gelf without frames", &SocketRequest{Operation: int32(OperationIngestGELF), Ingest: &IngestRequest{Events: []*Event{{}}}}, false},
		{"gelf", &SocketRequest{Operation: int32(OperationIngestGELF), Ingest: &IngestRequest{Gelf: [][]byte{[]byte("{}")}}}, true},
	}
	for _, tc := range cases {
		err := ValidateRequest(tc.req)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
}

func TestToEvent(t *testing.T) {
	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e, err := ToEvent(&Event{Message: "boot", Host: "h1", Fields: []*Field{{Key: "level", Value: "warn"}}}, received)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := e.Get(event.MessageKey); v != "boot" {
		t.Fatalf("message: %v", v)
	}
	if v, _ := e.Get(event.HostKey); v != "h1" {
		t.Fatalf("host: %v", v)
	}
	if v, _ := e.Get("level"); v != "warn" {
		t.Fatalf("level: %v", v)
	}
	if ts, ok := e.Timestamp(); !ok || !ts.Equal(received) {
		t.Fatalf("timestamp: %v %v", ts, ok)
	}

	sent := time.Unix(1700000000, 5).UTC()
	e, err = ToEvent(&Event{Message: "m", TimestampUnixNs: sent.UnixNano()}, received)
	if err != nil {
		t.Fatal(err)
	}
	if ts, _ := e.Timestamp(); !ts.Equal(sent) {
		t.Fatalf("timestamp: %v", ts)
	}

	if _, err := ToEvent(&Event{Fields: []*Field{{Key: " "}}}, received); err == nil {
		t.Fatal("expected error for blank field key")
	}
	if _, err := ToEvent(nil, received); err == nil {
		t.Fatal("expected error for nil event")
	}
}
