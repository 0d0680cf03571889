package auditlog

import (
	"context"
	"path/filepath"
	"testing"
)

func TestLog_RecordAndRecentEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	if err := l.Record(ctx, EventAuthenticate, "client-1", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(ctx, EventLogout, "client-1", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(ctx, EventAuthenticate, "client-2", "other client"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := l.RecentEvents(ctx, "client-1", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d; want 2", len(events))
	}
	if events[0].Kind != EventLogout {
		t.Fatalf("events[0].Kind = %s; want LOGOUT (newest first)", events[0].Kind)
	}
}

func TestLog_SampleConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.SampleConnections(context.Background(), 42); err != nil {
		t.Fatalf("SampleConnections: %v", err)
	}
}
