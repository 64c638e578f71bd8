package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"remindkit/internal/remote"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestChangeTimezoneAppliesInlineWithoutLocalStore(t *testing.T) {
	t.Parallel()
	a, err := New(writeConfig(t, "logging:\n  level: error\n"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Stop(context.Background()) }()

	a.SetOwner("owner-1")
	res, err := a.ChangeTimezone(context.Background(), "Europe/London")
	if err != nil {
		t.Fatalf("ChangeTimezone: %v", err)
	}
	if res.QueuedForServer {
		t.Fatal("expected in-line apply with no local store")
	}

	mem := a.Store().(*remote.MemoryStore)
	if tz, ok := mem.Timezone("owner-1"); !ok || tz != "Europe/London" {
		t.Fatalf("recorded timezone = %q, %v", tz, ok)
	}
}

func TestChangeTimezoneQueuesWithLocalStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := "logging:\n  level: error\n" +
		"local_store:\n  driver: file\n  path: " + filepath.Join(dir, "state") + "\n" +
		"queue:\n  enabled: true\n  item_delay: 1ms\n"
	a, err := New(writeConfig(t, cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Stop(context.Background()) }()

	ctx := context.Background()
	a.SetOwner("owner-1")
	res, err := a.ChangeTimezone(ctx, "Asia/Tokyo")
	if err != nil {
		t.Fatalf("ChangeTimezone: %v", err)
	}
	if !res.QueuedForServer {
		t.Fatal("expected the change to be queued")
	}
	if st, err := a.Queue().Stats(ctx); err != nil || st.Items != 1 {
		t.Fatalf("stats = %+v, %v; want one pending item", st, err)
	}

	if _, err := a.Queue().Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	mem := a.Store().(*remote.MemoryStore)
	if tz, ok := mem.Timezone("owner-1"); !ok || tz != "Asia/Tokyo" {
		t.Fatalf("timezone after flush = %q, %v", tz, ok)
	}
}

func TestChangeTimezoneRejectsUnknownZone(t *testing.T) {
	t.Parallel()
	a, err := New(writeConfig(t, "logging:\n  level: error\n"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Stop(context.Background()) }()

	a.SetOwner("owner-1")
	if _, err := a.ChangeTimezone(context.Background(), "Mars/Olympus"); err == nil {
		t.Fatal("unknown zone accepted")
	}
}
