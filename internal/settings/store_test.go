package settings

import (
	"os"
	"path/filepath"
	"testing"

	"previewd/pkg/logx"
)

func TestStoreUpdateNotifiesSynchronously(t *testing.T) {
	t.Parallel()
	s := NewStore("", logx.Nop())

	var got []Settings
	unsub := s.Subscribe(func(snap Settings) { got = append(got, snap) })
	defer unsub()

	s.Update(Patch{"display_duration_ms": 3000})
	if len(got) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(got))
	}
	if got[0].DisplayDurationMs != 3000 {
		t.Fatalf("DisplayDurationMs = %d, want 3000", got[0].DisplayDurationMs)
	}
	if s.Get() != got[0] {
		t.Fatal("Get() disagrees with notified snapshot")
	}
}

func TestStoreEmptyUpdateKeepsState(t *testing.T) {
	t.Parallel()
	s := NewStore("", logx.Nop())
	s.Update(Patch{"image_size_px": 120, "position": "top-left"})
	before := s.Get()
	s.Update(Patch{})
	if s.Get() != before {
		t.Fatalf("empty update changed state: %+v != %+v", s.Get(), before)
	}
}

func TestStorePanickingSubscriberDoesNotAbortFanout(t *testing.T) {
	t.Parallel()
	s := NewStore("", logx.Nop())

	s.Subscribe(func(Settings) { panic("listener bug") })
	called := false
	s.Subscribe(func(Settings) { called = true })

	s.Update(Patch{"enabled": false})
	if !called {
		t.Fatal("second subscriber not called after first panicked")
	}
	if s.Get().Enabled {
		t.Fatal("update lost after subscriber panic")
	}
}

func TestStoreUnsubscribeStopsNotifications(t *testing.T) {
	t.Parallel()
	s := NewStore("", logx.Nop())
	n := 0
	unsub := s.Subscribe(func(Settings) { n++ })
	s.Update(Patch{"enabled": false})
	unsub()
	unsub() // second call is a no-op
	s.Update(Patch{"enabled": true})
	if n != 1 {
		t.Fatalf("notifications = %d, want 1", n)
	}
}

func TestStorePersistAndReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.json")

	s := NewStore(path, logx.Nop())
	s.Update(Patch{"display_duration_ms": 4000, "position": "top-right"})

	again := NewStore(path, logx.Nop())
	if got := again.Get(); got.DisplayDurationMs != 4000 || got.Position != PositionTopRight {
		t.Fatalf("reloaded state mismatch: %+v", got)
	}
}

func TestStoreMalformedFileFallsBackToDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path, logx.Nop())
	if s.Get() != Defaults() {
		t.Fatalf("expected defaults, got %+v", s.Get())
	}
}

func TestStorePersistFailureKeepsMemoryAuthoritative(t *testing.T) {
	t.Parallel()
	// A directory at the target path makes the rename fail.
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	s := NewStore(path, logx.Nop())
	s.Update(Patch{"image_size_px": 99})
	if s.Get().ImageSizePx != 99 {
		t.Fatalf("in-memory state lost on persist failure: %+v", s.Get())
	}
}

func TestStoreReset(t *testing.T) {
	t.Parallel()
	s := NewStore("", logx.Nop())
	s.Update(Patch{"history_limit": 999, "enabled": false})
	s.Reset()
	if s.Get() != Defaults() {
		t.Fatalf("Reset() = %+v, want defaults", s.Get())
	}
}
