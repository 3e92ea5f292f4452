package preview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"previewd/internal/artifact"
	"previewd/internal/settings"
	"previewd/pkg/logx"
)

// fakeSurface records surface calls.
type fakeSurface struct {
	mu       sync.Mutex
	mounts   []CardView
	updates  []CardView
	unmounts []string // "id:reason"
	opened   []string
}

func (f *fakeSurface) Mount(v CardView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounts = append(f.mounts, v)
}
func (f *fakeSurface) Update(v CardView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, v)
}
func (f *fakeSurface) Unmount(id, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmounts = append(f.unmounts, id+":"+reason)
}
func (f *fakeSurface) OpenURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, url)
}

// fakeTimers captures scheduled callbacks so tests fire them manually.
type fakeTimers struct {
	mu      sync.Mutex
	pending []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

func (f *fakeTimers) factory(d time.Duration, fn func()) stopper {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	f.pending = append(f.pending, t)
	return t
}

// fireAll runs every pending non-stopped callback once.
func (f *fakeTimers) fireAll() {
	f.mu.Lock()
	batch := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, t := range batch {
		if !t.stopped {
			t.fn()
		}
	}
}

type fakeGallery struct {
	opened  bool
	entryID string
	count   int
	start   int
	ret     bool
	err     error
}

func (g *fakeGallery) Open(_ context.Context, entryID string, arts []artifact.Artifact, start int) (bool, error) {
	g.opened = true
	g.entryID = entryID
	g.count = len(arts)
	g.start = start
	return g.ret, g.err
}

func arts(n int) []artifact.Artifact {
	out := make([]artifact.Artifact, n)
	for i := range out {
		out[i] = artifact.Artifact{URL: fmt.Sprintf("/view?filename=a%d.png", i), Title: fmt.Sprintf("a%d", i)}
	}
	return out
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeSurface, *fakeTimers) {
	t.Helper()
	surf := &fakeSurface{}
	timers := &fakeTimers{}
	opts = append([]Option{WithTimerFactory(timers.factory)}, opts...)
	m := NewManager(surf, settings.Defaults(), logx.Nop(), opts...)
	return m, surf, timers
}

func TestCreateCardMountsAndArmsTimer(t *testing.T) {
	t.Parallel()
	m, surf, timers := newTestManager(t)

	h := m.CreateCard("e1", arts(2), arts(5))
	if h == nil {
		t.Fatal("CreateCard returned nil")
	}
	if len(surf.mounts) != 1 {
		t.Fatalf("mounts = %d, want 1", len(surf.mounts))
	}
	if got := surf.mounts[0]; len(got.Artifacts) != 2 || got.EntryID != "e1" {
		t.Fatalf("bad mount view: %+v", got)
	}
	if m.Live() != 1 {
		t.Fatalf("Live = %d", m.Live())
	}

	// Expiry: removal timer fires, card unmounts, record drops after the
	// leave transition.
	timers.fireAll()
	if m.Live() != 0 {
		t.Fatalf("Live after expiry = %d", m.Live())
	}
	if len(surf.unmounts) != 1 || surf.unmounts[0] != h.ID+":expired" {
		t.Fatalf("unmounts = %v", surf.unmounts)
	}
	timers.fireAll() // leave transition
}

func TestCreateCardRejectsEmptyAndDisabled(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	if m.CreateCard("e1", nil, nil) != nil {
		t.Fatal("expected nil for empty display set")
	}

	m.ApplySettings(settings.Normalize(settings.Defaults(), settings.Patch{"enabled": false}))
	if m.CreateCard("e1", arts(1), nil) != nil {
		t.Fatal("expected nil while disabled")
	}
}

func TestOverflowEvictsOldestFIFO(t *testing.T) {
	t.Parallel()
	m, surf, _ := newTestManager(t)

	handles := make([]*CardHandle, 0, maxVisible+2)
	for i := 0; i < maxVisible+2; i++ {
		h := m.CreateCard(fmt.Sprintf("e%d", i), arts(1), nil)
		if h == nil {
			t.Fatalf("create %d failed", i)
		}
		handles = append(handles, h)
	}

	if m.Live() != maxVisible {
		t.Fatalf("Live = %d, want %d", m.Live(), maxVisible)
	}
	// The two oldest (by creation order) are the evicted ones.
	want := []string{handles[0].ID + ":evicted", handles[1].ID + ":evicted"}
	if len(surf.unmounts) != 2 || surf.unmounts[0] != want[0] || surf.unmounts[1] != want[1] {
		t.Fatalf("unmounts = %v, want %v", surf.unmounts, want)
	}
}

func TestRemoveCardIsIdempotent(t *testing.T) {
	t.Parallel()
	m, surf, _ := newTestManager(t)
	h := m.CreateCard("e1", arts(1), nil)

	m.RemoveCard(*h)
	m.RemoveCard(*h)
	m.RemoveCard(CardHandle{ID: "unknown"})

	if len(surf.unmounts) != 1 {
		t.Fatalf("unmounts = %v, want exactly one", surf.unmounts)
	}
}

func TestDisplayTruncatedToGridFullSetKept(t *testing.T) {
	t.Parallel()
	m, surf, _ := newTestManager(t)
	g := &fakeGallery{ret: true}
	m.gallery = g

	m.CreateCard("e1", arts(maxGridCells+3), arts(9))
	if len(surf.mounts[0].Artifacts) != maxGridCells {
		t.Fatalf("grid = %d, want %d", len(surf.mounts[0].Artifacts), maxGridCells)
	}

	m.ActivateThumbnail(context.Background(), surf.mounts[0].ID, 1)
	if !g.opened || g.count != 9 {
		t.Fatalf("gallery got %d artifacts, want full set of 9", g.count)
	}
	if g.start != 1 {
		t.Fatalf("start = %d, want index of clicked artifact", g.start)
	}
}

func TestActivateThumbnailFallsBackToOpenURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		gallery Gallery
	}{
		{name: "no gallery", gallery: nil},
		{name: "gallery declines", gallery: &fakeGallery{ret: false}},
		{name: "gallery errors", gallery: &fakeGallery{err: errors.New("boom")}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, surf, _ := newTestManager(t)
			m.gallery = tt.gallery
			h := m.CreateCard("e1", arts(2), nil)
			m.ActivateThumbnail(context.Background(), h.ID, 0)
			if len(surf.opened) != 1 {
				t.Fatalf("opened = %v, want direct open fallback", surf.opened)
			}
		})
	}
}

func TestApplySettingsRestylesWithoutRearmingTimers(t *testing.T) {
	t.Parallel()
	m, surf, timers := newTestManager(t)
	m.CreateCard("e1", arts(1), nil)

	timerCount := len(timers.pending)
	m.ApplySettings(settings.Normalize(settings.Defaults(), settings.Patch{"image_size_px": 200}))

	if len(surf.updates) != 1 {
		t.Fatalf("updates = %d, want 1 restyle", len(surf.updates))
	}
	if surf.updates[0].ImageSizePx != 200 {
		t.Fatalf("ImageSizePx = %d, want 200", surf.updates[0].ImageSizePx)
	}
	if len(timers.pending) != timerCount {
		t.Fatal("restyle must not create or rearm timers")
	}
	for _, tm := range timers.pending {
		if tm.stopped {
			t.Fatal("restyle must not cancel existing timers")
		}
	}
}

func TestApplySettingsDisableRemovesAll(t *testing.T) {
	t.Parallel()
	m, surf, _ := newTestManager(t)
	m.CreateCard("e1", arts(1), nil)
	m.CreateCard("e2", arts(1), nil)

	m.ApplySettings(settings.Normalize(settings.Defaults(), settings.Patch{"enabled": false}))
	if m.Live() != 0 {
		t.Fatalf("Live = %d, want 0 after disable", m.Live())
	}
	if len(surf.unmounts) != 2 {
		t.Fatalf("unmounts = %v", surf.unmounts)
	}
}

func TestMediaLoadedComputesLayout(t *testing.T) {
	t.Parallel()
	m, surf, _ := newTestManager(t)
	m.ApplySettings(settings.Normalize(settings.Defaults(), settings.Patch{"landscape_viewport_percent": 20}))
	m.SetViewport(Viewport{Width: 1280, Height: 720})

	h := m.CreateCard("e1", arts(1), nil)
	m.MediaLoaded(h.ID, 0, 1920, 1080)

	last := surf.updates[len(surf.updates)-1]
	got := last.Artifacts[0].Layout
	if got.Width != 256 || got.Height != 144 {
		t.Fatalf("layout = %+v, want 256x144", got)
	}
}

func TestMediaLoadedStaleReportIgnored(t *testing.T) {
	t.Parallel()
	m, surf, _ := newTestManager(t)
	h := m.CreateCard("e1", arts(1), nil)
	m.RemoveCard(*h)

	before := len(surf.updates)
	m.MediaLoaded(h.ID, 0, 1920, 1080)
	if len(surf.updates) != before {
		t.Fatal("stale media report must not restyle a leaving card")
	}
}

func TestDisposeBlocksCreation(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	m.CreateCard("e1", arts(1), nil)
	m.Dispose()
	if m.Live() != 0 {
		t.Fatalf("Live = %d after Dispose", m.Live())
	}
	if m.CreateCard("e2", arts(1), nil) != nil {
		t.Fatal("CreateCard must return nil after Dispose")
	}
}
