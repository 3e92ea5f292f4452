// Package preview manages the bounded, self-expiring collection of
// on-screen preview cards.
package preview

import (
	"context"
	"strconv"
	"sync"
	"time"

	"previewd/internal/artifact"
	"previewd/internal/eventbus"
	"previewd/internal/settings"
	"previewd/pkg/logx"
)

const (
	// maxVisible bounds the number of live cards; the oldest surplus
	// cards are evicted immediately, regardless of remaining time.
	maxVisible = 4

	// maxGridCells bounds the thumbnail grid of a single card.
	maxGridCells = 4

	// leaveTransition is how long an unmounted card lingers before its
	// record is dropped (matches the client's removal animation).
	leaveTransition = 300 * time.Millisecond
)

// Surface is the host rendering boundary. Implementations must be cheap
// and non-blocking; the websocket surface broadcasts to UI clients.
type Surface interface {
	Mount(v CardView)
	Update(v CardView)
	Unmount(id, reason string)
	OpenURL(url string)
}

// Gallery is the optional full-screen viewer collaborator. A false
// return (without error) signals the caller to fall back to opening the
// raw resource directly.
type Gallery interface {
	Open(ctx context.Context, entryID string, artifacts []artifact.Artifact, startIndex int) (bool, error)
}

// stopper abstracts *time.Timer for deterministic tests.
type stopper interface{ Stop() bool }

type timerFactory func(d time.Duration, fn func()) stopper

func realTimers(d time.Duration, fn func()) stopper { return time.AfterFunc(d, fn) }

// CardHandle identifies a live card to external callers.
type CardHandle struct {
	ID string
}

// Manager owns every preview card from creation to removal.
//
// All state is guarded by one mutex; timer callbacks re-enter through
// exported methods and take the lock themselves.
type Manager struct {
	mu sync.Mutex

	log     logx.Logger
	surface Surface
	gallery Gallery
	bus     eventbus.Bus

	settings settings.Settings
	viewport Viewport

	cards map[string]*card
	order []string // creation order, oldest first
	seq   uint64

	after    timerFactory
	disposed bool
}

type Option func(*Manager)

// WithTimerFactory replaces time.AfterFunc, used by tests to fire
// timers manually.
func WithTimerFactory(f timerFactory) Option {
	return func(m *Manager) { m.after = f }
}

func WithGallery(g Gallery) Option {
	return func(m *Manager) { m.gallery = g }
}

func WithBus(b eventbus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

func NewManager(surface Surface, initial settings.Settings, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		log:      log.With(logx.String("comp", "preview")),
		surface:  surface,
		settings: initial,
		viewport: Viewport{Width: 1280, Height: 720},
		cards:    map[string]*card{},
		after:    realTimers,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateCard mounts a new preview card. It returns nil when previews are
// disabled or display is empty. display is truncated to the grid
// capacity; full is the expansion set offered on click.
func (m *Manager) CreateCard(entryID string, display, full []artifact.Artifact) *CardHandle {
	if len(display) == 0 {
		return nil
	}

	m.mu.Lock()
	if m.disposed || !m.settings.Enabled {
		m.mu.Unlock()
		return nil
	}

	if len(display) > maxGridCells {
		display = display[:maxGridCells]
	}
	if len(full) == 0 {
		full = display
	}

	m.seq++
	c := &card{
		id:        "card-" + strconv.FormatUint(m.seq, 10),
		entryID:   entryID,
		seq:       m.seq,
		createdAt: time.Now(),
		state:     stateVisible,
		full:      append([]artifact.Artifact(nil), full...),
		natural:   make([]Dimensions, len(display)),
	}
	c.display = make([]ArtifactView, len(display))
	for i, a := range display {
		c.display[i] = ArtifactView{Artifact: a}
	}

	m.cards[c.id] = c
	m.order = append(m.order, c.id)

	snap := m.settings
	duration := time.Duration(snap.DisplayDurationMs) * time.Millisecond
	id := c.id
	c.removeTimer = m.after(duration, func() { m.remove(id, "expired") })

	view := c.view(snap)
	evicted := m.surplusLocked()
	m.mu.Unlock()

	m.surface.Mount(view)
	m.publish(eventbus.TypeCardCreated, CardEvent{CardID: id, EntryID: entryID, Artifacts: len(display)})
	m.log.Debug("card created",
		logx.String("card", id),
		logx.String("entry", entryID),
		logx.Int("artifacts", len(display)),
	)

	// Enforce the visible-count invariant: strict FIFO by creation
	// order, independent of each card's remaining time.
	for _, old := range evicted {
		m.remove(old, "evicted")
	}

	return &CardHandle{ID: id}
}

// surplusLocked returns the oldest card ids above maxVisible.
func (m *Manager) surplusLocked() []string {
	live := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if c, ok := m.cards[id]; ok && c.state == stateVisible {
			live = append(live, id)
		}
	}
	if len(live) <= maxVisible {
		return nil
	}
	return live[:len(live)-maxVisible]
}

// RemoveCard cancels the card's timer, marks it Leaving, unmounts it,
// and drops the record after the leave transition. It is idempotent;
// a card already Leaving (or unknown) is a no-op.
func (m *Manager) RemoveCard(h CardHandle) {
	m.remove(h.ID, "removed")
}

func (m *Manager) remove(id, reason string) {
	m.mu.Lock()
	c, ok := m.cards[id]
	if !ok || c.state != stateVisible {
		m.mu.Unlock()
		return
	}
	if c.removeTimer != nil {
		c.removeTimer.Stop()
		c.removeTimer = nil
	}
	c.state = stateLeaving
	entryID := c.entryID
	c.leaveTimer = m.after(leaveTransition, func() { m.finalizeRemoval(id) })
	m.mu.Unlock()

	m.surface.Unmount(id, reason)
	m.publish(eventbus.TypeCardRemoved, CardEvent{CardID: id, EntryID: entryID})
	m.log.Debug("card leaving", logx.String("card", id), logx.String("reason", reason))
}

func (m *Manager) finalizeRemoval(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return
	}
	c.state = stateRemoved
	delete(m.cards, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Live reports the number of cards that are mounted and not leaving.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.cards {
		if c.state == stateVisible {
			n++
		}
	}
	return n
}

// ApplySettings restyles all live cards in place without touching their
// removal timers. If previews were just disabled, every live card is
// removed and no new ones may be created until re-enabled.
func (m *Manager) ApplySettings(snap settings.Settings) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.settings = snap

	if !snap.Enabled {
		var ids []string
		for _, id := range m.order {
			if c, ok := m.cards[id]; ok && c.state == stateVisible {
				ids = append(ids, id)
			}
		}
		m.mu.Unlock()
		for _, id := range ids {
			m.remove(id, "disabled")
		}
		return
	}

	views := m.restyleLocked()
	m.mu.Unlock()

	for _, v := range views {
		m.surface.Update(v)
	}
}

// restyleLocked recomputes layout for every live card from the current
// settings and viewport.
func (m *Manager) restyleLocked() []CardView {
	var views []CardView
	for _, id := range m.order {
		c, ok := m.cards[id]
		if !ok || c.state != stateVisible {
			continue
		}
		for i := range c.display {
			if n := c.natural[i]; n.Width > 0 && n.Height > 0 {
				c.display[i].Layout = ComputeDisplaySize(n.Width, n.Height, m.viewport, m.settings)
			}
		}
		views = append(views, c.view(m.settings))
	}
	return views
}

// SetViewport records the client's viewing surface size and re-lays-out
// all live cards.
func (m *Manager) SetViewport(vp Viewport) {
	if vp.Width <= 0 || vp.Height <= 0 {
		return
	}
	m.mu.Lock()
	m.viewport = vp
	views := m.restyleLocked()
	m.mu.Unlock()
	for _, v := range views {
		m.surface.Update(v)
	}
}

// MediaLoaded reports an artifact's natural dimensions once the client
// has fetched the underlying resource. Stale reports for cards that
// have already left are ignored; card identity is the cancellation
// token.
func (m *Manager) MediaLoaded(cardID string, index, naturalW, naturalH int) {
	m.mu.Lock()
	c, ok := m.cards[cardID]
	if !ok || c.state != stateVisible || index < 0 || index >= len(c.display) {
		m.mu.Unlock()
		return
	}
	c.natural[index] = Dimensions{Width: naturalW, Height: naturalH}
	c.display[index].Layout = ComputeDisplaySize(naturalW, naturalH, m.viewport, m.settings)
	view := c.view(m.settings)
	m.mu.Unlock()

	m.surface.Update(view)
}

// ActivateThumbnail opens the card's full artifact set starting at the
// clicked artifact, via the gallery collaborator. When the collaborator
// is missing or declines, the raw resource opens directly.
func (m *Manager) ActivateThumbnail(ctx context.Context, cardID string, index int) {
	m.mu.Lock()
	c, ok := m.cards[cardID]
	if !ok || c.state != stateVisible || index < 0 || index >= len(c.display) {
		m.mu.Unlock()
		return
	}
	clicked := c.display[index].Artifact
	full := append([]artifact.Artifact(nil), c.full...)
	entryID := c.entryID
	m.mu.Unlock()

	start := 0
	for i, a := range full {
		if a.URL == clicked.URL {
			start = i
			break
		}
	}

	if m.gallery != nil {
		opened, err := m.gallery.Open(ctx, entryID, full, start)
		if err != nil {
			m.log.Warn("gallery open failed", logx.String("card", cardID), logx.Err(err))
		} else if opened {
			return
		}
	}
	m.surface.OpenURL(clicked.URL)
}

// Dispose removes every live card and rejects further creation. Cards
// mid-transition keep their already-scheduled leave timers.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	var ids []string
	for _, id := range m.order {
		if c, ok := m.cards[id]; ok && c.state == stateVisible {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.remove(id, "disposed")
	}
}

// CardEvent is the eventbus payload for card lifecycle events.
type CardEvent struct {
	CardID    string `json:"card_id"`
	EntryID   string `json:"entry_id,omitempty"`
	Artifacts int    `json:"artifacts,omitempty"`
}

func (m *Manager) publish(typ string, data CardEvent) {
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
