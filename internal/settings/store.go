package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"previewd/pkg/logx"
)

// Store holds the single authoritative Settings record.
//
// All mutation goes through Update; state replacement is atomic from a
// subscriber's point of view and subscribers are notified synchronously
// after each successful mutation. Persistence is best-effort: a failed
// write never affects the in-memory record.
type Store struct {
	mu    sync.Mutex
	state Settings

	path string
	log  logx.Logger

	subMu sync.Mutex
	subs  map[uint64]func(Settings)
	seq   uint64
}

// NewStore loads the persisted record from path (defaults on any failure)
// and returns a ready store. An empty path disables persistence.
func NewStore(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		state: Defaults(),
		path:  path,
		log:   log,
		subs:  map[uint64]func(Settings){},
	}
	s.state = s.load()
	return s
}

func (s *Store) load() Settings {
	if s.path == "" {
		return Defaults()
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("settings read failed; using defaults", logx.String("path", s.path), logx.Err(err))
		}
		return Defaults()
	}
	var raw Patch
	if err := json.Unmarshal(b, &raw); err != nil {
		s.log.Warn("settings parse failed; using defaults", logx.String("path", s.path), logx.Err(err))
		return Defaults()
	}
	return Normalize(Defaults(), raw)
}

// Get returns the current normalized snapshot.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn for synchronous notification after each Update.
// The returned func unregisters it; calling it more than once is safe.
func (s *Store) Subscribe(fn func(Settings)) (unsubscribe func()) {
	s.subMu.Lock()
	s.seq++
	id := s.seq
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Update merges patch over the current state, re-normalizes the whole
// record, persists it, then notifies subscribers with the new snapshot.
func (s *Store) Update(patch Patch) {
	s.mu.Lock()
	next := Normalize(s.state, patch)
	s.state = next
	s.mu.Unlock()

	s.persist(next)
	s.notify(next)
}

// Reset restores the documented defaults.
func (s *Store) Reset() {
	s.mu.Lock()
	next := Defaults()
	s.state = next
	s.mu.Unlock()

	s.persist(next)
	s.notify(next)
}

func (s *Store) persist(snap Settings) {
	if s.path == "" {
		return
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.log.Warn("settings marshal failed", logx.Err(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Warn("settings dir create failed", logx.String("path", s.path), logx.Err(err))
		return
	}
	// Write-then-rename so readers never observe a torn record.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		s.log.Warn("settings persist failed", logx.String("path", s.path), logx.Err(err))
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Warn("settings persist failed", logx.String("path", s.path), logx.Err(err))
	}
}

func (s *Store) notify(snap Settings) {
	s.subMu.Lock()
	fns := make([]func(Settings), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		s.safeCall(fn, snap)
	}
}

// safeCall isolates subscriber panics so one bad listener cannot abort
// the fan-out or corrupt the store.
func (s *Store) safeCall(fn func(Settings), snap Settings) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("settings subscriber panicked", logx.Any("panic", r))
		}
	}()
	fn(snap)
}
