// Package notify coordinates incoming generation-completed events:
// normalize, resolve artifacts, gate through the dedup window, and hand
// off to the preview lifecycle manager.
package notify

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"previewd/internal/artifact"
	"previewd/internal/dedup"
	"previewd/internal/eventbus"
	"previewd/internal/history"
	"previewd/internal/normalize"
	"previewd/internal/preview"
	"previewd/pkg/logx"
)

// recentScanLimit bounds the recent-entries scan used to match fresh
// files back to their entry when no id was delivered.
const recentScanLimit = 25

// EntrySource resolves entry ids to full records. *history.Store
// satisfies it.
type EntrySource interface {
	Get(ctx context.Context, id string) (history.Entry, bool, error)
	List(ctx context.Context, limit int) ([]history.Entry, error)
}

// CardCreator is the preview handoff boundary. *preview.Manager
// satisfies it.
type CardCreator interface {
	CreateCard(entryID string, display, full []artifact.Artifact) *preview.CardHandle
}

type Config struct {
	// RatePerSec bounds event intake; bursts beyond the bucket are
	// skipped (logged, published, never queued). <=0 means 20.
	RatePerSec int
}

// Orchestrator is the single entry point for generation-completed
// events. All handling is asynchronous; failures degrade to "no preview
// shown" and are never surfaced to the event source.
type Orchestrator struct {
	log      logx.Logger
	entries  EntrySource
	resolver artifact.Resolver
	window   *dedup.Window
	previews CardCreator
	bus      eventbus.Bus
	limiter  *rate.Limiter

	unsubscribe func()

	disposed atomic.Bool
	inflight sync.WaitGroup
}

type Option func(*Orchestrator)

// WithUnsubscribe attaches the settings-subscription teardown invoked
// on Dispose.
func WithUnsubscribe(fn func()) Option {
	return func(o *Orchestrator) { o.unsubscribe = fn }
}

func WithBus(b eventbus.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

func New(cfg Config, entries EntrySource, resolver artifact.Resolver, window *dedup.Window, previews CardCreator, log logx.Logger, opts ...Option) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	o := &Orchestrator{
		log:      log.With(logx.String("comp", "notify")),
		entries:  entries,
		resolver: resolver,
		window:   window,
		previews: previews,
		limiter:  rate.NewLimiter(rate.Limit(rps), 2*rps),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleEvent processes one raw event payload without blocking the
// caller. Events arriving after Dispose, or beyond the intake rate,
// are dropped.
func (o *Orchestrator) HandleEvent(ctx context.Context, payload any) {
	if o.disposed.Load() {
		return
	}
	if !o.limiter.Allow() {
		o.log.Debug("event skipped (rate limit)")
		o.publish(eventbus.TypeNotifySkipped, SkipEvent{Reason: "rate_limit"})
		return
	}
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		o.handleEvent(ctx, payload)
	}()
}

func (o *Orchestrator) handleEvent(ctx context.Context, payload any) {
	ids := normalize.EntryIDs(payload)
	refs := normalize.GeneratedFiles(payload)

	if len(refs) > 0 && o.handleFreshFiles(ctx, ids, refs) {
		return
	}
	o.notifyEntryIDs(ctx, ids)
}

// handleFreshFiles is the fast path: display artifacts come straight
// from the event's file refs, while the richer full set is resolved
// opportunistically for click-to-expand. Reports whether the event was
// consumed (card shown or deduplicated).
func (o *Orchestrator) handleFreshFiles(ctx context.Context, ids []string, refs []artifact.FileRef) bool {
	display := o.resolver.Build(refs, "", "", true)
	if len(display) == 0 {
		return false
	}

	claim := o.claim(ids, refs)
	if !claim.Accepted {
		o.log.Debug("event deduplicated", logx.String("id", claim.Identifier))
		o.publish(eventbus.TypeNotifyDeduped, SkipEvent{Identifier: claim.Identifier})
		return true
	}

	entryID, full := o.resolveFullSet(ctx, ids, refs)
	if entryID != "" {
		for i := range display {
			display[i].OriginEntryID = entryID
		}
	}
	if len(full) == 0 {
		full = display
	}
	o.previews.CreateCard(entryID, display, full)
	return true
}

// claim picks the dedup identifier: the first available entry id, or an
// id-less synthetic key derived from the first filename.
func (o *Orchestrator) claim(ids []string, refs []artifact.FileRef) dedup.Claim {
	if len(ids) > 0 {
		return o.window.ClaimFirstAvailable(ids)
	}
	key := "files:" + strings.TrimSpace(refs[0].Filename)
	return dedup.Claim{Accepted: o.window.Accept(key), Identifier: key}
}

// resolveFullSet tries a direct id lookup, then a recent-entries scan
// matched by filename, to find the entry owning the fresh files. Any
// failure degrades to the display-only set.
func (o *Orchestrator) resolveFullSet(ctx context.Context, ids []string, refs []artifact.FileRef) (string, []artifact.Artifact) {
	for _, id := range ids {
		entry, ok, err := o.entries.Get(ctx, id)
		if err != nil {
			o.log.Warn("entry lookup failed", logx.String("id", id), logx.Err(err))
			continue
		}
		if ok {
			return entry.ID, o.resolver.BuildFromEntry(entry.ID, entry.Prompt, entry.Files, entry.Metadata)
		}
	}

	name := strings.TrimSpace(refs[0].Filename)
	if name == "" {
		return "", nil
	}
	recent, err := o.entries.List(ctx, recentScanLimit)
	if err != nil {
		o.log.Warn("recent-entries scan failed", logx.Err(err))
		return "", nil
	}
	for _, entry := range recent {
		for _, f := range entry.Files {
			if f.Filename == name {
				return entry.ID, o.resolver.BuildFromEntry(entry.ID, entry.Prompt, entry.Files, entry.Metadata)
			}
		}
	}
	return "", nil
}

// NotifyEntryIDs shows one card per resolvable entry id, each subject
// to its own dedup check.
func (o *Orchestrator) NotifyEntryIDs(ctx context.Context, ids []string) {
	if o.disposed.Load() || len(ids) == 0 {
		return
	}
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		o.notifyEntryIDs(ctx, ids)
	}()
}

func (o *Orchestrator) notifyEntryIDs(ctx context.Context, ids []string) {
	for _, id := range ids {
		entry, ok, err := o.entries.Get(ctx, id)
		if err != nil {
			o.log.Warn("entry lookup failed", logx.String("id", id), logx.Err(err))
			continue
		}
		if !ok {
			o.log.Debug("entry not found", logx.String("id", id))
			continue
		}
		o.notifyEntry(entry)
	}
}

// NotifyEntries shows cards for pre-fetched entries (no lookup).
func (o *Orchestrator) NotifyEntries(entries []history.Entry) {
	if o.disposed.Load() {
		return
	}
	for _, entry := range entries {
		o.notifyEntry(entry)
	}
}

func (o *Orchestrator) notifyEntry(entry history.Entry) {
	arts := o.resolver.BuildFromEntry(entry.ID, entry.Prompt, entry.Files, entry.Metadata)
	if len(arts) == 0 {
		return
	}
	if !o.window.Accept(entry.ID) {
		o.log.Debug("entry deduplicated", logx.String("id", entry.ID))
		o.publish(eventbus.TypeNotifyDeduped, SkipEvent{Identifier: entry.ID})
		return
	}
	o.previews.CreateCard(entry.ID, arts, arts)
}

// Dispose stops reacting to further events, waits for in-flight
// handlers, and tears down the settings subscription. Cards already
// mid-transition keep their scheduled timers.
func (o *Orchestrator) Dispose() {
	if !o.disposed.CompareAndSwap(false, true) {
		return
	}
	o.inflight.Wait()
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
}

// SkipEvent is the eventbus payload for suppressed notifications.
type SkipEvent struct {
	Identifier string `json:"identifier,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (o *Orchestrator) publish(typ string, data SkipEvent) {
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
