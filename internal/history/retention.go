package history

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"previewd/pkg/logx"
)

// defaultPruneSpec runs retention in the quiet hours.
const defaultPruneSpec = "0 3 * * *"

// Pruner trims the store to the configured history limit on a schedule.
// The limit is read through a func so it always reflects the live
// settings record.
type Pruner struct {
	store *Store
	limit func() int
	log   logx.Logger
	cron  *cron.Cron
	spec  string
}

// NewPruner builds a pruner. An empty spec falls back to the nightly
// default.
func NewPruner(store *Store, limit func() int, spec string, log logx.Logger) *Pruner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if spec == "" {
		spec = defaultPruneSpec
	}
	return &Pruner{
		store: store,
		limit: limit,
		log:   log.With(logx.String("comp", "history.pruner")),
		spec:  spec,
	}
}

// Start schedules the nightly prune and runs one pass immediately.
func (p *Pruner) Start() error {
	p.RunOnce(context.Background())

	c := cron.New()
	if _, err := c.AddFunc(p.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.RunOnce(ctx)
	}); err != nil {
		return err
	}
	c.Start()
	p.cron = c
	return nil
}

func (p *Pruner) Stop() {
	if p.cron != nil {
		p.cron.Stop()
		p.cron = nil
	}
}

// RunOnce prunes immediately. Failures are logged, never fatal.
func (p *Pruner) RunOnce(ctx context.Context) {
	limit := p.limit()
	removed, err := p.store.PruneToLimit(ctx, limit)
	if err != nil {
		p.log.Warn("history prune failed", logx.Err(err))
		return
	}
	if removed > 0 {
		p.log.Info("history pruned", logx.Int("removed", removed), logx.Int("limit", limit))
	}
}
