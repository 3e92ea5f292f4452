package history

import (
	"context"
	"fmt"
	"testing"

	"previewd/pkg/logx"
)

func TestPrunerRunOncePrunesToLiveLimit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := s.Append(ctx, fmt.Sprintf("prompt %d", i), nil, nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	limit := 2
	p := NewPruner(s, func() int { return limit }, "", logx.Nop())
	p.RunOnce(ctx)

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}

	// Limit raised: the next pass must not delete anything.
	limit = 10
	p.RunOnce(ctx)
	if n, _ = s.Count(ctx); n != 2 {
		t.Fatalf("Count after raise = %d, want 2", n)
	}
}

func TestPrunerStartStop(t *testing.T) {
	s := openTestStore(t)
	p := NewPruner(s, func() int { return 100 }, "0 3 * * *", logx.Nop())
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()
	p.Stop()
}

func TestPrunerRejectsBadSchedule(t *testing.T) {
	s := openTestStore(t)
	p := NewPruner(s, func() int { return 100 }, "not a cron spec", logx.Nop())
	if err := p.Start(); err == nil {
		p.Stop()
		t.Fatal("want error for invalid schedule")
	}
}
