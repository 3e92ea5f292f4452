package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"previewd/pkg/logx"
)

func TestStopWaitsForGoroutines(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()))
	ran := make(chan struct{})
	s.Go0("worker", func(ctx context.Context) {
		<-ctx.Done()
		close(ran)
	})

	if err := s.WaitTimeout(time.Second); err != nil {
		t.Fatalf("WaitTimeout: %v", err)
	}
	select {
	case <-ran:
	default:
		t.Fatal("worker did not observe cancellation")
	}
	if s.Active() != 0 {
		t.Fatalf("Active = %d", s.Active())
	}
}

func TestCancelOnFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(context.Context) error { return boom })

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled on error")
	}
	if !errors.Is(s.Err(), boom) {
		t.Fatalf("Err = %v", s.Err())
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("panicking", func(context.Context) error { panic("kaboom") })

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled on panic")
	}
	if s.Err() == nil {
		t.Fatal("panic must surface as error")
	}
}

func TestErrorAfterCancelIsIgnored(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("follows-ctx", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.WaitTimeout(time.Second); err != nil {
		t.Fatalf("WaitTimeout: %v", err)
	}
	if s.Err() != nil {
		t.Fatalf("shutdown error must not be recorded, got %v", s.Err())
	}
}
