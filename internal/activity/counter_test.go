package activity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/eugener/palantir/internal"
)

type fakeSource struct {
	calls atomic.Int64
	count gateway.ActiveUserCount
	err   error
}

func (f *fakeSource) ActiveUserCount(context.Context, time.Time) (gateway.ActiveUserCount, error) {
	f.calls.Add(1)
	return f.count, f.err
}

func TestGetCachesWithinTTL(t *testing.T) {
	t.Parallel()
	src := &fakeSource{count: gateway.ActiveUserCount{UsersInRecentMinutes: 4, UsersInRecentDays: 9}}
	c := NewCounter(src, 30*time.Second)
	now := time.Now()

	for i := 0; i < 5; i++ {
		got, err := c.Get(context.Background(), now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got != src.count {
			t.Errorf("snapshot = %+v", got)
		}
	}
	if src.calls.Load() != 1 {
		t.Errorf("recomputations = %d, want 1", src.calls.Load())
	}
}

func TestGetRecomputesAfterTTL(t *testing.T) {
	t.Parallel()
	src := &fakeSource{count: gateway.ActiveUserCount{UsersInRecentMinutes: 1, UsersInRecentDays: 1}}
	c := NewCounter(src, 30*time.Second)
	now := time.Now()

	if _, err := c.Get(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	src.count = gateway.ActiveUserCount{UsersInRecentMinutes: 8, UsersInRecentDays: 20}
	got, err := c.Get(context.Background(), now.Add(31*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if got != src.count {
		t.Errorf("snapshot = %+v, want refreshed %+v", got, src.count)
	}
	if src.calls.Load() != 2 {
		t.Errorf("recomputations = %d, want 2", src.calls.Load())
	}
}

func TestGetSingleRecomputationUnderConcurrency(t *testing.T) {
	t.Parallel()
	src := &fakeSource{count: gateway.ActiveUserCount{UsersInRecentMinutes: 3, UsersInRecentDays: 3}}
	c := NewCounter(src, 30*time.Second)
	now := time.Now()

	const callers = 32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), now); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()

	if src.calls.Load() != 1 {
		t.Errorf("recomputations = %d, want 1: concurrent expiry must coalesce", src.calls.Load())
	}
}

func TestGetPropagatesSourceError(t *testing.T) {
	t.Parallel()
	wantErr := errors.New("db down")
	src := &fakeSource{err: wantErr}
	c := NewCounter(src, time.Second)

	if _, err := c.Get(context.Background(), time.Now()); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
