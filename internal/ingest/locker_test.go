package ingest

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telecom-callflow/internal/events"
)

func TestLockKeys(t *testing.T) {
	ev := events.Event{ID: "e1", Correlation: events.Correlation{SessionID: "S1", CallControlID: "cc-1", LegID: "leg-1"}}
	got := sortedUnique(lockKeys(ev))
	want := []string{"ccid:cc-1", "event:e1", "leg:leg-1", "session:S1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	got = lockKeys(events.Event{ID: "e2"})
	if len(got) != 1 || got[0] != "event:e2" {
		t.Fatalf("expected only the event key, got %v", got)
	}
}

func TestSortedUnique(t *testing.T) {
	got := sortedUnique([]string{"b", "", "a", "b"})
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected keys: %v", got)
	}
}

func TestLocalLocker_SerializesOverlappingKeys(t *testing.T) {
	l := NewLocalLocker()
	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		keys := []string{"session:S1", "event:a"}
		if i%2 == 1 {
			keys = []string{"event:b", "session:S1"}
		}
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), keys)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}(keys)
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected holders of a shared key to be serialized, saw %d at once", maxActive)
	}
	if len(l.locks) != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", len(l.locks))
	}
}

func TestLocalLocker_DisjointKeysDoNotBlock(t *testing.T) {
	l := NewLocalLocker()
	unlockA, err := l.Lock(context.Background(), []string{"session:A"})
	if err != nil {
		t.Fatalf("lock A: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, []string{"session:B"})
	if err != nil {
		t.Fatalf("disjoint key should not wait: %v", err)
	}
	unlockB()
}

func TestLocalLocker_ContextCancelReleasesPartialHold(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), []string{"session:S1"})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// "event:a" sorts first and is acquired before the wait on the held session key.
	_, err = l.Lock(ctx, []string{"session:S1", "event:a"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	unlock()
	unlock() // second call is a no-op

	again, err := l.Lock(context.Background(), []string{"event:a", "session:S1"})
	if err != nil {
		t.Fatalf("expected keys to be free again: %v", err)
	}
	again()
	if len(l.locks) != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", len(l.locks))
	}
}

func TestRedisLocker_NotConfigured(t *testing.T) {
	var l *RedisLocker
	if _, err := l.Lock(context.Background(), []string{"event:a"}); !errors.Is(err, errLockNotConfigured) {
		t.Fatalf("expected errLockNotConfigured, got %v", err)
	}
	opts := RedisLockerOptions{}.withDefaults()
	if opts.Prefix != "callflow:lock:" || opts.TTL != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
}
