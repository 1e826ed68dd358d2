package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"telecom-callflow/internal/events"
	"telecom-callflow/pkg/utils"
)

// Locker serializes work on overlapping keys.
//
// Lock acquires every key in sorted order, so two callers with overlapping key sets
// cannot deadlock, and returns a func that releases all of them.
type Locker interface {
	Lock(ctx context.Context, keys []string) (unlock func(), err error)
}

// lockKeys returns the keys an event must hold: its own id plus every aggregate identifier it carries.
func lockKeys(ev events.Event) []string {
	keys := []string{"event:" + ev.ID}
	c := ev.Correlation
	if c.SessionID != "" {
		keys = append(keys, "session:"+c.SessionID)
	}
	if c.CallControlID != "" {
		keys = append(keys, "ccid:"+c.CallControlID)
	}
	if c.LegID != "" {
		keys = append(keys, "leg:"+c.LegID)
	}
	return keys
}

func sortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]*keyLock{}}
}

func (l *LocalLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	keys = sortedUnique(keys)
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := l.acquire(ctx, k); err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				l.release(held[i], true)
			}
			return nil, err
		}
		held = append(held, k)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				l.release(held[i], true)
			}
		})
	}, nil
}

func (l *LocalLocker) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(key, false)
		return ctx.Err()
	}
}

func (l *LocalLocker) release(key string, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl := l.locks[key]
	if kl == nil {
		return
	}
	if held {
		<-kl.ch
	}
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// RedisLockerOptions configures a RedisLocker.
type RedisLockerOptions struct {
	Prefix string
	// TTL bounds how long a crashed holder can keep a key.
	TTL time.Duration
	// RetryInterval is the initial wait between acquisition attempts; it doubles up to MaxRetryInterval.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

func (o RedisLockerOptions) withDefaults() RedisLockerOptions {
	out := o
	if out.Prefix == "" {
		out.Prefix = "callflow:lock:"
	}
	if out.TTL <= 0 {
		out.TTL = 30 * time.Second
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = 5 * time.Millisecond
	}
	if out.MaxRetryInterval <= 0 {
		out.MaxRetryInterval = 100 * time.Millisecond
	}
	return out
}

// RedisLocker serializes across processes using SET NX PX with owner tokens.
type RedisLocker struct {
	rdb  redis.Scripter
	opts RedisLockerOptions
}

func NewRedisLocker(rdb redis.Scripter, opts RedisLockerOptions) *RedisLocker {
	return &RedisLocker{rdb: rdb, opts: opts.withDefaults()}
}

var errLockNotConfigured = errors.New("ingest: redis locker not configured")

func (l *RedisLocker) Lock(ctx context.Context, keys []string) (func(), error) {
	if l == nil || l.rdb == nil {
		return nil, errLockNotConfigured
	}
	token := uuid.NewString()
	keys = sortedUnique(keys)
	held := make([]string, 0, len(keys))

	releaseAll := func() {
		// Release even when the caller's context is gone.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = utils.ReleaseLock(ctx, l.rdb, held[i], token)
		}
	}

	for _, k := range keys {
		key := l.opts.Prefix + k
		if err := l.acquire(ctx, key, token); err != nil {
			releaseAll()
			return nil, fmt.Errorf("lock %s: %w", k, err)
		}
		held = append(held, key)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	wait := l.opts.RetryInterval
	for {
		ok, err := utils.AcquireLock(ctx, l.rdb, key, token, l.opts.TTL)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait *= 2
		if wait > l.opts.MaxRetryInterval {
			wait = l.opts.MaxRetryInterval
		}
	}
}
