package appointments

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLocker(t *testing.T, ttl, wait time.Duration) (*miniredis.Miniredis, *RedisLocker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisLocker(client, ttl, wait)
}

func TestRedisLockerSerializesSameDoctor(t *testing.T) {
	_, locker := newRedisLocker(t, 2*time.Second, 2*time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithDoctorLock(context.Background(), "doc-1", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("WithDoctorLock: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
}

func TestRedisLockerReleasesKey(t *testing.T) {
	mr, locker := newRedisLocker(t, time.Second, time.Second)
	sentinel := errors.New("boom")

	err := locker.WithDoctorLock(context.Background(), "doc-1", func(context.Context) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected fn error to pass through, got %v", err)
	}
	if mr.Exists(doctorLockKey("doc-1")) {
		t.Fatal("lock key should be deleted after release")
	}
}

func TestRedisLockerTimeout(t *testing.T) {
	mr, locker := newRedisLocker(t, time.Minute, 60*time.Millisecond)
	if err := mr.Set(doctorLockKey("doc-1"), "someone-else"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	err := locker.WithDoctorLock(context.Background(), "doc-1", func(context.Context) error { return nil })
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if got, _ := mr.Get(doctorLockKey("doc-1")); got != "someone-else" {
		t.Fatalf("foreign lock must not be released, got %q", got)
	}
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	hold := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		_ = locker.WithDoctorLock(context.Background(), "doc-1", func(context.Context) error {
			close(acquired)
			<-hold
			return nil
		})
	}()
	<-acquired

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := locker.WithDoctorLock(ctx, "doc-1", func(context.Context) error { return nil })
	close(hold)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	if err := locker.WithDoctorLock(context.Background(), "doc-2", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("other doctors must not block: %v", err)
	}
}
