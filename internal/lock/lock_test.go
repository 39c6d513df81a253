package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lexai-io/contract-intel/internal/kv"
)

func newTestLockWithServer(t *testing.T) (*Lock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	store := &kv.Store{
		Cmd: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Sub: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
	}
	return New(store), mr
}

func newTestLock(t *testing.T) *Lock {
	t.Helper()
	l, _ := newTestLockWithServer(t)
	return l
}

func TestAcquireExclusive(t *testing.T) {
	ctx := context.Background()
	l := newTestLock(t)

	ok, err := l.Acquire(ctx, "lock:analysis:abc", TTL)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = l.Acquire(ctx, "lock:analysis:abc", TTL)
	if err != nil || ok {
		t.Fatalf("expected second acquire to fail, got ok=%v err=%v", ok, err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	ctx := context.Background()
	l := newTestLock(t)

	if _, err := l.Acquire(ctx, "k", TTL); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, err := l.Acquire(ctx, "k", TTL)
	if err != nil || !ok {
		t.Fatalf("expected reacquire after release, got ok=%v err=%v", ok, err)
	}
}

func TestAcquireExpires(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLockWithServer(t)

	if _, err := l.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	ok, err := l.Acquire(ctx, "k", TTL)
	if err != nil || !ok {
		t.Fatalf("expected acquire after TTL expiry, got ok=%v err=%v", ok, err)
	}
}
