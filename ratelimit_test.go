package forgeloop

import (
	"testing"
	"time"
)

func TestTokenBucketBurstThenDeny(t *testing.T) {
	now := time.Now()
	b := NewTokenBucket(1, 3)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if ok, _ := b.Allow("k"); !ok {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	ok, retryMs := b.Allow("k")
	if ok {
		t.Fatal("request over burst admitted")
	}
	if retryMs < 1 {
		t.Fatalf("retryMs = %d", retryMs)
	}
}

func TestTokenBucketRefill(t *testing.T) {
	now := time.Now()
	b := NewTokenBucket(2, 2)
	b.now = func() time.Time { return now }

	b.Allow("k")
	b.Allow("k")
	if ok, _ := b.Allow("k"); ok {
		t.Fatal("bucket not empty after burst")
	}

	now = now.Add(time.Second)
	if ok, _ := b.Allow("k"); !ok {
		t.Fatal("token not refilled after a second")
	}
}

func TestTokenBucketPerKeyIsolation(t *testing.T) {
	b := NewTokenBucket(1, 1)
	b.Allow("a")
	if ok, _ := b.Allow("b"); !ok {
		t.Fatal("key b throttled by key a")
	}
}

func TestTokenBucketDisabled(t *testing.T) {
	b := NewTokenBucket(0, 0)
	for i := 0; i < 100; i++ {
		if ok, _ := b.Allow("k"); !ok {
			t.Fatal("disabled limiter denied a request")
		}
	}
}
