package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestKeyedGateSerializes(t *testing.T) {
	gate := NewKeyedGate()
	ctx := context.Background()

	// Check-then-increment under the gate must not lose updates.
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := gate.Lock(ctx, "agreement-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			v := counter
			time.Sleep(time.Millisecond)
			counter = v + 1
			release()
		}()
	}
	wg.Wait()
	if counter != 32 {
		t.Fatalf("counter %d, want 32", counter)
	}
}

func TestKeyedGateIndependentKeys(t *testing.T) {
	gate := NewKeyedGate()
	ctx := context.Background()

	releaseA, err := gate.Lock(ctx, "agreement-a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := gate.Lock(ctx, "agreement-b")
		if err != nil {
			t.Errorf("lock b: %v", err)
			return
		}
		releaseB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on another agreement must not block")
	}
}

func TestRedisGateLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	gate := NewRedisGate(client)
	gate.Retry = 5 * time.Millisecond
	ctx := context.Background()

	release, err := gate.Lock(ctx, "agreement-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := gate.Lock(waitCtx, "agreement-1"); err == nil {
		t.Fatal("second lock must block while the lease is held")
	}

	release()
	release2, err := gate.Lock(ctx, "agreement-1")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	release2()
}

func TestRedisGateReleaseIsOwnLeaseOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	gate := NewRedisGate(client)
	ctx := context.Background()

	release, err := gate.Lock(ctx, "agreement-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Expire the lease and let another holder take it; the stale
	// release must not free the new lease.
	mr.FastForward(gate.TTL + time.Second)
	release2, err := gate.Lock(ctx, "agreement-1")
	if err != nil {
		t.Fatalf("lock after expiry: %v", err)
	}
	release()

	if !mr.Exists("gate:agreement-1") {
		t.Fatal("stale release removed another holder's lease")
	}
	release2()
	if mr.Exists("gate:agreement-1") {
		t.Fatal("owner release must remove the lease")
	}
}
