package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petal-labs/relay/core"
)

func TestAdmissionCancelledWaiterLeaksNoSlot(t *testing.T) {
	a := newAdmission()

	release, err := a.acquire(context.Background(), "acme", 1)
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	// A second acquirer blocks on the saturated semaphore; cancelling it must
	// hand back nothing it never held.
	ctx, cancel := context.WithCancel(context.Background())
	waiterErr := make(chan error, 1)
	go func() {
		_, err := a.acquire(ctx, "acme", 1)
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err = <-waiterErr
	if !errors.Is(err, core.ErrCancelled) {
		t.Fatalf("cancelled waiter error = %v, want ErrCancelled", err)
	}

	// Exactly one slot exists: releasing the holder frees it, and it is
	// immediately acquirable. A leaked lease would leave this blocked.
	release()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	release2, err := a.acquire(ctx2, "acme", 1)
	if err != nil {
		t.Fatalf("acquire after release error = %v (slot leaked?)", err)
	}
	release2()
}

func TestAdmissionAcquireCancelledBeforeWait(t *testing.T) {
	a := newAdmission()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := a.acquire(ctx, "acme", 2); !errors.Is(err, core.ErrCancelled) {
		t.Errorf("acquire() error = %v, want ErrCancelled", err)
	}
}

func TestAdmissionReleaseIsIdempotent(t *testing.T) {
	a := newAdmission()
	release, err := a.acquire(context.Background(), "acme", 1)
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	release()
	release() // must not add capacity or panic

	r1, err := a.acquire(context.Background(), "acme", 1)
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	defer r1()

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.acquire(expired, "acme", 1); err == nil {
		t.Error("second slot available; double release added capacity")
	}
}

func TestAdmissionLimitChangeSwapsSemaphore(t *testing.T) {
	a := newAdmission()
	release, err := a.acquire(context.Background(), "acme", 1)
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	defer release()

	// A raised limit applies to new acquisitions immediately.
	r2, err := a.acquire(context.Background(), "acme", 2)
	if err != nil {
		t.Fatalf("acquire with raised limit error = %v", err)
	}
	r2()
}
