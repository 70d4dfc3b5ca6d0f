package lifecycle

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunAll_InOrder(t *testing.T) {
	r := NewRegistry(time.Second)

	var order []string
	r.Register("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	r.Register("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	require.Equal(t, 0, r.RunAll(context.Background()))
	require.Equal(t, []string{"first", "second"}, order)
}

func TestRunAll_FailureDoesNotAbort(t *testing.T) {
	r := NewRegistry(time.Second)

	ran := false
	r.Register("broken", func(context.Context) error {
		return fmt.Errorf("disk on fire")
	})
	r.Register("after", func(context.Context) error {
		ran = true
		return nil
	})

	require.Equal(t, 1, r.RunAll(context.Background()))
	require.True(t, ran)
}

func TestRunAll_TimeoutCounted(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)

	r.Register("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return ctx.Err()
	})

	require.Equal(t, 1, r.RunAll(context.Background()))
}

func TestWatchParent_DetectsDeadPid(t *testing.T) {
	// Spawn a short-lived child and watch it die.
	pid := os.Getpid()
	require.True(t, processAlive(pid))

	// Above the kernel's default pid_max, so never a live process.
	gone := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go WatchParent(ctx, 1<<22, 10*time.Millisecond, func() { close(gone) })

	select {
	case <-gone:
	case <-ctx.Done():
		t.Fatal("watcher never fired for dead pid")
	}
}

func TestWatchParent_ZeroPidIsNoop(t *testing.T) {
	done := make(chan struct{})
	go func() {
		WatchParent(context.Background(), 0, time.Millisecond, func() {
			t.Error("onGone fired for pid 0")
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchParent did not return for pid 0")
	}
}
