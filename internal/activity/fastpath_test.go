package activity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFastPathResolvesOnFirstVisibility(t *testing.T) {
	var reloaded atomic.Bool

	fp := NewFastPath(
		func(ctx context.Context, noteID, instanceID string, seq uint64) (bool, error) { return true, nil },
		func(ctx context.Context, noteID string) { reloaded.Store(true) },
		func(req PollRequest) { t.Fatal("handoff should not be called when visible immediately") },
		0, nil,
	)

	fp.PollAndReload(context.Background(), "note1", "instA", 5)

	assert.True(t, reloaded.Load())
}

func TestFastPathHandsOffAfterExhaustingBudget(t *testing.T) {
	var handoffReq PollRequest
	var mu sync.Mutex
	handed := make(chan struct{})

	fp := NewFastPath(
		func(ctx context.Context, noteID, instanceID string, seq uint64) (bool, error) { return false, nil },
		func(ctx context.Context, noteID string) { t.Fatal("reload should not be called when never visible") },
		func(req PollRequest) {
			mu.Lock()
			handoffReq = req
			mu.Unlock()
			close(handed)
		},
		0, nil,
	)

	// Use a tiny stand-in schedule so the test doesn't take 73.8s.
	orig := fastPathDelays
	fastPathDelays = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { fastPathDelays = orig }()

	fp.PollAndReload(context.Background(), "note1", "instA", 7)

	select {
	case <-handed:
	case <-time.After(time.Second):
		t.Fatal("handoff was never called")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, ReasonFastPathHandoff, handoffReq.Reason)
	assert.Equal(t, uint64(7), handoffReq.Expected["instA"])
}

func TestFastPathCancelledByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false

	fp := NewFastPath(
		func(ctx context.Context, noteID, instanceID string, seq uint64) (bool, error) { return false, nil },
		func(ctx context.Context, noteID string) {},
		func(req PollRequest) { called = true },
		0, nil,
	)

	fp.PollAndReload(ctx, "note1", "instA", 1)

	assert.False(t, called, "a canceled context must stop the fast path without a handoff")
}
