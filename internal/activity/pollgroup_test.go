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

func fastTestConfig() Config {
	return Config{
		TotalPollsPerMinute:   6000, // fast enough that tests don't block on real rate limiting
		BurstPerSecond:        100,
		NormalReserveFraction: 0.2,
		FullRepollInterval:    0,
	}
}

func TestPollingGroupExitsWhenAllSequencesSatisfied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	var seen atomic.Bool

	g := NewPollingGroup(ctx, fastTestConfig(),
		func(ctx context.Context, noteID, instanceID string, seq uint64) (bool, error) {
			if !seen.Load() {
				seen.Store(true)
				return false, nil
			}

			return true, nil
		},
		func(ctx context.Context, noteID string) { reloads.Add(1) },
		nil, nil,
	)

	g.Enqueue(PollRequest{
		NoteID:   "note1",
		Expected: map[string]uint64{"instA": 3},
		Priority: PriorityHigh,
		Reason:   ReasonFastPathHandoff,
	})

	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, time.Second, time.Millisecond)
}

func TestPollingGroupOpenNoteExitCriterion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var open atomic.Bool
	open.Store(true)

	g := NewPollingGroup(ctx, fastTestConfig(),
		func(ctx context.Context, noteID, instanceID string, seq uint64) (bool, error) { return false, nil },
		func(ctx context.Context, noteID string) {},
		nil, nil,
	)

	g.Enqueue(PollRequest{
		NoteID:     "note1",
		Expected:   map[string]uint64{"instA": 1},
		Priority:   PriorityNormal,
		Reason:     ReasonOpenNote,
		IsOpenNote: func() bool { return open.Load() },
	})

	time.Sleep(20 * time.Millisecond)
	open.Store(false)

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()

		_, active := g.entries["note1"]
		return !active
	}, time.Second, 5*time.Millisecond)
}

func TestPollingGroupFullRepollIsExactlyOnePoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var polls atomic.Int32
	var reloads atomic.Int32

	g := NewPollingGroup(ctx, fastTestConfig(),
		func(ctx context.Context, noteID, instanceID string, seq uint64) (bool, error) {
			polls.Add(1)
			return true, nil
		},
		func(ctx context.Context, noteID string) { reloads.Add(1) },
		nil, nil,
	)

	g.Enqueue(PollRequest{NoteID: "note1", Priority: PriorityNormal, Reason: ReasonFullRepoll})

	require.Eventually(t, func() bool { return reloads.Load() == 1 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), polls.Load(), "full-repoll must not call the visibility check")
	assert.Equal(t, int32(1), reloads.Load())
}

func TestPollingGroupEnqueueReplacesExistingEntry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seqsChecked []uint64

	g := NewPollingGroup(ctx, fastTestConfig(),
		func(ctx context.Context, noteID, instanceID string, seq uint64) (bool, error) {
			mu.Lock()
			seqsChecked = append(seqsChecked, seq)
			mu.Unlock()

			return false, nil
		},
		func(ctx context.Context, noteID string) {},
		nil, nil,
	)

	g.Enqueue(PollRequest{NoteID: "note1", Expected: map[string]uint64{"instA": 1}, Reason: ReasonRecentEdit, LastLocalEdit: time.Now()})
	time.Sleep(10 * time.Millisecond)
	g.Enqueue(PollRequest{NoteID: "note1", Expected: map[string]uint64{"instA": 2}, Reason: ReasonRecentEdit, LastLocalEdit: time.Now()})

	// The first entry has drained the normal limiter's burst by now, so the
	// replacement waits for a fresh token (20/s here) before its first poll.
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seqsChecked, uint64(2))
}

func TestPollingGroupRecentEditExitCriterion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := NewPollingGroup(ctx, fastTestConfig(),
		func(ctx context.Context, noteID, instanceID string, seq uint64) (bool, error) { return false, nil },
		func(ctx context.Context, noteID string) {},
		nil, nil,
	)

	g.Enqueue(PollRequest{
		NoteID:        "note1",
		Expected:      map[string]uint64{"instA": 1},
		Reason:        ReasonRecentEdit,
		LastLocalEdit: time.Now().Add(-6 * time.Minute),
	})

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()

		_, active := g.entries["note1"]
		return !active
	}, time.Second, 5*time.Millisecond)
}
