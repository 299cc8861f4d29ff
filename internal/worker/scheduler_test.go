package worker

import (
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func pumpUntil(t *testing.T, s *Scheduler, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.Pump()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func TestPoolSize(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{in: 1, want: 1},
		{in: 8, want: 8},
		{in: 100, want: MaxWorkers},
	}
	for _, tt := range tests {
		if got := PoolSize(tt.in); got != tt.want {
			t.Errorf("PoolSize(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if got := PoolSize(0); got < 1 || got > MaxWorkers {
		t.Errorf("PoolSize(0) = %d out of range", got)
	}
}

func TestCompletionRunsOnPumpingGoroutine(t *testing.T) {
	s := New(2, 0, nil)
	defer s.Close()

	var result int
	var done bool
	s.SubmitWithCallback(func() { result = 41 }, func() {
		result++
		done = true
	})

	pumpUntil(t, s, func() bool { return done })
	if result != 42 {
		t.Fatalf("expected completion to observe worker result, got %d", result)
	}
}

func TestMultiStageCallbackReinvokedUntilDone(t *testing.T) {
	s := New(1, 0, nil)
	defer s.Close()

	calls := 0
	s.SubmitMultiStage(func() {}, func() bool {
		calls++
		return calls == 3
	})

	pumpUntil(t, s, func() bool { return calls == 3 && s.PendingCompletions() == 0 })
	// One invocation per pump; no fourth call after completion.
	s.Pump()
	if calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls)
	}
}

func TestSequenceResumesAcrossPumps(t *testing.T) {
	s := New(1, time.Millisecond, nil)
	defer s.Close()

	steps := 0
	var seq iter.Seq[struct{}] = func(yield func(struct{}) bool) {
		for range 5 {
			steps++
			time.Sleep(2 * time.Millisecond)
			if !yield(struct{}{}) {
				return
			}
		}
	}
	s.SubmitSequence(func() {}, seq)

	pumpUntil(t, s, func() bool { return s.PendingCompletions() > 0 })
	s.Pump()
	if steps >= 5 {
		t.Fatalf("a single pump must stop at the budget, ran %d steps", steps)
	}
	pumpUntil(t, s, func() bool { return steps == 5 && s.PendingCompletions() == 0 })
}

func TestPanicsAreContained(t *testing.T) {
	s := New(1, 0, nil)
	defer s.Close()

	var after atomic.Bool
	completed := false
	s.SubmitWithCallback(func() { panic("boom") }, func() { completed = true })
	s.SubmitWithCallback(func() {}, func() { panic("callback boom") })
	s.SubmitWithCallback(func() { after.Store(true) }, func() {})

	pumpUntil(t, s, func() bool { return after.Load() && s.Pending() == 0 && s.PendingCompletions() == 0 })
	if completed {
		t.Fatalf("completion of a panicking job must not run")
	}
}

func TestPriorityQueueClaimedFirst(t *testing.T) {
	s := New(1, 0, nil)
	defer s.Close()

	gate := make(chan struct{})
	s.Submit(func() { <-gate })

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	s.Enqueue(Job{Work: record("regular")})
	s.Enqueue(Job{Work: record("priority"), Priority: true})
	close(gate)

	pumpUntil(t, s, func() bool { return s.Pending() == 0 })
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "priority" {
		t.Fatalf("expected priority job first, got %v", order)
	}
}

// Uniform jobs spread across every worker: with K much larger than T no
// worker sits idle while another hoards queued items.
func TestUniformJobsSpreadAcrossWorkers(t *testing.T) {
	const workers = 4
	const jobs = 200

	s := New(workers, 0, nil)
	defer s.Close()

	var running, maxRunning atomic.Int32
	for range jobs {
		s.Submit(func() {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		})
	}

	pumpUntil(t, s, func() bool { return s.Pending() == 0 })

	stats := s.Stats()
	var total int64
	for i, n := range stats {
		if n == 0 {
			t.Fatalf("worker %d never ran a job: %v", i, stats)
		}
		total += n
	}
	if total != jobs {
		t.Fatalf("expected %d jobs, got %d", jobs, total)
	}
	if maxRunning.Load() != workers {
		t.Fatalf("expected all %d workers busy at peak, got %d", workers, maxRunning.Load())
	}
}

func TestStagedWorkInterleaves(t *testing.T) {
	s := New(1, 0, nil)
	defer s.Close()

	var staged atomic.Int32
	s.SubmitStaged(func() bool { return staged.Add(1) >= 10 })

	var quick atomic.Bool
	s.Submit(func() { quick.Store(true) })

	pumpUntil(t, s, func() bool { return quick.Load() && s.Pending() == 0 })
	if staged.Load() != 10 {
		t.Fatalf("staged job should run to completion, ran %d", staged.Load())
	}
}

func TestEnqueueAfterCloseRejected(t *testing.T) {
	s := New(1, 0, nil)
	s.Close()
	if s.Submit(func() {}) {
		t.Fatalf("submit after close should fail")
	}
}
