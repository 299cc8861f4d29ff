// Package worker runs heavy work off the tick loop. A fixed pool of workers
// pulls from a priority and a regular FIFO queue; results come back to the
// tick goroutine through Pump, which runs completion callbacks within a time
// budget.
package worker

import (
	"fmt"
	"iter"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MaxWorkers caps the pool size.
	MaxWorkers = 32
	// DefaultBudget is the default per-pump time budget.
	DefaultBudget = 4 * time.Millisecond
)

// Job describes one unit of work. Exactly one of Work or Staged may be set;
// at most one of Done, Stage or Sequence may be set.
type Job struct {
	// Work runs once on a worker.
	Work func()
	// Staged runs on a worker until it returns true. A worker holding a
	// staged job interleaves it with other jobs it holds.
	Staged func() bool
	// Done runs once on the tick goroutine after the worker part finished.
	Done func()
	// Stage runs on the tick goroutine, once per pump, until it returns true.
	Stage func() bool
	// Sequence is stepped on the tick goroutine until exhausted; a step that
	// runs past the pump budget leaves the rest for the next pump.
	Sequence iter.Seq[struct{}]
	// Priority jobs are claimed before regular ones.
	Priority bool
}

type task struct {
	work   func() bool
	finish *completion
}

type completion struct {
	once  func()
	stage func() bool
	seq   iter.Seq[struct{}]
	next  func() (struct{}, bool)
	stop  func()
}

type workerState struct {
	index int
	busy  bool
	ran   atomic.Int64
}

// Scheduler is the worker pool plus the completion queue.
type Scheduler struct {
	log    *zerolog.Logger
	budget time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	priority []*task
	regular  []*task
	workers  []*workerState
	closed   bool
	wg       sync.WaitGroup

	doneMu      sync.Mutex
	completions []*completion

	pending atomic.Int64
}

// PoolSize resolves the worker count: n <= 0 means one per processor.
func PoolSize(n int) int {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return max(1, min(n, MaxWorkers))
}

// New starts a scheduler with PoolSize(workers) workers. A zero budget uses
// DefaultBudget.
func New(workers int, budget time.Duration, logger *zerolog.Logger) *Scheduler {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	s := &Scheduler{log: logger, budget: budget}
	s.cond = sync.NewCond(&s.mu)

	n := PoolSize(workers)
	s.workers = make([]*workerState, n)
	for i := range n {
		s.workers[i] = &workerState{index: i}
	}
	s.wg.Add(n)
	for _, w := range s.workers {
		go s.loop(w)
	}
	return s
}

// Size returns the number of workers.
func (s *Scheduler) Size() int { return len(s.workers) }

// Budget returns the per-pump time budget.
func (s *Scheduler) Budget() time.Duration { return s.budget }

// Enqueue schedules a job. It returns false after Close.
func (s *Scheduler) Enqueue(j Job) bool {
	t := &task{}
	switch {
	case j.Staged != nil:
		t.work = j.Staged
	case j.Work != nil:
		work := j.Work
		t.work = func() bool { work(); return true }
	default:
		t.work = func() bool { return true }
	}
	if j.Done != nil || j.Stage != nil || j.Sequence != nil {
		t.finish = &completion{once: j.Done, stage: j.Stage, seq: j.Sequence}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if j.Priority {
		s.priority = append(s.priority, t)
	} else {
		s.regular = append(s.regular, t)
	}
	s.pending.Add(1)
	s.mu.Unlock()
	s.cond.Signal()
	return true
}

// Submit runs fn on a worker with no completion.
func (s *Scheduler) Submit(fn func()) bool {
	return s.Enqueue(Job{Work: fn})
}

// SubmitWithCallback runs fn on a worker, then done on the tick goroutine.
func (s *Scheduler) SubmitWithCallback(fn, done func()) bool {
	return s.Enqueue(Job{Work: fn, Done: done})
}

// SubmitMultiStage runs fn on a worker, then stage on the tick goroutine
// once per pump until it returns true.
func (s *Scheduler) SubmitMultiStage(fn func(), stage func() bool) bool {
	return s.Enqueue(Job{Work: fn, Stage: stage})
}

// SubmitSequence runs fn on a worker, then steps seq on the tick goroutine.
func (s *Scheduler) SubmitSequence(fn func(), seq iter.Seq[struct{}]) bool {
	return s.Enqueue(Job{Work: fn, Sequence: seq})
}

// SubmitStaged runs fn on a worker until it returns true.
func (s *Scheduler) SubmitStaged(fn func() bool) bool {
	return s.Enqueue(Job{Staged: fn})
}

// Pending returns the number of jobs whose worker part has not finished.
func (s *Scheduler) Pending() int { return int(s.pending.Load()) }

// Close stops accepting work, lets workers drain the queues and waits for
// them to exit. Completions already queued stay available to Pump.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()
}

func (s *Scheduler) popLocked() *task {
	if len(s.priority) > 0 {
		t := s.priority[0]
		s.priority[0] = nil
		s.priority = s.priority[1:]
		return t
	}
	if len(s.regular) > 0 {
		t := s.regular[0]
		s.regular[0] = nil
		s.regular = s.regular[1:]
		return t
	}
	return nil
}

// othersBusyLocked reports whether every worker except w holds work.
func (s *Scheduler) othersBusyLocked(w *workerState) bool {
	for _, o := range s.workers {
		if o != w && !o.busy {
			return false
		}
	}
	return true
}

func (s *Scheduler) loop(w *workerState) {
	defer s.wg.Done()

	var held []*task
	for {
		s.mu.Lock()
		for {
			// Claim new work only when holding none, or when nobody else
			// is free to take it.
			if len(held) == 0 || s.othersBusyLocked(w) {
				if t := s.popLocked(); t != nil {
					held = append(held, t)
				}
			}
			if len(held) > 0 {
				break
			}
			w.busy = false
			if s.closed && len(s.priority) == 0 && len(s.regular) == 0 {
				s.mu.Unlock()
				s.cond.Broadcast()
				return
			}
			s.cond.Wait()
		}
		w.busy = true
		s.mu.Unlock()

		t := held[0]
		held = held[1:]
		if !s.step(w, t) {
			held = append(held, t)
			continue
		}
		if t.finish != nil {
			s.doneMu.Lock()
			s.completions = append(s.completions, t.finish)
			s.doneMu.Unlock()
		}
		// Pending drops only once the completion is visible to Pump.
		s.pending.Add(-1)
		w.ran.Add(1)
	}
}

// step runs one slice of a task. A panicking task counts as finished and
// loses its completion.
func (s *Scheduler) step(w *workerState, t *task) (finished bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Int("worker", w.index).Str("panic", fmt.Sprint(r)).Msg("worker job panicked")
			t.finish = nil
			finished = true
		}
	}()
	return t.work()
}

// Pump runs completions on the calling goroutine until the queue is empty or
// the budget is spent, and returns how many callbacks ran. Callbacks that are
// not finished go back to the end of the queue and are resumed on the next
// pump; nothing is preempted.
func (s *Scheduler) Pump() int {
	start := time.Now()

	s.doneMu.Lock()
	batch := s.completions
	s.completions = nil
	s.doneMu.Unlock()

	ran := 0
	var requeue []*completion
	for i, c := range batch {
		if time.Since(start) >= s.budget && ran > 0 {
			requeue = append(requeue, batch[i:]...)
			break
		}
		ran++
		if !s.finish(c, start) {
			requeue = append(requeue, c)
		}
	}

	if len(requeue) > 0 {
		s.doneMu.Lock()
		s.completions = append(requeue, s.completions...)
		s.doneMu.Unlock()
	}
	return ran
}

// PendingCompletions returns the number of callbacks waiting for Pump.
func (s *Scheduler) PendingCompletions() int {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	return len(s.completions)
}

func (s *Scheduler) finish(c *completion, start time.Time) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("panic", fmt.Sprint(r)).Msg("completion callback panicked")
			if c.stop != nil {
				c.stop()
			}
			done = true
		}
	}()

	switch {
	case c.once != nil:
		c.once()
		return true
	case c.stage != nil:
		return c.stage()
	case c.seq != nil:
		if c.next == nil {
			c.next, c.stop = iter.Pull(c.seq)
		}
		for {
			if _, ok := c.next(); !ok {
				c.stop()
				return true
			}
			if time.Since(start) >= s.budget {
				return false
			}
		}
	default:
		return true
	}
}

// Stats reports how many jobs each worker finished.
func (s *Scheduler) Stats() []int64 {
	out := make([]int64, len(s.workers))
	for i, w := range s.workers {
		out[i] = w.ran.Load()
	}
	return out
}
