package services

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-keyshop-backend/internal/observability"
)

// TaskSet supervises background goroutines keyed by an id (one watcher per
// payment). It can start, cancel, enumerate, and shut down all tasks.
type TaskSet struct {
	mu     sync.Mutex
	base   context.Context
	stop   context.CancelFunc
	tasks  map[string]*task
	wg     sync.WaitGroup
	closed bool
}

type task struct {
	cancel context.CancelFunc
}

// NewTaskSet returns an empty set. Tasks inherit values, not cancellation,
// from parent.
func NewTaskSet(parent context.Context) *TaskSet {
	base, stop := context.WithCancel(context.WithoutCancel(parent))
	return &TaskSet{base: base, stop: stop, tasks: make(map[string]*task)}
}

// Go starts fn under id. It returns false, without starting anything, if a
// task with that id is already running or the set is shut down.
func (s *TaskSet) Go(id string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, running := s.tasks[id]; running {
		return false
	}

	ctx, cancel := context.WithCancel(s.base)
	t := &task{cancel: cancel}
	s.tasks[id] = t
	s.wg.Add(1)
	observability.ActiveWatchers.Inc()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("task", id).Msg("task panicked")
			}
			cancel()
			s.mu.Lock()
			if s.tasks[id] == t {
				delete(s.tasks, id)
			}
			s.mu.Unlock()
			observability.ActiveWatchers.Dec()
			s.wg.Done()
		}()
		fn(ctx)
	}()
	return true
}

// Cancel asks the task with id to stop. It does not wait.
func (s *TaskSet) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// Running reports whether a task with id is active.
func (s *TaskSet) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// IDs returns the ids of active tasks.
func (s *TaskSet) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		out = append(out, id)
	}
	return out
}

// Len returns the number of active tasks.
func (s *TaskSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown cancels every task, refuses new ones, and waits for all of them
// to return or for ctx to end.
func (s *TaskSet) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
