// Package scheduler dispatches durable tasks from the store. A single loop
// picks the earliest non-running task, waits for its instant (or a wake
// signal), checks the rate-limit groups and spawns the registered handler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/lockbox/internal/store"
)

// saturationDelay is how far a task is pushed when a rate-limit group is full.
const saturationDelay = 30 * time.Second

// latenessWarning is how far past its instant a task may be picked up before
// the loop logs a warning.
const latenessWarning = 100 * time.Millisecond

// Error is raised by handlers to signal a failed run. A positive RetryIn
// reschedules the task that far in the future and bumps its retry count; a
// zero RetryIn deletes the task.
type Error struct {
	Message string
	RetryIn time.Duration
}

func (e *Error) Error() string { return e.Message }

// Retry builds a handler error that reschedules the task.
func Retry(in time.Duration, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), RetryIn: in}
}

// Abandon builds a handler error that deletes the task.
func Abandon(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Handler runs one task. Returning a non-nil time reschedules the task;
// returning nil deletes it on success.
type Handler func(ctx context.Context, owner *store.User, retries int, argument string) (*time.Time, error)

// Scheduler owns the dispatch loop.
type Scheduler struct {
	store    *store.Store
	handlers map[store.TaskKind]Handler
	counters *groupCounters
	wake     chan struct{}
	wg       sync.WaitGroup
}

// New builds a scheduler over the given store.
func New(st *store.Store) *Scheduler {
	return &Scheduler{
		store:    st,
		handlers: make(map[store.TaskKind]Handler),
		counters: newGroupCounters(),
		wake:     make(chan struct{}, 1),
	}
}

// Register installs the handler for a task kind. Call before Start.
func (s *Scheduler) Register(kind store.TaskKind, h Handler) {
	s.handlers[kind] = h
}

// Start recovers interrupted tasks and launches the dispatch loop. Cancel
// ctx to stop dispatching; Wait blocks until in-flight handlers finish.
func (s *Scheduler) Start(ctx context.Context) error {
	interrupted, err := s.store.ResetRunningTasks(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	for _, t := range interrupted {
		slog.Warn("detected interrupted task", "kind", t.Kind, "id", t.ID, "scheduled", t.NextRunAt)
	}
	slog.Info("scheduler started", "recovered", len(interrupted))
	go s.run(ctx)
	return nil
}

// Wait blocks until every spawned handler has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Update signals that persisted task state may have changed.
func (s *Scheduler) Update() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CreateTask persists a new task and wakes the loop. A zero runAt means now.
func (s *Scheduler) CreateTask(ctx context.Context, kind store.TaskKind, runAt time.Time, ownerID, argument string) (*store.Task, error) {
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	t, err := s.store.CreateTask(ctx, kind, runAt, ownerID, argument)
	if err != nil {
		return nil, err
	}
	s.Update()
	return t, nil
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		task, err := s.store.NextPendingTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("scheduler: select next task", "error", err)
			task = nil
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if task != nil {
			wait := time.Until(task.NextRunAt)
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-timerC:
		}

		if late := time.Since(task.NextRunAt); late > latenessWarning {
			slog.Warn("late task", "kind", task.Kind, "id", task.ID, "late", late)
		}

		if name, ok := s.counters.tryAcquire(task.Kind); !ok {
			slog.Info("rate-limit group saturated, delaying task",
				"group", name, "kind", task.Kind, "id", task.ID, "delay", saturationDelay)
			if err := s.store.DelayTask(ctx, task.ID, time.Now().Add(saturationDelay)); err != nil {
				slog.Error("scheduler: delay task", "id", task.ID, "error", err)
			}
			continue
		}

		won, err := s.store.MarkTaskRunning(ctx, task.ID)
		if err != nil || !won {
			if err != nil {
				slog.Error("scheduler: mark task running", "id", task.ID, "error", err)
			}
			s.counters.release(task.Kind)
			continue
		}

		s.wg.Add(1)
		// Handlers outlive a loop cancellation; they finish on their own.
		go s.runTask(context.WithoutCancel(ctx), *task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task store.Task) {
	defer s.wg.Done()
	defer s.counters.release(task.Kind)

	slog.Info("starting task", "kind", task.Kind, "id", task.ID, "retries", task.RetryCount)

	h, ok := s.handlers[task.Kind]
	if !ok {
		slog.Error("no handler for task kind, deleting", "kind", task.Kind, "id", task.ID)
		s.deleteTask(ctx, task.ID)
		return
	}

	var owner *store.User
	if task.OwnerID != "" {
		var err error
		owner, err = s.store.UserByID(ctx, task.OwnerID)
		if err != nil {
			slog.Error("load task owner", "id", task.ID, "owner", task.OwnerID, "error", err)
			s.deleteTask(ctx, task.ID)
			return
		}
		if owner == nil {
			slog.Warn("task owner is gone, deleting task", "kind", task.Kind, "id", task.ID)
			s.deleteTask(ctx, task.ID)
			return
		}
	}

	next, err := h(ctx, owner, task.RetryCount, task.Argument)
	switch {
	case err == nil && next != nil:
		if err := s.store.FinishTask(ctx, task.ID, *next); err != nil {
			slog.Error("reschedule task", "id", task.ID, "error", err)
			return
		}
		slog.Info("task rescheduled", "kind", task.Kind, "id", task.ID, "next", *next)
		s.Update()
	case err == nil:
		slog.Info("task finished", "kind", task.Kind, "id", task.ID)
		s.deleteTask(ctx, task.ID)
	default:
		var te *Error
		if errors.As(err, &te) && te.RetryIn > 0 {
			at := time.Now().UTC().Add(te.RetryIn)
			slog.Warn("task failed, retrying", "kind", task.Kind, "id", task.ID,
				"retry_in", te.RetryIn, "error", te.Message)
			if err := s.store.RetryTask(ctx, task.ID, at); err != nil {
				slog.Error("reschedule retry", "id", task.ID, "error", err)
				return
			}
			s.Update()
			return
		}
		if errors.As(err, &te) {
			slog.Warn("task failed, not retrying", "kind", task.Kind, "id", task.ID, "error", te.Message)
		} else {
			slog.Error("task handler failed", "kind", task.Kind, "id", task.ID, "error", err)
		}
		s.deleteTask(ctx, task.ID)
	}
}

func (s *Scheduler) deleteTask(ctx context.Context, id string) {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		slog.Error("delete task", "id", id, "error", err)
	}
}
