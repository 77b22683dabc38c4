package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/dohr-michael/lockbox/internal/store"
)

// RescheduleCheckDay makes sure a check-day task exists and will still
// run today. A task scheduled on a later local date is pulled back to
// now; one already due later today is left alone.
func (e *Engine) RescheduleCheckDay(ctx context.Context) error {
	task, err := e.store.FindTask(ctx, store.TaskCheckDay, "")
	if err != nil {
		return err
	}
	now := e.now()
	if task == nil {
		if _, err := e.sched.CreateTask(ctx, store.TaskCheckDay, now.UTC(), "", ""); err != nil {
			return err
		}
		return nil
	}
	today := now.In(e.loc)
	runDay := task.NextRunAt.In(e.loc)
	laterDate := runDay.Year() > today.Year() ||
		(runDay.Year() == today.Year() && runDay.YearDay() > today.YearDay())
	if laterDate {
		if err := e.store.DelayTask(ctx, task.ID, now.UTC()); err != nil {
			return err
		}
		e.sched.Update()
	}
	return nil
}

// EnsureFillFormTask creates a fill-form task for the user if none
// exists. NextRunTime lands in tomorrow's window, so when today's
// window has not passed yet the run is pulled back one day.
func (e *Engine) EnsureFillFormTask(ctx context.Context, user *store.User) error {
	task, err := e.store.FindTask(ctx, store.TaskFillForm, user.ID)
	if err != nil {
		return err
	}
	if task != nil {
		return nil
	}
	runAt := e.NextRunTime(e.cfg.FillFormWindow)
	if earlier := runAt.Add(-24 * time.Hour); !earlier.Before(e.now().UTC()) {
		runAt = earlier
	}
	slog.Info("creating fill form task", "user", user.ID, "run_at", runAt)
	if _, err := e.sched.CreateTask(ctx, store.TaskFillForm, runAt, user.ID, ""); err != nil {
		return err
	}
	return e.RescheduleCheckDay(ctx)
}
