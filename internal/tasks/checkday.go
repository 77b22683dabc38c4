package tasks

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/dohr-michael/lockbox/internal/portal"
	"github.com/dohr-michael/lockbox/internal/scheduler"
	"github.com/dohr-michael/lockbox/internal/store"
)

// checkDay probes the portal for today's cycle day ("D<N>", bare "D"
// on non-school days) using any active user's credentials. On a
// non-school day every fill-form task still scheduled today is pushed
// out by 24 hours. Runs daily before the fill-form window.
func (e *Engine) checkDay(ctx context.Context, owner *store.User, retries int, argument string) (*time.Time, error) {
	slog.Info("check day: starting")
	next := e.NextRunTime(e.cfg.CheckDayWindow)

	day := e.probeDayName(ctx)
	if day == "" {
		slog.Warn("check day: no valid credentials or portal unreachable")
		e.clearCurrentDay()
		if retries < 1 {
			return nil, scheduler.Retry(time.Hour, "no valid credentials or portal unreachable")
		}
		return &next, nil
	}

	if len(day) >= 2 {
		n, err := strconv.Atoi(day[1:])
		if err != nil {
			slog.Warn("check day: unrecognized day name", "day", day)
			return &next, nil
		}
		e.setCurrentDay(n)
		slog.Info("check day: school day", "day", n)
		return &next, nil
	}

	// No school today; push today's fill-form tasks to tomorrow.
	e.setCurrentDay(-1)
	now := e.now().In(e.loc)
	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.loc).AddDate(0, 0, 1)
	moved, err := e.store.ShiftTasks(ctx, store.TaskFillForm, now.UTC(), endOfDay.UTC(), 24*time.Hour)
	if err != nil {
		slog.Error("check day: failed to postpone fill-form tasks", "error", err)
		return &next, nil
	}
	slog.Info("check day: no school today", "tasks_postponed", moved)
	return &next, nil
}

// probeDayName tries every active user with complete credentials until
// one can report today's day-cycle name. Returns "" when none can.
func (e *Engine) probeDayName(ctx context.Context) string {
	users, err := e.store.UsersWithCredentials(ctx, true)
	if err != nil {
		slog.Error("check day: listing users failed", "error", err)
		return ""
	}
	for _, user := range users {
		password, err := e.decryptPassword(user)
		if err != nil {
			slog.Error("check day: stored password cannot be decrypted", "user", user.ID)
			continue
		}
		day, err := e.probeWith(ctx, user.Login, password)
		if err != nil {
			if !portal.Unauthorized(err) {
				slog.Warn("check day: probe failed", "user", user.ID, "error", err)
			}
			continue
		}
		if day != "" {
			return day
		}
	}
	return ""
}

func (e *Engine) probeWith(ctx context.Context, login, password string) (string, error) {
	session, err := e.portal.Login(ctx, login, password)
	if err != nil {
		return "", err
	}
	defer session.Close()

	info, err := session.Info(ctx)
	if err != nil {
		return "", err
	}
	school, err := portal.SelectSchool(info, e.schoolCode)
	if err != nil {
		// Wrong school is a per-user problem, not a probe failure.
		slog.Warn("check day: skipping user", "reason", err)
		return "", nil
	}
	today := e.now()
	days, err := session.DayCycleNames(ctx, school.Code, today, today)
	if err != nil {
		return "", err
	}
	if len(days) == 0 {
		return "", nil
	}
	return days[0], nil
}
