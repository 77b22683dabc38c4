// Package tasks holds the handlers behind every scheduled task kind:
// the daily school-day probe, course population, form filling and the
// cleanup tasks for cached geometry and test results.
package tasks

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/dohr-michael/lockbox/internal/config"
	"github.com/dohr-michael/lockbox/internal/fieldexpr"
	"github.com/dohr-michael/lockbox/internal/ghoster"
	"github.com/dohr-michael/lockbox/internal/portal"
	"github.com/dohr-michael/lockbox/internal/scheduler"
	"github.com/dohr-michael/lockbox/internal/store"
	"github.com/dohr-michael/lockbox/internal/vault"
)

// Engine wires the task handlers to their dependencies and keeps the
// in-memory current-day cell. The cell does not survive restarts, so a
// fresh process reports the day as unknown until check-day runs.
type Engine struct {
	store      *store.Store
	sched      *scheduler.Scheduler
	portal     portal.Client
	ghost      *ghoster.Ghoster
	vault      *vault.Vault
	cfg        config.TasksConfig
	schoolCode int

	now func() time.Time
	loc *time.Location

	mu         sync.Mutex
	currentDay *int
}

func New(st *store.Store, sched *scheduler.Scheduler, portalClient portal.Client, ghost *ghoster.Ghoster, v *vault.Vault, cfg config.TasksConfig, schoolCode int) *Engine {
	return &Engine{
		store:      st,
		sched:      sched,
		portal:     portalClient,
		ghost:      ghost,
		vault:      v,
		cfg:        cfg,
		schoolCode: schoolCode,
		now:        time.Now,
		loc:        time.Local,
	}
}

// Register installs every handler on the scheduler.
func (e *Engine) Register() {
	e.sched.Register(store.TaskCheckDay, e.checkDay)
	e.sched.Register(store.TaskFillForm, e.fillForm)
	e.sched.Register(store.TaskPopulateCourses, e.populateCourses)
	e.sched.Register(store.TaskGetFormGeometry, e.getFormGeometry)
	e.sched.Register(store.TaskRemoveOldFormGeometry, e.removeOldFormGeometry)
	e.sched.Register(store.TaskTestFillForm, e.testFillForm)
	e.sched.Register(store.TaskRemoveOldTestResults, e.removeOldTestResults)
}

// Scheduler exposes the underlying scheduler for API handlers that
// enqueue work.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// CurrentDay returns the cycle day recorded by the last check-day run.
// ok is false when the day is unknown; -1 means no school today.
func (e *Engine) CurrentDay() (day int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentDay == nil {
		return 0, false
	}
	return *e.currentDay, true
}

func (e *Engine) setCurrentDay(day int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentDay = &day
}

func (e *Engine) clearCurrentDay() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentDay = nil
}

// NextRunTime picks a uniformly random instant within tomorrow's
// window, in UTC. Both ends of the window are inclusive.
func (e *Engine) NextRunTime(w config.Window) time.Time {
	now := e.now().In(e.loc)
	offset := 0
	if spread := w.End - w.Start; spread > 0 {
		offset = rand.IntN(spread + 1)
	}
	day := now.AddDate(0, 0, 1)
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, e.loc)
	return midnight.Add(time.Duration(w.Start+offset) * time.Second).UTC()
}

// taskFailure is the internal error carried between the helpers of a
// fill attempt. retry distinguishes transient from terminal failures.
type taskFailure struct {
	kind    store.FailureKind
	message string
	retry   bool
}

func (f *taskFailure) Error() string { return f.message }

func failf(kind store.FailureKind, retry bool, format string, args ...any) *taskFailure {
	return &taskFailure{kind: kind, message: fmt.Sprintf(format, args...), retry: retry}
}

// decryptPassword unseals the stored credential ciphertext.
func (e *Engine) decryptPassword(u *store.User) (string, error) {
	return e.vault.Decrypt([]byte(u.Password))
}

// portalSnapshot logs in and fetches identity plus today's async
// timetable items. Portal transport failures come back as retryable
// tdsb-connects failures, identity problems as terminal bad-user-info.
func (e *Engine) portalSnapshot(ctx context.Context, login, password string) (*portal.UserInfo, *portal.School, []portal.TimetableItem, error) {
	session, err := e.portal.Login(ctx, login, password)
	if err != nil {
		return nil, nil, nil, failf(store.FailureTDSBConnects, true, "TDSB Connects failed")
	}
	defer session.Close()

	info, err := session.Info(ctx)
	if err != nil {
		return nil, nil, nil, failf(store.FailureTDSBConnects, true, "TDSB Connects failed")
	}
	school, err := portal.SelectSchool(info, e.schoolCode)
	if err != nil {
		return nil, nil, nil, failf(store.FailureBadUserInfo, false, "%s", err.Error())
	}
	items, err := session.Timetable(ctx, school.Code, e.now())
	if err != nil {
		return nil, nil, nil, failf(store.FailureTDSBConnects, true, "TDSB Connects failed")
	}
	var async []portal.TimetableItem
	for _, item := range items {
		if item.Async() {
			async = append(async, item)
		}
	}
	return info, school, async, nil
}

// slotsOf converts timetable items into course-slot upserts.
func slotsOf(items []portal.TimetableItem) []store.CourseSlot {
	slots := make([]store.CourseSlot, 0, len(items))
	for _, item := range items {
		slots = append(slots, store.CourseSlot{
			CourseCode:  item.CourseCode,
			Slot:        fmt.Sprintf("%d-%s", item.CourseCycleDay, item.CoursePeriod),
			TeacherName: item.CourseTeacherName,
		})
	}
	return slots
}

// fieldexprContext assembles the variables a form's field expressions
// evaluate against. Fresh portal data wins over stored data; manual
// name overrides win over both. warn reports recoverable data gaps.
func (e *Engine) fieldexprContext(owner *store.User, course *store.Course, info *portal.UserInfo, student *portal.StudentInfo, item *portal.TimetableItem, warn func(store.FailureKind, string)) fieldexpr.Context {
	var firstName, lastName string
	var email string

	if info != nil {
		email = info.Email
		switch {
		case owner.FirstName != "" || owner.LastName != "":
			firstName, lastName = owner.FirstName, owner.LastName
		case student != nil && student.FirstName != "" && student.LastName != "":
			firstName, lastName = student.FirstName, student.LastName
		default:
			// The portal reports the full name as "Last, First".
			if last, first, ok := strings.Cut(info.Name, ", "); ok {
				firstName, lastName = first, last
			} else {
				firstName, lastName = info.Name, info.Name
			}
		}
	} else {
		email = owner.Email
		if owner.FirstName != "" || owner.LastName != "" {
			firstName, lastName = owner.FirstName, owner.LastName
		} else {
			firstName, lastName = nameFromEmail(owner.Email)
			if firstName == "" && lastName == "" {
				warn(store.FailureBadUserInfo, "Warning: unable to determine your name, defaulting to empty. Please set it in the override pane.")
			}
		}
	}

	grade := int64(0)
	if owner.Grade != nil {
		grade = int64(*owner.Grade)
	}

	courseCode := course.CourseCode
	teacherName := course.TeacherName
	teacherEmail := "unknown@tdsb.on.ca"
	dayCycle := int64(1)
	if day, ok := e.CurrentDay(); ok {
		dayCycle = int64(day)
	}
	if item != nil {
		courseCode = item.CourseCode
		teacherName = item.CourseTeacherName
		if item.CourseTeacherEmail != "" {
			teacherEmail = item.CourseTeacherEmail
		}
		dayCycle = int64(item.CourseCycleDay)
	}

	today := e.now().In(e.loc)
	return fieldexpr.Context{
		"name":           firstName + " " + lastName,
		"first_name":     firstName,
		"last_name":      lastName,
		"student_number": owner.Login,
		"email":          email,
		"today":          fieldexpr.Date{Year: today.Year(), Month: int(today.Month()), Day: today.Day()},
		"grade":          grade,
		"course_code":    courseCode,
		"teacher_name":   teacherName,
		"teacher_email":  teacherEmail,
		"day_cycle":      dayCycle,
	}
}

// nameFromEmail guesses "first.last123@board" style addresses. Returns
// empty strings when the local part does not split cleanly.
func nameFromEmail(email string) (first, last string) {
	local, _, _ := strings.Cut(email, "@")
	first, last, ok := strings.Cut(local, ".")
	if !ok || strings.Contains(last, ".") {
		return "", ""
	}
	for i, c := range last {
		if c >= '0' && c <= '9' {
			last = last[:i]
			break
		}
	}
	return first, last
}
