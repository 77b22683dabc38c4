package store

import "time"

// TaskKind identifies what a scheduled task does.
type TaskKind string

const (
	TaskCheckDay              TaskKind = "check-day"
	TaskFillForm              TaskKind = "fill-form"
	TaskPopulateCourses       TaskKind = "populate-courses"
	TaskGetFormGeometry       TaskKind = "get-form-geometry"
	TaskTestFillForm          TaskKind = "test-fill-form"
	TaskRemoveOldFormGeometry TaskKind = "remove-old-form-geometry"
	TaskRemoveOldTestResults  TaskKind = "remove-old-test-results"
)

// Task is a durable unit of work owned by the scheduler.
type Task struct {
	ID         string
	Kind       TaskKind
	OwnerID    string // user id, empty for ownerless tasks
	NextRunAt  time.Time
	IsRunning  bool
	RetryCount int
	Argument   string
}

// FailureKind classifies a failure event surfaced to the user.
type FailureKind string

const (
	FailureUnknown      FailureKind = "unknown"
	FailureInternal     FailureKind = "internal"
	FailureBadUserInfo  FailureKind = "bad-user-info"
	FailureTDSBConnects FailureKind = "tdsb-connects"
	FailureConfig       FailureKind = "config"
	FailureFormFilling  FailureKind = "form-filling"
)

// FailureEvent is an error record embedded in a user or form test.
type FailureEvent struct {
	ID       string      `json:"id"`
	LoggedAt time.Time   `json:"time_logged"`
	Kind     FailureKind `json:"kind"`
	Message  string      `json:"message"`
}

// FillResult is the outcome class of a form-filling attempt.
type FillResult string

const (
	FillSuccess         FillResult = "success"
	FillFailure         FillResult = "failure"
	FillPossibleFailure FillResult = "possible-failure"
	FillSubmitDisabled  FillResult = "submit-disabled"
)

// FillFormResult records the outcome of the most recent fill attempt.
type FillFormResult struct {
	Result                   FillResult `json:"result"`
	LoggedAt                 time.Time  `json:"time_logged"`
	CourseID                 string     `json:"course,omitempty"`
	FormScreenshotID         string     `json:"form_screenshot_id,omitempty"`
	ConfirmationScreenshotID string     `json:"confirmation_screenshot_id,omitempty"`
}

// User lives in the private database. Login, Password and Grade are unset
// until credentials are configured; once both Login and Password are present
// they have been verified against the portal at least once.
//
// Courses is nil while course resolution is pending (or credentials are
// unset) and non-nil once populate-courses has run, possibly empty.
type User struct {
	ID                 string
	Token              string
	Login              string
	Password           string // fernet ciphertext, empty when unset
	Email              string
	FirstName          string
	LastName           string
	Grade              *int
	Active             bool
	Errors             []FailureEvent
	LastFillFormResult *FillFormResult
	Courses            []string
}

// CredentialsSet reports whether both login and password are configured.
func (u *User) CredentialsSet() bool {
	return u.Login != "" && u.Password != ""
}

// FieldKind is the interaction type of a form field.
type FieldKind string

const (
	FieldText           FieldKind = "text"
	FieldLongText       FieldKind = "long-text"
	FieldDate           FieldKind = "date"
	FieldMultipleChoice FieldKind = "multiple-choice"
	FieldCheckbox       FieldKind = "checkbox"
	FieldDropdown       FieldKind = "dropdown"
)

// FormField is one field of a form template, embedded in a Form.
type FormField struct {
	IndexOnPage          int       `json:"index_on_page"`
	ExpectedLabelSegment string    `json:"expected_label_segment,omitempty"`
	Kind                 FieldKind `json:"kind"`
	TargetValue          string    `json:"target_value"`
	Critical             bool      `json:"critical"`
}

// Form is a named form template in the shared database.
type Form struct {
	ID          string
	Name        string
	SubFields   []FormField
	ThumbnailID string
	IsDefault   bool
}

// Course lives in the shared database and may be referenced by many users.
type Course struct {
	ID                  string
	CourseCode          string
	ConfigurationLocked bool
	HasAttendanceForm   bool
	FormURL             string
	FormConfigID        string // Form id, empty when not configured
	KnownSlots          []string
	TeacherName         string
}

// GeometryEntry describes one recognized question on a form page.
type GeometryEntry struct {
	Index int       `json:"index"`
	Title string    `json:"title"`
	Kind  FieldKind `json:"kind"`
}

// CachedFormGeometry caches the result of a form-geometry probe, keyed by
// URL. Geometry is nil while the probe is pending.
type CachedFormGeometry struct {
	ID             string
	URL            string
	RequestedBy    string // token of the requesting user
	Geometry       []GeometryEntry
	AuthRequired   *bool
	ScreenshotID   string
	ResponseStatus *int
	Error          string
	GrabScreenshot bool
}

// Pending reports whether the geometry probe has not completed yet.
func (g *CachedFormGeometry) Pending() bool {
	return g.Geometry == nil && g.ResponseStatus == nil && g.Error == ""
}

// FormFillingTest is a frontend-requested dry run of form filling for a
// specific course configuration, stored in the shared database.
type FormFillingTest struct {
	ID           string
	RequestedBy  string // user id
	CourseConfig string // course id
	TimeExecuted *time.Time
	IsScheduled  bool
	InProgress   bool
	IsFinished   bool
	Errors       []FailureEvent
	FillResult   *FillFormResult
}

// CourseSlot is one observed occurrence of a course, used to upsert shared
// Course documents from timetable data.
type CourseSlot struct {
	CourseCode  string
	Slot        string // "<cycle_day>-<period>"
	TeacherName string
}
