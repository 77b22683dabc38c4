// Package ghoster drives a headless browser through Google Forms
// attendance pages: portal sign-in, field classification, filling and
// submission. The browser itself is abstracted behind the Driver and
// Browser interfaces so tests can run against an in-memory fake and
// deployments against a WebDriver endpoint.
package ghoster

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dohr-michael/lockbox/internal/fieldexpr"
	"github.com/dohr-michael/lockbox/internal/store"
)

// Browser step errors. Implementations must return these (possibly
// wrapped) so flows can distinguish a missing element from a wait that
// ran out of time.
var (
	ErrNoSuchElement = errors.New("no such element")
	ErrWaitTimeout   = errors.New("wait timed out")
)

// Driver hands out browser instances. Each task acquires its own and
// releases it on every path.
type Driver interface {
	Acquire(ctx context.Context) (Browser, error)
}

// Browser is a single page-driving session.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	PageHTML(ctx context.Context) (string, error)
	// WaitVisible blocks until the selector matches an element or the
	// timeout elapses, returning ErrWaitTimeout in the latter case.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// WaitGone blocks until the selector no longer matches anything.
	WaitGone(ctx context.Context, selector string, timeout time.Duration) error
	WaitURLContains(ctx context.Context, needle string, timeout time.Duration) error
	SendKeys(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	PressEscape(ctx context.Context) error
	// ReplaceText rewrites every occurrence of needle in the page's
	// visible text. Used to redact emails before screenshots.
	ReplaceText(ctx context.Context, needle, replacement string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// Credentials is everything needed to get through the sign-in flow.
type Credentials struct {
	Email    string
	Login    string
	Password string
}

// AuthError means the sign-in flow could not be completed.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// InvalidFormError means the form page does not look like a fillable
// single-page Google Form, or a field on it does not match its config.
type InvalidFormError struct {
	Message string
}

func (e *InvalidFormError) Error() string { return e.Message }

// PossibleFailure means the submit click went through but the response
// page never appeared. The submission may or may not have landed, so
// callers must never retry it. Screenshot is the pre-submit capture.
type PossibleFailure struct {
	Message    string
	Screenshot []byte
}

func (e *PossibleFailure) Error() string { return e.Message }

// Field is one configured question to fill: the page index it should
// appear at, the expected header substring ("" skips the check), the
// interaction kind and the already-evaluated target value.
type Field struct {
	Index    int
	Title    string
	Kind     store.FieldKind
	Value    any
	Critical bool
}

// FillOutcome carries the two screenshots of a completed attempt plus
// warnings for non-critical fields that could not be filled.
type FillOutcome struct {
	FormScreenshot         []byte
	ConfirmationScreenshot []byte
	Warnings               []string
}

// Page selectors and timeouts. The class names are the stable markers
// of the Google Forms viewer DOM.
const (
	selSubmitButton  = ".freebirdFormviewerViewNavigationSubmitButton"
	selQuestionItems = ".freebirdFormviewerViewItemList .freebirdFormviewerViewNumberedItemContainer"

	selTextInput      = ".quantumWizTextinputPaperinputInput"
	selTextareaInput  = ".quantumWizTextinputPapertextareaInput"
	selRadioGroup     = ".freebirdFormviewerViewItemsRadiogroupRadioGroup"
	selToggleOption   = ".docssharedWizToggleLabeledContainer"
	selCheckboxRoot   = ".freebirdFormviewerComponentsQuestionCheckboxRoot"
	selDateContainer  = ".freebirdFormviewerComponentsQuestionDateInputsContainer"
	selDropdownOpener = ".quantumWizMenuPaperselectDropDown"
	selDropdownPopup  = ".quantumWizMenuPaperselectPopup"
	selDropdownOption = ".quantumWizMenuPaperselectOption"

	signinHost        = "accounts.google.com"
	ssoHost           = "aw.tdsb.on.ca"
	responseURLMarker = "formResponse"

	submitWait   = 10 * time.Second
	responseWait = 10 * time.Second
	popupWait    = 4 * time.Second
	redactedText = "[redacted]"
)

// Ghoster runs form flows on browsers supplied by a Driver.
type Ghoster struct {
	driver Driver
}

func New(driver Driver) *Ghoster {
	return &Ghoster{driver: driver}
}

// FormGeometry opens the form, signing in if redirected, and classifies
// every recognized question on the page. When grabScreenshot is set the
// user's email is redacted from the page before the capture.
func (g *Ghoster) FormGeometry(ctx context.Context, url string, creds Credentials, grabScreenshot bool) (needsSignIn bool, fields []store.GeometryEntry, screenshot []byte, err error) {
	browser, err := g.driver.Acquire(ctx)
	if err != nil {
		return false, nil, nil, fmt.Errorf("acquire browser: %w", err)
	}
	defer browser.Close(ctx)

	needsSignIn, err = openForm(ctx, browser, url, creds)
	if err != nil {
		return false, nil, nil, err
	}
	html, err := browser.PageHTML(ctx)
	if err != nil {
		return false, nil, nil, err
	}
	fields, err = Classify(html)
	if err != nil {
		return false, nil, nil, err
	}
	if grabScreenshot {
		if creds.Email != "" {
			if err := browser.ReplaceText(ctx, creds.Email, redactedText); err != nil {
				return false, nil, nil, err
			}
		}
		screenshot, err = browser.Screenshot(ctx)
		if err != nil {
			return false, nil, nil, err
		}
	}
	return needsSignIn, fields, screenshot, nil
}

// FillForm opens the form, fills every field in declared order and
// submits. With dryRun set the submit click is skipped and both
// screenshots are the pre-submit capture. A critical field that cannot
// be filled aborts the attempt; non-critical failures are collected as
// warnings and the attempt continues.
func (g *Ghoster) FillForm(ctx context.Context, url string, creds Credentials, fields []Field, dryRun bool) (*FillOutcome, error) {
	browser, err := g.driver.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire browser: %w", err)
	}
	defer browser.Close(ctx)

	if _, err := openForm(ctx, browser, url, creds); err != nil {
		return nil, err
	}
	html, err := browser.PageHTML(ctx)
	if err != nil {
		return nil, err
	}
	page, err := parsePage(html)
	if err != nil {
		return nil, err
	}

	outcome := &FillOutcome{}
	for _, field := range fields {
		if err := fillField(ctx, browser, page, field); err != nil {
			if field.Critical {
				return nil, err
			}
			outcome.Warnings = append(outcome.Warnings, err.Error())
		}
	}

	shot, err := browser.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	outcome.FormScreenshot = shot
	if dryRun {
		outcome.ConfirmationScreenshot = shot
		return outcome, nil
	}

	if err := browser.Click(ctx, selSubmitButton); err != nil {
		return nil, &InvalidFormError{Message: "Form doesn't have a submit button; may be multi-page?"}
	}
	if err := browser.WaitURLContains(ctx, responseURLMarker, responseWait); err != nil {
		if errors.Is(err, ErrWaitTimeout) {
			return nil, &PossibleFailure{
				Message:    "Response page did not load after submitting",
				Screenshot: shot,
			}
		}
		return nil, err
	}
	confirm, err := browser.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	outcome.ConfirmationScreenshot = confirm
	return outcome, nil
}

// openForm navigates to the form, runs the sign-in flow when redirected
// to the account chooser, and waits for the submit button.
func openForm(ctx context.Context, b Browser, url string, creds Credentials) (needsSignIn bool, err error) {
	if err := b.Navigate(ctx, url); err != nil {
		return false, err
	}
	current, err := b.CurrentURL(ctx)
	if err != nil {
		return false, err
	}
	if strings.Contains(current, signinHost) {
		needsSignIn = true
		if err := signIn(ctx, b, creds); err != nil {
			return false, err
		}
	}
	if err := b.WaitVisible(ctx, selSubmitButton, submitWait); err != nil {
		if !errors.Is(err, ErrWaitTimeout) {
			return false, err
		}
		current, urlErr := b.CurrentURL(ctx)
		if urlErr != nil {
			return false, urlErr
		}
		switch {
		case strings.Contains(current, "alreadyresponded"):
			return false, &InvalidFormError{Message: "Form not setup for multiple responses"}
		case strings.Contains(current, "formrestricted"):
			return false, &AuthError{Message: "Account not able to access form"}
		default:
			return false, &InvalidFormError{Message: "Form doesn't have a submit button; may be multi-page?"}
		}
	}
	return needsSignIn, nil
}

// signIn walks the Google account chooser into the board's SSO page.
func signIn(ctx context.Context, b Browser, creds Credentials) error {
	steps := []func() error{
		func() error { return b.WaitVisible(ctx, "#identifierNext", 10*time.Second) },
		func() error { return b.SendKeys(ctx, "#identifierId", creds.Email) },
		func() error { return b.Click(ctx, "#identifierNext") },
		func() error { return b.WaitURLContains(ctx, ssoHost, 15*time.Second) },
		func() error { return b.WaitVisible(ctx, "#TdsbLoginControl_Login", 5*time.Second) },
		func() error { return b.SendKeys(ctx, "#UserName", creds.Login) },
		func() error { return b.SendKeys(ctx, "#Password", creds.Password) },
		func() error { return b.Click(ctx, "#TdsbLoginControl_Login") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			switch {
			case errors.Is(err, ErrNoSuchElement):
				return &AuthError{Message: "Invalid authentication challenge page"}
			case errors.Is(err, ErrWaitTimeout):
				return &AuthError{Message: "Invalid authentication"}
			default:
				return err
			}
		}
	}
	return nil
}

// fillField fills a single question. Every failure is reported as an
// InvalidFormError naming the field so the caller can decide whether it
// was critical.
func fillField(ctx context.Context, b Browser, page *formPage, field Field) error {
	question, err := page.question(field.Index)
	if err != nil {
		return err
	}
	if field.Title != "" && !strings.Contains(question.title, field.Title) {
		return &InvalidFormError{Message: fmt.Sprintf(
			"Field %d header %q does not contain expected %q", field.Index, question.title, field.Title)}
	}
	qSel := questionSelector(field.Index)

	switch field.Kind {
	case store.FieldText, store.FieldLongText:
		text, ok := field.Value.(string)
		if !ok {
			return fieldValueError(field, "a string")
		}
		input := selTextInput
		if field.Kind == store.FieldLongText {
			input = selTextareaInput
		}
		if err := b.SendKeys(ctx, qSel+" "+input, text); err != nil {
			return fieldStepError(field, err)
		}

	case store.FieldDate:
		date, ok := field.Value.(fieldexpr.Date)
		if !ok {
			return fieldValueError(field, "a date")
		}
		subs, err := question.dateInputs(qSel)
		if err != nil {
			return err
		}
		parts := []struct{ sel, text string }{
			{subs.month, strconv.Itoa(date.Month)},
			{subs.day, strconv.Itoa(date.Day)},
			{subs.year, strconv.Itoa(date.Year)},
		}
		for _, p := range parts {
			if err := b.SendKeys(ctx, p.sel, p.text); err != nil {
				return fieldStepError(field, err)
			}
		}

	case store.FieldMultipleChoice, store.FieldCheckbox:
		idx, ok := optionIndex(field.Value)
		if !ok {
			return fieldValueError(field, "an option index")
		}
		root := selRadioGroup
		if field.Kind == store.FieldCheckbox {
			root = selCheckboxRoot
		}
		option := fmt.Sprintf("%s %s %s:nth-child(%d)", qSel, root, selToggleOption, idx+1)
		if err := b.Click(ctx, option); err != nil {
			return fieldStepError(field, err)
		}

	case store.FieldDropdown:
		idx, ok := optionIndex(field.Value)
		if !ok {
			return fieldValueError(field, "an option index")
		}
		if err := b.Click(ctx, qSel+" "+selDropdownOpener); err != nil {
			return fieldStepError(field, err)
		}
		if err := b.WaitVisible(ctx, selDropdownPopup, popupWait); err != nil {
			return fieldStepError(field, err)
		}
		// The first option is the "Choose" placeholder.
		option := fmt.Sprintf("%s %s:nth-child(%d)", selDropdownPopup, selDropdownOption, idx+2)
		if err := b.Click(ctx, option); err != nil {
			return fieldStepError(field, err)
		}
		if err := b.PressEscape(ctx); err != nil {
			return fieldStepError(field, err)
		}
		if err := b.WaitGone(ctx, selDropdownPopup, popupWait); err != nil && !errors.Is(err, ErrWaitTimeout) {
			return fieldStepError(field, err)
		}

	default:
		return &InvalidFormError{Message: fmt.Sprintf("Field %d has unknown kind %q", field.Index, field.Kind)}
	}
	return nil
}

// optionIndex accepts the integer forms a field expression can yield.
func optionIndex(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), n >= 0
	case int:
		return n, n >= 0
	default:
		return 0, false
	}
}

func fieldValueError(field Field, want string) error {
	return &InvalidFormError{Message: fmt.Sprintf(
		"Field %d (%s) requires %s, got %v", field.Index, field.Kind, want, field.Value)}
}

func fieldStepError(field Field, err error) error {
	return &InvalidFormError{Message: fmt.Sprintf("Field %d could not be filled: %v", field.Index, err)}
}

func questionSelector(index int) string {
	return fmt.Sprintf("%s:nth-of-type(%d)", selQuestionItems, index+1)
}
