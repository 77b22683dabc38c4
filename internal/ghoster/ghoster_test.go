package ghoster

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/dohr-michael/lockbox/internal/fieldexpr"
	"github.com/dohr-michael/lockbox/internal/store"
)

const formURL = "https://docs.google.com/forms/d/e/abc123/viewform"

// pageHTML is a form with one question of every recognized kind, a
// section header and a text question with no known input subtype.
const pageHTML = `<html><body><div class="freebirdFormviewerViewItemList">
<div class="freebirdFormviewerViewNumberedItemContainer">
  <div class="freebirdFormviewerComponentsQuestionBaseRoot">
    <div class="freebirdFormviewerComponentsQuestionBaseTitle">Full Name</div>
    <div class="freebirdFormviewerComponentsQuestionTextRoot">
      <input class="quantumWizTextinputPaperinputInput">
    </div>
  </div>
</div>
<div class="freebirdFormviewerViewNumberedItemContainer">
  <div class="freebirdFormviewerComponentsQuestionBaseRoot">
    <div class="freebirdFormviewerComponentsQuestionBaseTitle">Comments</div>
    <div class="freebirdFormviewerComponentsQuestionTextRoot">
      <textarea class="quantumWizTextinputPapertextareaInput"></textarea>
    </div>
  </div>
</div>
<div class="freebirdFormviewerViewNumberedItemContainer">
  <div class="freebirdFormviewerComponentsQuestionBaseRoot">
    <div class="freebirdFormviewerComponentsQuestionBaseTitle">Attendance</div>
    <div class="freebirdFormviewerComponentsQuestionRadioRoot">
      <div class="freebirdFormviewerViewItemsRadiogroupRadioGroup">
        <div class="docssharedWizToggleLabeledContainer">Present</div>
        <div class="docssharedWizToggleLabeledContainer">Absent</div>
      </div>
    </div>
  </div>
</div>
<div class="freebirdFormviewerViewNumberedItemContainer">
  <div class="freebirdFormviewerComponentsQuestionBaseRoot">
    <div class="freebirdFormviewerComponentsQuestionBaseTitle">Date of class</div>
    <div class="freebirdFormviewerComponentsQuestionDateInputsContainer">
      <input type="number" max="12"><input type="number" max="31"><input type="number" min="1000">
    </div>
  </div>
</div>
<div class="freebirdFormviewerViewNumberedItemContainer">
  <div class="freebirdFormviewerComponentsQuestionBaseRoot">
    <div class="freebirdFormviewerComponentsQuestionBaseTitle">Resources used</div>
    <div class="freebirdFormviewerComponentsQuestionCheckboxRoot">
      <div class="docssharedWizToggleLabeledContainer">Laptop</div>
    </div>
  </div>
</div>
<div class="freebirdFormviewerViewNumberedItemContainer">
  <div class="freebirdFormviewerComponentsQuestionBaseRoot">
    <div class="freebirdFormviewerComponentsQuestionBaseTitle">Period</div>
    <div class="freebirdFormviewerComponentsQuestionSelectRoot"></div>
  </div>
</div>
<div class="freebirdFormviewerViewNumberedItemContainer">
  <div class="sectionHeader">Not a question</div>
</div>
<div class="freebirdFormviewerViewNumberedItemContainer">
  <div class="freebirdFormviewerComponentsQuestionBaseRoot">
    <div class="freebirdFormviewerComponentsQuestionBaseTitle">Mystery</div>
    <div class="freebirdFormviewerComponentsQuestionTextRoot"></div>
  </div>
</div>
</div></body></html>`

func TestClassify(t *testing.T) {
	fields, err := Classify(pageHTML)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	want := []store.GeometryEntry{
		{Index: 0, Title: "Full Name", Kind: store.FieldText},
		{Index: 1, Title: "Comments", Kind: store.FieldLongText},
		{Index: 2, Title: "Attendance", Kind: store.FieldMultipleChoice},
		{Index: 3, Title: "Date of class", Kind: store.FieldDate},
		{Index: 4, Title: "Resources used", Kind: store.FieldCheckbox},
		{Index: 5, Title: "Period", Kind: store.FieldDropdown},
	}
	if len(fields) != len(want) {
		t.Fatalf("got %d fields, want %d: %+v", len(fields), len(want), fields)
	}
	for i, w := range want {
		if fields[i] != w {
			t.Errorf("field %d = %+v, want %+v", i, fields[i], w)
		}
	}
}

func TestClassifyMissingHeader(t *testing.T) {
	html := `<div class="freebirdFormviewerViewItemList">
	<div class="freebirdFormviewerViewNumberedItemContainer">
	  <div class="freebirdFormviewerComponentsQuestionBaseRoot">
	    <div class="freebirdFormviewerComponentsQuestionCheckboxRoot"></div>
	  </div>
	</div></div>`
	_, err := Classify(html)
	var formErr *InvalidFormError
	if !errors.As(err, &formErr) {
		t.Fatalf("Classify error = %v, want InvalidFormError", err)
	}
	if formErr.Message != "Form field 0 missing header" {
		t.Errorf("message = %q", formErr.Message)
	}
}

func readyBrowser() *FakeBrowser {
	b := NewFakeBrowser()
	b.HTML = pageHTML
	b.Present[selSubmitButton] = true
	return b
}

var testCreds = Credentials{Email: "ada.lovelace42@student.example", Login: "123456789", Password: "hunter2"}

func TestFormGeometrySignInFlow(t *testing.T) {
	b := readyBrowser()
	b.Redirects = map[string]string{formURL: "https://accounts.google.com/signin?continue=form"}
	b.Present["#identifierNext"] = true
	b.Present["#identifierId"] = true
	b.OnClick = map[string]func(*FakeBrowser){
		"#identifierNext": func(b *FakeBrowser) {
			b.URL = "https://aw.tdsb.on.ca/login"
			b.Present["#TdsbLoginControl_Login"] = true
			b.Present["#UserName"] = true
			b.Present["#Password"] = true
		},
		"#TdsbLoginControl_Login": func(b *FakeBrowser) { b.URL = formURL },
	}

	g := New(&FakeDriver{Browser: b})
	needsSignIn, fields, shot, err := g.FormGeometry(context.Background(), formURL, testCreds, true)
	if err != nil {
		t.Fatalf("FormGeometry: %v", err)
	}
	if !needsSignIn {
		t.Error("needsSignIn = false, want true")
	}
	if len(fields) != 6 {
		t.Errorf("got %d fields, want 6", len(fields))
	}
	if len(shot) == 0 {
		t.Error("no screenshot taken")
	}
	if b.Keys["#identifierId"] != testCreds.Email {
		t.Errorf("identifier keys = %q", b.Keys["#identifierId"])
	}
	if b.Keys["#UserName"] != testCreds.Login || b.Keys["#Password"] != testCreds.Password {
		t.Errorf("sso keys = %q / %q", b.Keys["#UserName"], b.Keys["#Password"])
	}
	if len(b.Redactions) != 1 || b.Redactions[0] != testCreds.Email {
		t.Errorf("redactions = %v", b.Redactions)
	}
	if !b.Closed {
		t.Error("browser not released")
	}
}

func TestSignInFailures(t *testing.T) {
	t.Run("challenge page never loads", func(t *testing.T) {
		b := readyBrowser()
		b.Redirects = map[string]string{formURL: "https://accounts.google.com/signin"}
		g := New(&FakeDriver{Browser: b})
		_, _, _, err := g.FormGeometry(context.Background(), formURL, testCreds, false)
		var authErr *AuthError
		if !errors.As(err, &authErr) || authErr.Message != "Invalid authentication" {
			t.Fatalf("err = %v, want auth timeout failure", err)
		}
	})
	t.Run("challenge page missing fields", func(t *testing.T) {
		b := readyBrowser()
		b.Redirects = map[string]string{formURL: "https://accounts.google.com/signin"}
		b.Present["#identifierNext"] = true
		g := New(&FakeDriver{Browser: b})
		_, _, _, err := g.FormGeometry(context.Background(), formURL, testCreds, false)
		var authErr *AuthError
		if !errors.As(err, &authErr) || authErr.Message != "Invalid authentication challenge page" {
			t.Fatalf("err = %v, want invalid challenge page failure", err)
		}
	})
}

func TestOpenFormTerminalURLs(t *testing.T) {
	cases := []struct {
		name     string
		url      string
		wantMsg  string
		wantAuth bool
	}{
		{"already responded", formURL + "/alreadyresponded", "Form not setup for multiple responses", false},
		{"restricted", formURL + "/formrestricted", "Account not able to access form", true},
		{"no submit button", formURL, "Form doesn't have a submit button; may be multi-page?", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewFakeBrowser()
			b.HTML = pageHTML
			g := New(&FakeDriver{Browser: b})
			_, _, _, err := g.FormGeometry(context.Background(), tc.url, testCreds, false)
			if tc.wantAuth {
				var authErr *AuthError
				if !errors.As(err, &authErr) || authErr.Message != tc.wantMsg {
					t.Fatalf("err = %v, want AuthError %q", err, tc.wantMsg)
				}
				return
			}
			var formErr *InvalidFormError
			if !errors.As(err, &formErr) || formErr.Message != tc.wantMsg {
				t.Fatalf("err = %v, want InvalidFormError %q", err, tc.wantMsg)
			}
		})
	}
}

func testFields() []Field {
	return []Field{
		{Index: 0, Title: "Name", Kind: store.FieldText, Value: "Ada Lovelace", Critical: true},
		{Index: 3, Title: "Date", Kind: store.FieldDate, Value: fieldexpr.Date{Year: 2024, Month: 1, Day: 15}, Critical: true},
		{Index: 2, Title: "Attendance", Kind: store.FieldMultipleChoice, Value: int64(0), Critical: true},
		{Index: 5, Title: "Period", Kind: store.FieldDropdown, Value: int64(1)},
	}
}

// presentFillTargets registers every selector the fill flow touches.
func presentFillTargets(b *FakeBrowser) {
	q0 := questionSelector(0)
	q2 := questionSelector(2)
	q3 := questionSelector(3)
	q5 := questionSelector(5)
	for _, sel := range []string{
		q0 + " " + selTextInput,
		q3 + " " + selDateContainer + ` input[max="12"]`,
		q3 + " " + selDateContainer + ` input[max="31"]`,
		q3 + " " + selDateContainer + ` input[min="1000"]`,
		q2 + " " + selRadioGroup + " " + selToggleOption + ":nth-child(1)",
		q5 + " " + selDropdownOpener,
		selDropdownPopup,
		selDropdownPopup + " " + selDropdownOption + ":nth-child(3)",
	} {
		b.Present[sel] = true
	}
}

func TestFillFormSubmits(t *testing.T) {
	b := readyBrowser()
	presentFillTargets(b)
	b.Shots = [][]byte{[]byte("form.png"), []byte("confirm.png")}
	b.OnClick = map[string]func(*FakeBrowser){
		selSubmitButton: func(b *FakeBrowser) { b.URL = formURL + "/formResponse" },
	}

	g := New(&FakeDriver{Browser: b})
	outcome, err := g.FillForm(context.Background(), formURL, testCreds, testFields(), false)
	if err != nil {
		t.Fatalf("FillForm: %v", err)
	}
	if len(outcome.Warnings) != 0 {
		t.Errorf("warnings = %v", outcome.Warnings)
	}
	if string(outcome.FormScreenshot) != "form.png" || string(outcome.ConfirmationScreenshot) != "confirm.png" {
		t.Errorf("screenshots = %q / %q", outcome.FormScreenshot, outcome.ConfirmationScreenshot)
	}
	if got := b.Keys[questionSelector(0)+" "+selTextInput]; got != "Ada Lovelace" {
		t.Errorf("text field keys = %q", got)
	}
	dateSel := questionSelector(3) + " " + selDateContainer
	if b.Keys[dateSel+` input[max="12"]`] != "1" || b.Keys[dateSel+` input[max="31"]`] != "15" || b.Keys[dateSel+` input[min="1000"]`] != "2024" {
		t.Errorf("date keys = %v", b.Keys)
	}
	wantClick := questionSelector(2) + " " + selRadioGroup + " " + selToggleOption + ":nth-child(1)"
	if !slices.Contains(b.Clicks, wantClick) {
		t.Errorf("radio option not clicked, clicks = %v", b.Clicks)
	}
	// Dropdown index 1 lands on the third option, past the placeholder.
	if !slices.Contains(b.Clicks, selDropdownPopup+" "+selDropdownOption+":nth-child(3)") {
		t.Errorf("dropdown option not clicked, clicks = %v", b.Clicks)
	}
	if b.Escapes != 1 {
		t.Errorf("escapes = %d, want 1", b.Escapes)
	}
	if !b.Closed {
		t.Error("browser not released")
	}
}

func TestFillFormDryRun(t *testing.T) {
	b := readyBrowser()
	presentFillTargets(b)
	b.Shot = []byte("before.png")

	g := New(&FakeDriver{Browser: b})
	outcome, err := g.FillForm(context.Background(), formURL, testCreds, testFields(), true)
	if err != nil {
		t.Fatalf("FillForm: %v", err)
	}
	if !bytes.Equal(outcome.FormScreenshot, outcome.ConfirmationScreenshot) {
		t.Error("dry run screenshots differ")
	}
	if slices.Contains(b.Clicks, selSubmitButton) {
		t.Error("dry run clicked submit")
	}
	if b.Captures != 1 {
		t.Errorf("captures = %d, want 1", b.Captures)
	}
}

func TestFillFormPossibleFailure(t *testing.T) {
	b := readyBrowser()
	presentFillTargets(b)
	b.Shot = []byte("before.png")
	// Submit click does not change the URL, so the response marker
	// never shows up.
	g := New(&FakeDriver{Browser: b})
	_, err := g.FillForm(context.Background(), formURL, testCreds, testFields(), false)
	var possible *PossibleFailure
	if !errors.As(err, &possible) {
		t.Fatalf("err = %v, want PossibleFailure", err)
	}
	if string(possible.Screenshot) != "before.png" {
		t.Errorf("screenshot = %q, want pre-submit capture", possible.Screenshot)
	}
	if !b.Closed {
		t.Error("browser not released")
	}
}

func TestFillFormHeaderMismatch(t *testing.T) {
	b := readyBrowser()
	presentFillTargets(b)
	g := New(&FakeDriver{Browser: b})

	critical := []Field{{Index: 0, Title: "Student Number", Kind: store.FieldText, Value: "x", Critical: true}}
	if _, err := g.FillForm(context.Background(), formURL, testCreds, critical, true); err == nil {
		t.Fatal("critical header mismatch did not fail the attempt")
	}

	optional := []Field{{Index: 0, Title: "Student Number", Kind: store.FieldText, Value: "x"}}
	outcome, err := g.FillForm(context.Background(), formURL, testCreds, optional, true)
	if err != nil {
		t.Fatalf("FillForm: %v", err)
	}
	if len(outcome.Warnings) != 1 || !strings.Contains(outcome.Warnings[0], "Student Number") {
		t.Errorf("warnings = %v", outcome.Warnings)
	}
}

