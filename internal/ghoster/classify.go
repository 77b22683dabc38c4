package ghoster

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/dohr-michael/lockbox/internal/store"
)

// Classify parses a form page and returns every recognized question as
// (index, title, kind). Questions with no known input marker are
// skipped; a recognized question with no title is a form error.
func Classify(html string) ([]store.GeometryEntry, error) {
	page, err := parsePage(html)
	if err != nil {
		return nil, err
	}
	var fields []store.GeometryEntry
	for j, q := range page.questions {
		kind, ok := classifyQuestion(q.sel)
		if !ok {
			continue
		}
		if q.title == "" {
			return nil, &InvalidFormError{Message: fmt.Sprintf("Form field %d missing header", j)}
		}
		fields = append(fields, store.GeometryEntry{Index: j, Title: q.title, Kind: kind})
	}
	return fields, nil
}

// formPage is the parsed question list of a form, used both for
// geometry and for header verification while filling.
type formPage struct {
	questions []pageQuestion
}

type pageQuestion struct {
	sel   *goquery.Selection
	title string
}

func parsePage(html string) (*formPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse form page: %w", err)
	}
	page := &formPage{}
	doc.Find(selQuestionItems).Each(func(_ int, sel *goquery.Selection) {
		title := strings.TrimSpace(sel.Find(classBaseTitle).First().Text())
		page.questions = append(page.questions, pageQuestion{sel: sel, title: title})
	})
	return page, nil
}

func (p *formPage) question(index int) (pageQuestion, error) {
	if index < 0 || index >= len(p.questions) {
		return pageQuestion{}, &InvalidFormError{Message: fmt.Sprintf(
			"Field %d is not on the page (%d questions found)", index, len(p.questions))}
	}
	return p.questions[index], nil
}

// Classification markers, checked in the same order the original
// heuristic did.
const (
	classBaseRoot     = ".freebirdFormviewerComponentsQuestionBaseRoot"
	classBaseTitle    = ".freebirdFormviewerComponentsQuestionBaseTitle"
	classTextRoot     = ".freebirdFormviewerComponentsQuestionTextRoot"
	classRadioRoot    = ".freebirdFormviewerComponentsQuestionRadioRoot"
	classSelectRoot   = ".freebirdFormviewerComponentsQuestionSelectRoot"
	classDateInputs   = selDateContainer
	classCheckboxRoot = selCheckboxRoot
)

func classifyQuestion(sel *goquery.Selection) (store.FieldKind, bool) {
	if sel.Find(classBaseRoot).Length() == 0 {
		return "", false
	}
	if textRoot := sel.Find(classTextRoot).First(); textRoot.Length() > 0 {
		switch {
		case textRoot.Find(selTextInput).Length() > 0:
			return store.FieldText, true
		case textRoot.Find(selTextareaInput).Length() > 0:
			return store.FieldLongText, true
		default:
			return "", false
		}
	}
	if radioRoot := sel.Find(classRadioRoot).First(); radioRoot.Length() > 0 {
		if radioRoot.Find(selRadioGroup).Length() > 0 {
			return store.FieldMultipleChoice, true
		}
		return "", false
	}
	if sel.Find(classDateInputs).Length() > 0 {
		return store.FieldDate, true
	}
	if sel.Find(classCheckboxRoot).Length() > 0 {
		return store.FieldCheckbox, true
	}
	if sel.Find(classSelectRoot).Length() > 0 {
		return store.FieldDropdown, true
	}
	return "", false
}

// dateSubInputs are the selectors for the three parts of a date
// question, resolved from the min/max attributes of its inputs.
type dateSubInputs struct {
	month, day, year string
}

func (q pageQuestion) dateInputs(qSel string) (dateSubInputs, error) {
	var subs dateSubInputs
	q.sel.Find(classDateInputs + " input").Each(func(_ int, input *goquery.Selection) {
		if max, ok := input.Attr("max"); ok {
			switch max {
			case "12":
				subs.month = fmt.Sprintf(`%s %s input[max="12"]`, qSel, classDateInputs)
			case "31":
				subs.day = fmt.Sprintf(`%s %s input[max="31"]`, qSel, classDateInputs)
			}
		}
		if min, ok := input.Attr("min"); ok {
			if n, err := strconv.Atoi(min); err == nil && n >= 1000 {
				subs.year = fmt.Sprintf(`%s %s input[min=%q]`, qSel, classDateInputs, min)
			}
		}
	})
	if subs.month == "" || subs.day == "" || subs.year == "" {
		return subs, &InvalidFormError{Message: "Date question is missing month, day or year inputs"}
	}
	return subs, nil
}
