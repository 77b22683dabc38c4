// Package fieldexpr implements the expression language used to compute form
// field values. Expressions are evaluated against a context of named values;
// values are int64, string or Date.
//
// The grammar, bottom up: an atom is an integer literal, a single-quoted
// string (\' escapes a quote) or a $name variable; a molecule is an atom or
// a function call; unary minus binds tighter than * / %, which bind tighter
// than + -, which bind tighter than the comparison level. Comparisons,
// || and && all share the lowest level and associate left. There is no
// parenthesized grouping.
package fieldexpr

import (
	"fmt"
	"time"
)

// Context maps variable names (without the $ sigil) to values.
type Context map[string]any

// Interpret parses and evaluates text against ctx.
func Interpret(text string, ctx Context) (any, error) {
	e, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return e.Eval(ctx)
}

// Expr is a parsed expression, reusable across contexts.
type Expr struct {
	root node
}

// Parse compiles text into an Expr.
func Parse(text string) (*Expr, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("unexpected %q after expression", p.peek().text)
	}
	return &Expr{root: root}, nil
}

// Eval evaluates the expression, returning an int64, string or Date.
func (e *Expr) Eval(ctx Context) (any, error) {
	return e.root.eval(ctx)
}

// Date is a calendar date value.
type Date struct {
	Year  int
	Month int
	Day   int
}

// NewDate validates and builds a date.
func NewDate(year, month, day int) (Date, error) {
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return Date{}, fmt.Errorf("invalid date %d-%d-%d", year, month, day)
	}
	return Date{Year: year, Month: month, Day: day}, nil
}

// DateOf truncates a time to its calendar date.
func DateOf(t time.Time) Date {
	return Date{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}

// AddDays returns the date offset by the given number of days.
func (d Date) AddDays(days int) Date {
	return DateOf(time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, days))
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return d.Year - o.Year
	case d.Month != o.Month:
		return d.Month - o.Month
	default:
		return d.Day - o.Day
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case int64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

func typeName(v any) string {
	switch v.(type) {
	case int64:
		return "int"
	case string:
		return "string"
	case Date:
		return "date"
	default:
		return fmt.Sprintf("%T", v)
	}
}
