package fieldexpr

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"unicode"
)

type node interface {
	eval(ctx Context) (any, error)
}

type literal struct{ value any }

func (l literal) eval(Context) (any, error) { return l.value, nil }

type variable struct{ name string }

func (v variable) eval(ctx Context) (any, error) {
	val, ok := ctx[v.name]
	if !ok {
		return nil, fmt.Errorf("unbound variable $%s", v.name)
	}
	return val, nil
}

type negate struct{ operand node }

func (n negate) eval(ctx Context) (any, error) {
	v, err := n.operand.eval(ctx)
	if err != nil {
		return nil, err
	}
	i, ok := v.(int64)
	if !ok {
		return nil, fmt.Errorf("cannot negate %s", typeName(v))
	}
	return -i, nil
}

type binary struct {
	op       string
	lhs, rhs node
}

func (b binary) eval(ctx Context) (any, error) {
	l, err := b.lhs.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := b.rhs.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch b.op {
	case "||":
		if truthy(l) {
			return l, nil
		}
		return r, nil
	case "&&":
		if !truthy(l) {
			return l, nil
		}
		return r, nil
	case "+":
		if li, ok := l.(int64); ok {
			if ri, ok := r.(int64); ok {
				return li + ri, nil
			}
		}
		if ls, ok := l.(string); ok {
			if rs, ok := r.(string); ok {
				return ls + rs, nil
			}
		}
		return nil, fmt.Errorf("cannot add %s and %s", typeName(l), typeName(r))
	case "*":
		if li, ok := l.(int64); ok {
			if ri, ok := r.(int64); ok {
				return li * ri, nil
			}
		}
		// String repetition, either operand order.
		if s, n, ok := stringTimes(l, r); ok {
			if n < 0 {
				n = 0
			}
			return strings.Repeat(s, int(n)), nil
		}
		return nil, fmt.Errorf("cannot multiply %s and %s", typeName(l), typeName(r))
	case "-", "/", "%":
		li, lok := l.(int64)
		ri, rok := r.(int64)
		if !lok || !rok {
			return nil, fmt.Errorf("operator %s needs ints, got %s and %s", b.op, typeName(l), typeName(r))
		}
		switch b.op {
		case "-":
			return li - ri, nil
		case "/":
			if ri == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return floorDiv(li, ri), nil
		default:
			if ri == 0 {
				return nil, fmt.Errorf("modulo by zero")
			}
			return floorMod(li, ri), nil
		}
	case "==", "!=":
		eq, err := valuesEqual(l, r)
		if err != nil {
			return nil, err
		}
		if b.op == "!=" {
			eq = !eq
		}
		return boolInt(eq), nil
	default: // > >= < <=
		c, err := compareValues(l, r)
		if err != nil {
			return nil, err
		}
		switch b.op {
		case ">":
			return boolInt(c > 0), nil
		case ">=":
			return boolInt(c >= 0), nil
		case "<":
			return boolInt(c < 0), nil
		default:
			return boolInt(c <= 0), nil
		}
	}
}

type call struct {
	name string
	args []node
}

func (c call) eval(ctx Context) (any, error) {
	fn, ok := builtins[c.name]
	if !ok {
		return nil, fmt.Errorf("unknown function %s", c.name)
	}
	args := make([]any, len(c.args))
	for i, a := range c.args {
		v, err := a.eval(ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	v, err := fn(args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return v, nil
}

// Floored division and modulo; the remainder takes the divisor's sign.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func stringTimes(l, r any) (string, int64, bool) {
	if s, ok := l.(string); ok {
		if n, ok := r.(int64); ok {
			return s, n, true
		}
	}
	if s, ok := r.(string); ok {
		if n, ok := l.(int64); ok {
			return s, n, true
		}
	}
	return "", 0, false
}

// Equality across mismatched types is false, never an error.
func valuesEqual(l, r any) (bool, error) {
	switch lv := l.(type) {
	case int64:
		rv, ok := r.(int64)
		return ok && lv == rv, nil
	case string:
		rv, ok := r.(string)
		return ok && lv == rv, nil
	case Date:
		rv, ok := r.(Date)
		return ok && lv.compare(rv) == 0, nil
	default:
		return false, fmt.Errorf("cannot compare %s", typeName(l))
	}
}

func compareValues(l, r any) (int, error) {
	switch lv := l.(type) {
	case int64:
		if rv, ok := r.(int64); ok {
			switch {
			case lv < rv:
				return -1, nil
			case lv > rv:
				return 1, nil
			}
			return 0, nil
		}
	case string:
		if rv, ok := r.(string); ok {
			return strings.Compare(lv, rv), nil
		}
	case Date:
		if rv, ok := r.(Date); ok {
			return lv.compare(rv), nil
		}
	}
	return 0, fmt.Errorf("cannot order %s against %s", typeName(l), typeName(r))
}

type builtin func(args []any) (any, error)

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"substr": fnSubstr,
		"len":    fnLen,
		"tok":    fnTok,
		"cap":    fnCap,
		"upper":  fnUpper,
		"lower":  fnLower,
		"padl":   fnPadl,
		"padr":   fnPadr,
		"if":     fnIf,
		"str":    fnStr,
		"int":    fnInt,
		"date":   fnDate,
		"dyear":  fnDyear,
		"dmon":   fnDmon,
		"dday":   fnDday,
		"dadd":   fnDadd,
		"min":    fnMin,
		"max":    fnMax,
		"unmax":  fnMin,
		"random": fnRandom,
	}
}

func argString(args []any, i int) (string, error) {
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d must be a string, got %s", i+1, typeName(args[i]))
	}
	return s, nil
}

func argInt(args []any, i int) (int64, error) {
	n, ok := args[i].(int64)
	if !ok {
		return 0, fmt.Errorf("argument %d must be an int, got %s", i+1, typeName(args[i]))
	}
	return n, nil
}

func argDate(args []any, i int) (Date, error) {
	d, ok := args[i].(Date)
	if !ok {
		return Date{}, fmt.Errorf("argument %d must be a date, got %s", i+1, typeName(args[i]))
	}
	return d, nil
}

// fnSubstr slices with clamping, negative-from-end semantics.
func fnSubstr(args []any) (any, error) {
	if len(args) != 2 && len(args) != 3 {
		return nil, fmt.Errorf("want 2 or 3 arguments, got %d", len(args))
	}
	s, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	start, err := argInt(args, 1)
	if err != nil {
		return nil, err
	}
	runes := []rune(s)
	end := int64(len(runes))
	if len(args) == 3 {
		if end, err = argInt(args, 2); err != nil {
			return nil, err
		}
	}
	lo := sliceIndex(start, len(runes))
	hi := sliceIndex(end, len(runes))
	if lo >= hi {
		return "", nil
	}
	return string(runes[lo:hi]), nil
}

func sliceIndex(i int64, n int) int {
	if i < 0 {
		i += int64(n)
	}
	if i < 0 {
		return 0
	}
	if i > int64(n) {
		return n
	}
	return int(i)
}

func fnLen(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("want 1 argument, got %d", len(args))
	}
	s, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	return int64(len([]rune(s))), nil
}

func fnTok(args []any) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("want 3 arguments, got %d", len(args))
	}
	s, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	sep, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	if sep == "" {
		return nil, fmt.Errorf("empty separator")
	}
	idx, err := argInt(args, 2)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(s, sep)
	if idx < 0 {
		idx += int64(len(parts))
	}
	if idx < 0 || idx >= int64(len(parts)) {
		return nil, fmt.Errorf("token index %d out of range", idx)
	}
	return parts[idx], nil
}

// fnCap uppercases the first rune and lowercases the rest.
func fnCap(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("want 1 argument, got %d", len(args))
	}
	s, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return "", nil
	}
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes), nil
}

func fnUpper(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("want 1 argument, got %d", len(args))
	}
	s, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func fnLower(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("want 1 argument, got %d", len(args))
	}
	s, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func fnPadl(args []any) (any, error) { return pad(args, true) }
func fnPadr(args []any) (any, error) { return pad(args, false) }

func pad(args []any, left bool) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("want 3 arguments, got %d", len(args))
	}
	s, err := renderString(args[0])
	if err != nil {
		return nil, err
	}
	fill, err := renderString(args[1])
	if err != nil {
		return nil, err
	}
	if len([]rune(fill)) != 1 {
		return nil, fmt.Errorf("pad %q must be a single character", fill)
	}
	minlen, err := argInt(args, 2)
	if err != nil {
		return nil, err
	}
	n := int(minlen) - len([]rune(s))
	if n <= 0 {
		return s, nil
	}
	if left {
		return strings.Repeat(fill, n) + s, nil
	}
	return s + strings.Repeat(fill, n), nil
}

func renderString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case Date:
		return x.String(), nil
	default:
		return "", fmt.Errorf("cannot render %s", typeName(v))
	}
}

func fnIf(args []any) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("want 3 arguments, got %d", len(args))
	}
	if truthy(args[0]) {
		return args[1], nil
	}
	return args[2], nil
}

func fnStr(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("want 1 argument, got %d", len(args))
	}
	return renderString(args[0])
}

func fnInt(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("want 1 argument, got %d", len(args))
	}
	switch x := args[0].(type) {
	case int64:
		return x, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as int", x)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("cannot convert %s to int", typeName(args[0]))
	}
}

func fnDate(args []any) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("want 3 arguments, got %d", len(args))
	}
	y, err := argInt(args, 0)
	if err != nil {
		return nil, err
	}
	m, err := argInt(args, 1)
	if err != nil {
		return nil, err
	}
	d, err := argInt(args, 2)
	if err != nil {
		return nil, err
	}
	return NewDate(int(y), int(m), int(d))
}

func fnDyear(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("want 1 argument, got %d", len(args))
	}
	d, err := argDate(args, 0)
	if err != nil {
		return nil, err
	}
	return int64(d.Year), nil
}

func fnDmon(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("want 1 argument, got %d", len(args))
	}
	d, err := argDate(args, 0)
	if err != nil {
		return nil, err
	}
	return int64(d.Month), nil
}

func fnDday(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("want 1 argument, got %d", len(args))
	}
	d, err := argDate(args, 0)
	if err != nil {
		return nil, err
	}
	return int64(d.Day), nil
}

func fnDadd(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("want 2 arguments, got %d", len(args))
	}
	d, err := argDate(args, 0)
	if err != nil {
		return nil, err
	}
	days, err := argInt(args, 1)
	if err != nil {
		return nil, err
	}
	return d.AddDays(int(days)), nil
}

func fnMin(args []any) (any, error) { return extreme(args, -1) }
func fnMax(args []any) (any, error) { return extreme(args, 1) }

func extreme(args []any, sign int) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("want at least 2 arguments, got %d", len(args))
	}
	best := args[0]
	for _, v := range args[1:] {
		c, err := compareValues(v, best)
		if err != nil {
			return nil, err
		}
		if c*sign > 0 {
			best = v
		}
	}
	return best, nil
}

// fnRandom returns a uniform int in [lo, hi], both ends included.
func fnRandom(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("want 2 arguments, got %d", len(args))
	}
	lo, err := argInt(args, 0)
	if err != nil {
		return nil, err
	}
	hi, err := argInt(args, 1)
	if err != nil {
		return nil, err
	}
	if hi < lo {
		return nil, fmt.Errorf("empty range %d..%d", lo, hi)
	}
	return lo + rand.Int64N(hi-lo+1), nil
}
