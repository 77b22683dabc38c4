package fieldexpr

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokName
	tokVariable // $name
	tokOp       // operators and punctuation
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9':
			j := i
			for j < len(input) && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			toks = append(toks, token{tokNumber, input[i:j]})
			i = j
		case c == '\'':
			text, rest, err := lexString(input[i+1:])
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, text})
			i = len(input) - len(rest)
		case isNameStart(c):
			j := i
			for j < len(input) && isNameChar(input[j]) {
				j++
			}
			toks = append(toks, token{tokName, input[i:j]})
			i = j
		case c == '$':
			j := i + 1
			for j < len(input) && isNameChar(input[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("bare $ at offset %d", i)
			}
			toks = append(toks, token{tokVariable, input[i+1 : j]})
			i = j
		default:
			op, ok := lexOp(input[i:])
			if !ok {
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
			}
			toks = append(toks, token{tokOp, op})
			i += len(op)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

// lexString consumes a single-quoted string body; only \' is an escape,
// every other byte (backslashes included) is literal.
func lexString(s string) (text, rest string, err error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s) && s[i+1] == '\'':
			b.WriteByte('\'')
			i++
		case s[i] == '\'':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", "", fmt.Errorf("unterminated string literal")
}

var operators = []string{
	">=", "<=", "==", "!=", "||", "&&",
	">", "<", "+", "-", "*", "/", "%", "(", ")", ",",
}

func lexOp(s string) (string, bool) {
	for _, op := range operators {
		if strings.HasPrefix(s, op) {
			return op, true
		}
	}
	return "", false
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
