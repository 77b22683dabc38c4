package fieldexpr

import (
	"fmt"
	"strconv"
)

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) eof() bool { return p.peek().kind == tokEOF }

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.next()
			return op, true
		}
	}
	return "", false
}

func (p *parser) expectOp(op string) error {
	if _, ok := p.acceptOp(op); !ok {
		return fmt.Errorf("expected %q, got %q", op, p.peek().text)
	}
	return nil
}

func (p *parser) parseExpr() (node, error) {
	return p.parseComp()
}

// Comparisons, || and && share one left-associative level.
func (p *parser) parseComp() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp(">=", "<=", "==", "!=", ">", "<", "||", "&&")
		if !ok {
			return left, nil
		}
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, lhs: left, rhs: right}
	}
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, lhs: left, rhs: right}
	}
}

func (p *parser) parseProduct() (node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, lhs: left, rhs: right}
	}
}

func (p *parser) parseFactor() (node, error) {
	if _, ok := p.acceptOp("-"); ok {
		operand, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return negate{operand: operand}, nil
	}
	return p.parseMolecule()
}

func (p *parser) parseMolecule() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad integer literal %q", t.text)
		}
		return literal{value: n}, nil
	case tokString:
		return literal{value: t.text}, nil
	case tokVariable:
		return variable{name: t.text}, nil
	case tokName:
		if err := p.expectOp("("); err != nil {
			return nil, err
		}
		c := call{name: t.text}
		if _, ok := p.acceptOp(")"); ok {
			return c, nil
		}
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			c.args = append(c.args, arg)
			if _, ok := p.acceptOp(","); ok {
				continue
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return c, nil
		}
	default:
		return nil, fmt.Errorf("unexpected %q", t.text)
	}
}
