package xlib

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/fentz26/xqserver/internal/engine"
)

// errTimeLimit is the cancellation cause of an expression timeout.
var errTimeLimit = errors.New("time limit exceeded")

type expr interface {
	eval(ev *evaluator) ([]engine.Item, error)
}

type evaluator struct {
	ctx  context.Context
	lib  *Library
	vars map[engine.QName][]engine.Item
}

func (ev *evaluator) checkContext() error {
	if err := ev.ctx.Err(); err != nil {
		return contextError(ev.ctx)
	}
	return nil
}

func contextError(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), errTimeLimit) {
		return engine.Errorf(engine.CodeTimeLimit, "evaluation time limit exceeded")
	}
	return ctx.Err()
}

func dynamicError(format string, args ...any) error {
	return engine.Errorf(engine.CodeDynamic, format, args...)
}

type literal struct{ item engine.Item }

func (l *literal) eval(*evaluator) ([]engine.Item, error) { return []engine.Item{l.item}, nil }

type seqExpr struct{ items []expr }

func (s *seqExpr) eval(ev *evaluator) ([]engine.Item, error) {
	var out []engine.Item
	for _, e := range s.items {
		if err := ev.checkContext(); err != nil {
			return nil, err
		}
		items, err := e.eval(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

type varRef struct{ name engine.QName }

func (v *varRef) eval(ev *evaluator) ([]engine.Item, error) {
	items, ok := ev.vars[v.name]
	if !ok {
		return nil, dynamicError("variable $%s is not bound", v.name)
	}
	return items, nil
}

type rangeExpr struct{ from, to expr }

func (r *rangeExpr) eval(ev *evaluator) ([]engine.Item, error) {
	from, ok, err := ev.singleInteger(r.from)
	if err != nil || !ok {
		return nil, err
	}
	to, ok, err := ev.singleInteger(r.to)
	if err != nil || !ok {
		return nil, err
	}
	if to < from {
		return nil, nil
	}
	if to-from > 10_000_000 {
		return nil, dynamicError("range %d to %d is too large", from, to)
	}
	out := make([]engine.Item, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, engine.Integer(i))
	}
	return out, nil
}

func (ev *evaluator) singleInteger(e expr) (int64, bool, error) {
	items, err := e.eval(ev)
	if err != nil {
		return 0, false, err
	}
	if len(items) == 0 {
		return 0, false, nil
	}
	if len(items) > 1 {
		return 0, false, dynamicError("expected a single integer, got %d items", len(items))
	}
	n, err := toNumber(items[0])
	if err != nil {
		return 0, false, err
	}
	if !n.isInt {
		return 0, false, dynamicError("expected an integer, got %s", items[0].Type())
	}
	return n.i, true, nil
}

type negateExpr struct{ e expr }

func (n *negateExpr) eval(ev *evaluator) ([]engine.Item, error) {
	item, ok, err := ev.singleAtomic(n.e)
	if err != nil || !ok {
		return nil, err
	}
	v, err := toNumber(item)
	if err != nil {
		return nil, err
	}
	if v.isInt {
		return []engine.Item{engine.Integer(-v.i)}, nil
	}
	return []engine.Item{v.negate().item()}, nil
}

func (ev *evaluator) singleAtomic(e expr) (engine.Item, bool, error) {
	items, err := e.eval(ev)
	if err != nil {
		return nil, false, err
	}
	if len(items) == 0 {
		return nil, false, nil
	}
	if len(items) > 1 {
		return nil, false, dynamicError("expected a single item, got %d", len(items))
	}
	return atomize(items[0]), true, nil
}

type arithExpr struct {
	op   string
	l, r expr
}

func (a *arithExpr) eval(ev *evaluator) ([]engine.Item, error) {
	li, ok, err := ev.singleAtomic(a.l)
	if err != nil || !ok {
		return nil, err
	}
	ri, ok, err := ev.singleAtomic(a.r)
	if err != nil || !ok {
		return nil, err
	}
	l, err := toNumber(li)
	if err != nil {
		return nil, err
	}
	r, err := toNumber(ri)
	if err != nil {
		return nil, err
	}
	res, err := arith(a.op, l, r)
	if err != nil {
		return nil, err
	}
	return []engine.Item{res}, nil
}

type number struct {
	isInt    bool
	isDouble bool
	i        int64
	f        float64
}

func (n number) float() float64 {
	if n.isInt {
		return float64(n.i)
	}
	return n.f
}

func (n number) negate() number {
	n.i, n.f = -n.i, -n.f
	return n
}

func (n number) item() engine.Item {
	switch {
	case n.isInt:
		return engine.Integer(n.i)
	case n.isDouble:
		return engine.Atomic{T: engine.TypeDouble, V: formatDouble(n.f)}
	default:
		return engine.Decimal(n.f)
	}
}

func formatDouble(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "INF"
	case math.IsInf(f, -1):
		return "-INF"
	case math.IsNaN(f):
		return "NaN"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func toNumber(item engine.Item) (number, error) {
	switch item.Type() {
	case engine.TypeInteger:
		i, err := strconv.ParseInt(item.String(), 10, 64)
		if err != nil {
			return number{}, dynamicError("bad integer %q", item.String())
		}
		return number{isInt: true, i: i}, nil
	case engine.TypeDecimal:
		f, err := strconv.ParseFloat(item.String(), 64)
		if err != nil {
			return number{}, dynamicError("bad decimal %q", item.String())
		}
		return number{f: f}, nil
	case engine.TypeDouble, engine.TypeUntyped:
		f, err := parseDouble(strings.TrimSpace(item.String()))
		if err != nil {
			return number{}, dynamicError("cannot convert %q to a number", item.String())
		}
		return number{isDouble: true, f: f}, nil
	}
	return number{}, dynamicError("%s is not a numeric type", item.Type())
}

func parseDouble(s string) (float64, error) {
	switch s {
	case "INF":
		return math.Inf(1), nil
	case "-INF":
		return math.Inf(-1), nil
	case "NaN":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func arith(op string, l, r number) (engine.Item, error) {
	if l.isInt && r.isInt {
		switch op {
		case "+":
			return engine.Integer(l.i + r.i), nil
		case "-":
			return engine.Integer(l.i - r.i), nil
		case "*":
			return engine.Integer(l.i * r.i), nil
		case "idiv":
			if r.i == 0 {
				return nil, dynamicError("integer division by zero")
			}
			return engine.Integer(l.i / r.i), nil
		case "mod":
			if r.i == 0 {
				return nil, dynamicError("modulus by zero")
			}
			return engine.Integer(l.i % r.i), nil
		case "div":
			if r.i == 0 {
				return nil, dynamicError("division by zero")
			}
			return engine.Decimal(float64(l.i) / float64(r.i)), nil
		}
	}
	res := number{isDouble: l.isDouble || r.isDouble}
	a, b := l.float(), r.float()
	switch op {
	case "+":
		res.f = a + b
	case "-":
		res.f = a - b
	case "*":
		res.f = a * b
	case "div":
		if b == 0 && !res.isDouble {
			return nil, dynamicError("division by zero")
		}
		res.f = a / b
	case "idiv":
		if b == 0 {
			return nil, dynamicError("integer division by zero")
		}
		return engine.Integer(int64(a / b)), nil
	case "mod":
		res.f = math.Mod(a, b)
	default:
		return nil, dynamicError("unknown operator %s", op)
	}
	return res.item(), nil
}

type compareExpr struct {
	op   string
	l, r expr
}

func (c *compareExpr) eval(ev *evaluator) ([]engine.Item, error) {
	left, err := c.l.eval(ev)
	if err != nil {
		return nil, err
	}
	right, err := c.r.eval(ev)
	if err != nil {
		return nil, err
	}
	for _, li := range left {
		for _, ri := range right {
			ok, err := compareItems(c.op, atomize(li), atomize(ri))
			if err != nil {
				return nil, err
			}
			if ok {
				return []engine.Item{engine.Boolean(true)}, nil
			}
		}
	}
	return []engine.Item{engine.Boolean(false)}, nil
}

func isNumeric(t engine.ItemType) bool {
	return t == engine.TypeInteger || t == engine.TypeDecimal || t == engine.TypeDouble
}

func compareItems(op string, l, r engine.Item) (bool, error) {
	var cmp int
	if isNumeric(l.Type()) || isNumeric(r.Type()) {
		ln, err := toNumber(l)
		if err != nil {
			return false, err
		}
		rn, err := toNumber(r)
		if err != nil {
			return false, err
		}
		a, b := ln.float(), rn.float()
		if ln.isInt && rn.isInt {
			a, b = float64(ln.i), float64(rn.i)
		}
		switch {
		case a < b:
			cmp = -1
		case a > b:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(l.String(), r.String())
	}
	switch op {
	case "=":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return false, dynamicError("unknown comparison %s", op)
}

// atomize turns nodes into untyped atomic values.
func atomize(item engine.Item) engine.Item {
	if item.IsNode() {
		return engine.Atomic{T: engine.TypeUntyped, V: item.Node().StringValue()}
	}
	return item
}

// effectiveBoolean computes the effective boolean value of a sequence.
func effectiveBoolean(items []engine.Item) (bool, error) {
	if len(items) == 0 {
		return false, nil
	}
	if items[0].IsNode() {
		return true, nil
	}
	if len(items) > 1 {
		return false, dynamicError("effective boolean value of a sequence of %d atomic values", len(items))
	}
	it := items[0]
	switch it.Type() {
	case engine.TypeBoolean:
		return it.String() == "true", nil
	case engine.TypeString, engine.TypeUntyped:
		return it.String() != "", nil
	}
	n, err := toNumber(it)
	if err != nil {
		return false, err
	}
	f := n.float()
	return f != 0 && !math.IsNaN(f), nil
}

type callExpr struct {
	name engine.QName
	args []expr
}

func (c *callExpr) eval(ev *evaluator) ([]engine.Item, error) {
	if err := ev.checkContext(); err != nil {
		return nil, err
	}
	args := make([][]engine.Item, len(c.args))
	for i, a := range c.args {
		items, err := a.eval(ev)
		if err != nil {
			return nil, err
		}
		args[i] = items
	}
	fn, err := ev.lib.lookupFunction(c.name, len(args))
	if err != nil {
		return nil, err
	}
	out, err := fn(ev.ctx, args)
	if err != nil {
		if ctxErr := ev.ctx.Err(); ctxErr != nil {
			return nil, contextError(ev.ctx)
		}
		return nil, err
	}
	return out, nil
}

// castString converts the lexical form of an external variable value.
func castString(value string, typ engine.ItemType) (engine.Item, error) {
	switch typ {
	case engine.TypeString:
		return engine.String(value), nil
	case engine.TypeInteger:
		i, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, dynamicError("cannot cast %q to xs:integer", value)
		}
		return engine.Integer(i), nil
	case engine.TypeDecimal:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, dynamicError("cannot cast %q to xs:decimal", value)
		}
		return engine.Decimal(f), nil
	case engine.TypeDouble:
		f, err := parseDouble(strings.TrimSpace(value))
		if err != nil {
			return nil, dynamicError("cannot cast %q to xs:double", value)
		}
		return engine.Atomic{T: engine.TypeDouble, V: formatDouble(f)}, nil
	case engine.TypeBoolean:
		switch strings.TrimSpace(value) {
		case "true", "1":
			return engine.Boolean(true), nil
		case "false", "0":
			return engine.Boolean(false), nil
		}
		return nil, dynamicError("cannot cast %q to xs:boolean", value)
	case engine.TypeDocument, engine.TypeElement:
		n, err := parseNode(value)
		if err != nil {
			return nil, dynamicError("cannot parse %s value: %v", typ, err)
		}
		return n, nil
	}
	return engine.Atomic{T: engine.TypeUntyped, V: value}, nil
}
