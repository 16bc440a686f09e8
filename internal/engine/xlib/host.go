package xlib

import (
	"context"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fentz26/xqserver/internal/engine"
)

// hostClasses maps a host class name to its static functions. A class is
// callable from a session only after EnableHostClass.
var (
	hostMu      sync.RWMutex
	hostClasses = map[string]map[string]engine.HostFunction{}
)

// RegisterHostClass adds (or extends) a host class.
func RegisterHostClass(class string, funcs map[string]engine.HostFunction) {
	hostMu.Lock()
	defer hostMu.Unlock()
	m := hostClasses[class]
	if m == nil {
		m = make(map[string]engine.HostFunction)
		hostClasses[class] = m
	}
	for name, fn := range funcs {
		m[name] = fn
	}
}

func hostFunction(class, name string) (engine.HostFunction, bool) {
	hostMu.RLock()
	defer hostMu.RUnlock()
	fn, ok := hostClasses[class][name]
	return fn, ok
}

func numericArg(args [][]engine.Item, i int) (number, bool, error) {
	if len(args[i]) == 0 {
		return number{}, false, nil
	}
	n, err := toNumber(atomize(args[i][0]))
	return n, true, err
}

func stringArg(args [][]engine.Item, i int) string {
	if i >= len(args) || len(args[i]) == 0 {
		return ""
	}
	return atomize(args[i][0]).String()
}

func mathUnary(f func(number) engine.Item) engine.HostFunction {
	return func(_ context.Context, args [][]engine.Item) ([]engine.Item, error) {
		if len(args) != 1 {
			return nil, dynamicError("expected 1 argument, got %d", len(args))
		}
		n, ok, err := numericArg(args, 0)
		if err != nil || !ok {
			return nil, err
		}
		return []engine.Item{f(n)}, nil
	}
}

func mathBinary(pick func(a, b float64) bool) engine.HostFunction {
	return func(_ context.Context, args [][]engine.Item) ([]engine.Item, error) {
		if len(args) != 2 {
			return nil, dynamicError("expected 2 arguments, got %d", len(args))
		}
		a, ok, err := numericArg(args, 0)
		if err != nil || !ok {
			return nil, err
		}
		b, ok, err := numericArg(args, 1)
		if err != nil || !ok {
			return nil, err
		}
		if pick(a.float(), b.float()) {
			return []engine.Item{a.item()}, nil
		}
		return []engine.Item{b.item()}, nil
	}
}

func stringUnary(f func(string) engine.Item) engine.HostFunction {
	return func(_ context.Context, args [][]engine.Item) ([]engine.Item, error) {
		if len(args) != 1 {
			return nil, dynamicError("expected 1 argument, got %d", len(args))
		}
		return []engine.Item{f(stringArg(args, 0))}, nil
	}
}

func init() {
	RegisterHostClass("java.lang.Math", map[string]engine.HostFunction{
		"abs": mathUnary(func(n number) engine.Item {
			if n.isInt {
				if n.i < 0 {
					n.i = -n.i
				}
				return engine.Integer(n.i)
			}
			n.f = math.Abs(n.f)
			return n.item()
		}),
		"floor": mathUnary(func(n number) engine.Item {
			if n.isInt {
				return n.item()
			}
			n.f = math.Floor(n.f)
			return n.item()
		}),
		"max": mathBinary(func(a, b float64) bool { return a >= b }),
		"min": mathBinary(func(a, b float64) bool { return a <= b }),
	})
	RegisterHostClass("java.lang.String", map[string]engine.HostFunction{
		"toUpperCase": stringUnary(func(s string) engine.Item { return engine.String(strings.ToUpper(s)) }),
		"toLowerCase": stringUnary(func(s string) engine.Item { return engine.String(strings.ToLower(s)) }),
		"length":      stringUnary(func(s string) engine.Item { return engine.Integer(int64(utf8.RuneCountInString(s))) }),
	})
}
