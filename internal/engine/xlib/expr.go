package xlib

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fentz26/xqserver/internal/engine"
)

// Expression is a compiled query bound to a session.
type Expression struct {
	lib     *Library
	q       *query
	modVars []varDecl

	mu      sync.Mutex
	bound   map[engine.QName][]engine.Item
	timeout time.Duration
}

func compile(_ context.Context, l *Library, src string) (*Expression, error) {
	ns := defaultPrefixes()
	l.mu.Lock()
	for p, uri := range l.prefixes {
		ns[p] = uri
	}
	baseURI := l.baseURI
	l.mu.Unlock()

	check := func(name engine.QName, arity int) error {
		_, err := l.lookupFunction(name, arity)
		return err
	}

	toks, err := lex(src)
	if err != nil {
		return nil, engine.Wrap(engine.CodeCompile, err, "syntax error")
	}
	p := &parser{toks: toks, ns: ns, resolveCall: check}
	q, err := p.parseQuery()
	if err != nil {
		return nil, engine.Wrap(engine.CodeCompile, err, "syntax error")
	}

	var modVars []varDecl
	for _, imp := range p.imports {
		vars, err := loadModule(l, imp, baseURI, check)
		if err != nil {
			return nil, err
		}
		modVars = append(modVars, vars...)
	}
	return &Expression{lib: l, q: q, modVars: modVars, bound: make(map[engine.QName][]engine.Item)}, nil
}

func loadModule(l *Library, imp moduleImport, baseURI string, check func(engine.QName, int) error) ([]varDecl, error) {
	var resolver engine.ModuleResolver
	if r := l.g.moduleResolver(); r != nil {
		resolver = r
	} else if baseURI != "" {
		base, err := engine.PathFromSystemID(baseURI)
		if err == nil {
			resolver = engine.DirModuleResolver{Root: filepath.Dir(base)}
		}
	}
	if resolver == nil {
		return nil, engine.Errorf(engine.CodeCompile, "no module resolver for %q", imp.namespace)
	}
	src, _, err := resolver.ResolveModule(imp.namespace, imp.hints)
	if err != nil {
		return nil, engine.Wrap(engine.CodeCompile, err, "import module "+imp.namespace)
	}
	toks, err := lex(src)
	if err != nil {
		return nil, engine.Wrap(engine.CodeCompile, err, "module "+imp.namespace)
	}
	mp := &parser{toks: toks, ns: defaultPrefixes(), resolveCall: check}
	vars, err := mp.parseLibraryModule(imp.namespace)
	if err != nil {
		return nil, engine.Wrap(engine.CodeCompile, err, "module "+imp.namespace)
	}
	if len(mp.imports) > 0 {
		return nil, engine.Errorf(engine.CodeCompile, "module %s: nested imports are not supported", imp.namespace)
	}
	return vars, nil
}

func (e *Expression) Variables() []engine.VarDecl {
	out := make([]engine.VarDecl, len(e.q.vars))
	for i, v := range e.q.vars {
		out[i] = engine.VarDecl{Name: v.name, Type: v.typ, External: v.external}
	}
	return out
}

func (e *Expression) Options() []engine.Option {
	return append([]engine.Option(nil), e.q.options...)
}

// BindVariable casts value to typ and binds it to a declared variable.
func (e *Expression) BindVariable(name engine.QName, value string, typ engine.ItemType) error {
	declared := false
	for _, v := range e.q.vars {
		if v.name == name {
			declared = true
			if typ == "" {
				typ = v.typ
			}
			break
		}
	}
	if !declared {
		return dynamicError("variable $%s is not declared", name)
	}
	item, err := castString(value, typ)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.bound[name] = []engine.Item{item}
	e.mu.Unlock()
	return nil
}

func (e *Expression) SetTimeout(d time.Duration) {
	e.mu.Lock()
	e.timeout = d
	e.mu.Unlock()
}

// Evaluate runs the query. The result is materialized, so the returned
// sequence stays valid after the timeout context ends.
func (e *Expression) Evaluate(ctx context.Context) (engine.Sequence, error) {
	if err := e.lib.checkOpen(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	timeout := e.timeout
	vars := make(map[engine.QName][]engine.Item, len(e.bound))
	for k, v := range e.bound {
		vars[k] = v
	}
	e.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, errTimeLimit)
		defer cancel()
	}
	ev := &evaluator{ctx: ctx, lib: e.lib, vars: vars}

	for _, v := range e.modVars {
		items, err := v.init.eval(ev)
		if err != nil {
			return nil, err
		}
		vars[v.name] = items
	}
	for _, v := range e.q.vars {
		if _, ok := vars[v.name]; ok && v.external {
			continue
		}
		if v.init == nil {
			return nil, dynamicError("external variable $%s is not bound", v.name)
		}
		items, err := v.init.eval(ev)
		if err != nil {
			return nil, err
		}
		vars[v.name] = items
	}

	items, err := e.q.body.eval(ev)
	if err != nil {
		return nil, err
	}
	if err := ev.checkContext(); err != nil {
		return nil, err
	}
	return engine.NewSliceSequence(items), nil
}
