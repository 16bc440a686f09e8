package xlib

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/xqserver/internal/engine"
)

type builtinFunc func(ctx context.Context, l *Library, args [][]engine.Item) ([]engine.Item, error)

type builtin struct {
	min, max int // max < 0: variadic
	fn       builtinFunc
}

var (
	fnBuiltins   map[string]builtin
	xlibBuiltins map[string]builtin
)

func init() {
	fnBuiltins = map[string]builtin{
		"count":         {1, 1, fnCount},
		"sum":           {1, 1, fnSum},
		"concat":        {2, -1, fnConcat},
		"string":        {1, 1, fnString},
		"string-join":   {2, 2, fnStringJoin},
		"string-length": {1, 1, fnStringLength},
		"upper-case":    {1, 1, stringMap(strings.ToUpper)},
		"lower-case":    {1, 1, stringMap(strings.ToLower)},
		"true":          {0, 0, constant(engine.Boolean(true))},
		"false":         {0, 0, constant(engine.Boolean(false))},
		"empty":         {1, 1, fnEmpty},
		"exists":        {1, 1, fnExists},
		"not":           {1, 1, fnNot},
		"data":          {1, 1, fnData},
		"doc":           {1, 1, fnDoc},
		"collection":    {0, 1, fnCollection},
		"parse-xml":     {1, 1, fnParseXML},
	}
	xlibBuiltins = map[string]builtin{
		"sleep":    {1, 1, xlibSleep},
		"fulltext": {1, 1, xlibFullText},
	}
}

func (b builtin) accepts(arity int) bool {
	return arity >= b.min && (b.max < 0 || arity <= b.max)
}

// lookupFunction resolves a function call against bound host functions,
// the built-in namespaces and the enabled host classes.
func (l *Library) lookupFunction(name engine.QName, arity int) (engine.HostFunction, error) {
	l.mu.Lock()
	fn, bound := l.funcs[name]
	l.mu.Unlock()
	if bound {
		return fn, nil
	}

	var table map[string]builtin
	switch {
	case name.Space == engine.FnNamespace:
		table = fnBuiltins
	case name.Space == XlibNamespace:
		table = xlibBuiltins
	case strings.HasPrefix(name.Space, engine.HostNamespacePrefix):
		class := strings.TrimPrefix(name.Space, engine.HostNamespacePrefix)
		l.mu.Lock()
		enabled := l.hosts[class]
		l.mu.Unlock()
		if !enabled {
			return nil, engine.Errorf(engine.CodeCompile, "host class %s is not allowed", class)
		}
		fn, ok := hostFunction(class, name.Local)
		if !ok {
			return nil, engine.Errorf(engine.CodeCompile, "unknown function %s#%d", name, arity)
		}
		return fn, nil
	}
	b, ok := table[name.Local]
	if !ok {
		return nil, engine.Errorf(engine.CodeCompile, "unknown function %s#%d", name, arity)
	}
	if !b.accepts(arity) {
		return nil, engine.Errorf(engine.CodeCompile, "wrong number of arguments for %s: %d", name, arity)
	}
	return func(ctx context.Context, args [][]engine.Item) ([]engine.Item, error) {
		return b.fn(ctx, l, args)
	}, nil
}

func constant(item engine.Item) builtinFunc {
	return func(context.Context, *Library, [][]engine.Item) ([]engine.Item, error) {
		return []engine.Item{item}, nil
	}
}

func fnCount(_ context.Context, _ *Library, args [][]engine.Item) ([]engine.Item, error) {
	return []engine.Item{engine.Integer(int64(len(args[0])))}, nil
}

func fnSum(_ context.Context, _ *Library, args [][]engine.Item) ([]engine.Item, error) {
	acc := number{isInt: true}
	for _, it := range args[0] {
		n, err := toNumber(atomize(it))
		if err != nil {
			return nil, err
		}
		res, err := arith("+", acc, n)
		if err != nil {
			return nil, err
		}
		if acc, err = toNumber(res); err != nil {
			return nil, err
		}
	}
	return []engine.Item{acc.item()}, nil
}

func joinStrings(items []engine.Item, sep string) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = atomize(it).String()
	}
	return strings.Join(parts, sep)
}

func fnConcat(_ context.Context, _ *Library, args [][]engine.Item) ([]engine.Item, error) {
	var b strings.Builder
	for _, a := range args {
		if len(a) > 1 {
			return nil, dynamicError("concat argument is a sequence of %d items", len(a))
		}
		b.WriteString(joinStrings(a, ""))
	}
	return []engine.Item{engine.String(b.String())}, nil
}

func fnString(_ context.Context, _ *Library, args [][]engine.Item) ([]engine.Item, error) {
	if len(args[0]) > 1 {
		return nil, dynamicError("string() of a sequence of %d items", len(args[0]))
	}
	return []engine.Item{engine.String(joinStrings(args[0], ""))}, nil
}

func fnStringJoin(_ context.Context, _ *Library, args [][]engine.Item) ([]engine.Item, error) {
	return []engine.Item{engine.String(joinStrings(args[0], joinStrings(args[1], "")))}, nil
}

func fnStringLength(_ context.Context, _ *Library, args [][]engine.Item) ([]engine.Item, error) {
	return []engine.Item{engine.Integer(int64(len([]rune(joinStrings(args[0], "")))))}, nil
}

func stringMap(f func(string) string) builtinFunc {
	return func(_ context.Context, _ *Library, args [][]engine.Item) ([]engine.Item, error) {
		return []engine.Item{engine.String(f(joinStrings(args[0], "")))}, nil
	}
}

func fnEmpty(_ context.Context, _ *Library, args [][]engine.Item) ([]engine.Item, error) {
	return []engine.Item{engine.Boolean(len(args[0]) == 0)}, nil
}

func fnExists(_ context.Context, _ *Library, args [][]engine.Item) ([]engine.Item, error) {
	return []engine.Item{engine.Boolean(len(args[0]) > 0)}, nil
}

func fnNot(_ context.Context, _ *Library, args [][]engine.Item) ([]engine.Item, error) {
	b, err := effectiveBoolean(args[0])
	if err != nil {
		return nil, err
	}
	return []engine.Item{engine.Boolean(!b)}, nil
}

func fnData(_ context.Context, _ *Library, args [][]engine.Item) ([]engine.Item, error) {
	out := make([]engine.Item, len(args[0]))
	for i, it := range args[0] {
		out[i] = atomize(it)
	}
	return out, nil
}

func fnDoc(ctx context.Context, l *Library, args [][]engine.Item) ([]engine.Item, error) {
	if len(args[0]) == 0 {
		return nil, nil
	}
	path := atomize(args[0][0]).String()
	xml, ok, err := l.document(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dynamicError("document %s not found in library %s", path, l.name)
	}
	n, err := parseNode(xml)
	if err != nil {
		return nil, dynamicError("document %s: %v", path, err)
	}
	return []engine.Item{n}, nil
}

func fnCollection(ctx context.Context, l *Library, args [][]engine.Item) ([]engine.Item, error) {
	prefix := "/"
	if len(args) == 1 && len(args[0]) > 0 {
		prefix = atomize(args[0][0]).String()
	}
	docs, err := l.collection(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return docNodes(docs)
}

func docNodes(docs []storedDoc) ([]engine.Item, error) {
	out := make([]engine.Item, 0, len(docs))
	for _, d := range docs {
		n, err := parseNode(d.xml)
		if err != nil {
			return nil, dynamicError("document %s: %v", d.path, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func sortDocs(docs []storedDoc) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].path < docs[j].path })
}

func fnParseXML(_ context.Context, _ *Library, args [][]engine.Item) ([]engine.Item, error) {
	if len(args[0]) == 0 {
		return nil, nil
	}
	n, err := parseNode(atomize(args[0][0]).String())
	if err != nil {
		return nil, dynamicError("parse-xml: %v", err)
	}
	return []engine.Item{n}, nil
}

// xlibSleep pauses for the given number of milliseconds.
func xlibSleep(ctx context.Context, _ *Library, args [][]engine.Item) ([]engine.Item, error) {
	if len(args[0]) == 0 {
		return nil, nil
	}
	n, err := toNumber(atomize(args[0][0]))
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(time.Duration(n.float() * float64(time.Millisecond)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

// xlibFullText returns the documents whose full-text index holds every
// token of the argument.
func xlibFullText(ctx context.Context, l *Library, args [][]engine.Item) ([]engine.Item, error) {
	ft := l.g.fullText()
	if ft == nil {
		return nil, dynamicError("full-text search is not available")
	}
	tokens := ft.Tokenize(joinStrings(args[0], " "))
	if len(tokens) == 0 {
		return nil, nil
	}
	var hits map[string]bool
	for _, tok := range tokens {
		paths, err := l.store.search(ctx, tok)
		if err != nil {
			return nil, err
		}
		next := make(map[string]bool, len(paths))
		for _, p := range paths {
			if hits == nil || hits[p] {
				next[p] = true
			}
		}
		hits = next
	}
	var docs []storedDoc
	for p := range hits {
		xml, ok, err := l.document(ctx, p)
		if err != nil {
			if engine.HasCode(err, engine.CodeAccessDenied) {
				continue
			}
			return nil, err
		}
		if ok {
			docs = append(docs, storedDoc{path: p, xml: xml})
		}
	}
	sortDocs(docs)
	return docNodes(docs)
}
