package xlib

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/fentz26/xqserver/internal/engine"
)

// XlibNamespace holds the engine's extension functions (sleep, fulltext).
const XlibNamespace = "urn:xqserver:xlib"

type tokKind int

const (
	tEOF tokKind = iota
	tInt
	tDec
	tStr
	tName
	tVar
	tPunct
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tEOF {
		return "end of query"
	}
	return strconv.Quote(t.text)
}

func isNameStart(r rune) bool { return unicode.IsLetter(r) || r == '_' }
func isNameChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.'
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(' && i+1 < len(rs) && rs[i+1] == ':':
			depth := 0
			j := i
			for j < len(rs) {
				if rs[j] == '(' && j+1 < len(rs) && rs[j+1] == ':' {
					depth++
					j += 2
					continue
				}
				if rs[j] == ':' && j+1 < len(rs) && rs[j+1] == ')' {
					depth--
					j += 2
					if depth == 0 {
						break
					}
					continue
				}
				j++
			}
			if depth != 0 {
				return nil, fmt.Errorf("unterminated comment at %d", i)
			}
			i = j
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			start := i
			kind := tInt
			for i < len(rs) && unicode.IsDigit(rs[i]) {
				i++
			}
			if i < len(rs) && rs[i] == '.' {
				kind = tDec
				i++
				for i < len(rs) && unicode.IsDigit(rs[i]) {
					i++
				}
			}
			if i < len(rs) && (rs[i] == 'e' || rs[i] == 'E') {
				kind = tDec
				i++
				if i < len(rs) && (rs[i] == '+' || rs[i] == '-') {
					i++
				}
				for i < len(rs) && unicode.IsDigit(rs[i]) {
					i++
				}
			}
			toks = append(toks, token{kind: kind, text: string(rs[start:i]), pos: start})
		case r == '"' || r == '\'':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(rs) {
				if rs[i] == r {
					if i+1 < len(rs) && rs[i+1] == r {
						b.WriteRune(r)
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				b.WriteRune(rs[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string literal at %d", start)
			}
			toks = append(toks, token{kind: tStr, text: b.String(), pos: start})
		case r == '$':
			start := i
			i++
			name, n := lexQName(rs[i:])
			if n == 0 {
				return nil, fmt.Errorf("expected variable name at %d", start)
			}
			i += n
			toks = append(toks, token{kind: tVar, text: name, pos: start})
		case isNameStart(r):
			start := i
			name, n := lexQName(rs[i:])
			i += n
			toks = append(toks, token{kind: tName, text: name, pos: start})
		default:
			start := i
			two := ""
			if i+1 < len(rs) {
				two = string(rs[i : i+2])
			}
			switch two {
			case ":=", "!=", "<=", ">=":
				toks = append(toks, token{kind: tPunct, text: two, pos: start})
				i += 2
				continue
			}
			if strings.ContainsRune("(),;+-*=<>?", r) {
				toks = append(toks, token{kind: tPunct, text: string(r), pos: start})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at %d", r, start)
		}
	}
	toks = append(toks, token{kind: tEOF, pos: len(rs)})
	return toks, nil
}

// lexQName reads NCName(:NCName)? and returns it with the rune count used.
func lexQName(rs []rune) (string, int) {
	if len(rs) == 0 || !isNameStart(rs[0]) {
		return "", 0
	}
	i := 1
	for i < len(rs) && isNameChar(rs[i]) {
		i++
	}
	if i+1 < len(rs) && rs[i] == ':' && isNameStart(rs[i+1]) {
		i += 2
		for i < len(rs) && isNameChar(rs[i]) {
			i++
		}
	}
	return string(rs[:i]), i
}

// varDecl is a prolog variable declaration.
type varDecl struct {
	name     engine.QName
	typ      engine.ItemType
	external bool
	init     expr
}

// query is a parsed main module.
type query struct {
	vars    []varDecl
	options []engine.Option
	body    expr
}

// moduleImport is an "import module" clause still to be resolved.
type moduleImport struct {
	prefix    string
	namespace string
	hints     []string
}

type parser struct {
	toks    []token
	i       int
	ns      map[string]string
	imports []moduleImport
	// resolveCall checks a function name at compile time.
	resolveCall func(name engine.QName, arity int) error
}

func defaultPrefixes() map[string]string {
	return map[string]string{
		"xs":     engine.XSNamespace,
		"fn":     engine.FnNamespace,
		"local":  engine.LocalNamespace,
		"output": engine.OutputNamespace,
		"xlib":   XlibNamespace,
	}
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) peekAt(n int) token {
	if p.i+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.i+n]
}

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tEOF {
		p.i++
	}
	return t
}

func (p *parser) isPunct(text string) bool {
	t := p.peek()
	return t.kind == tPunct && t.text == text
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tName && t.text == word
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("at %d: %s", p.peek().pos, fmt.Sprintf(format, args...))
}

func (p *parser) expectPunct(text string) error {
	if !p.isPunct(text) {
		return p.errorf("expected %q, found %s", text, p.peek())
	}
	p.next()
	return nil
}

func (p *parser) expectKeyword(word string) error {
	if !p.isKeyword(word) {
		return p.errorf("expected %q, found %s", word, p.peek())
	}
	p.next()
	return nil
}

func (p *parser) expectString() (string, error) {
	t := p.peek()
	if t.kind != tStr {
		return "", p.errorf("expected string literal, found %s", t)
	}
	p.next()
	return t.text, nil
}

func (p *parser) expectNCName() (string, error) {
	t := p.peek()
	if t.kind != tName || strings.Contains(t.text, ":") {
		return "", p.errorf("expected name, found %s", t)
	}
	p.next()
	return t.text, nil
}

// resolve expands a lexical QName. defaultNS applies to unprefixed names.
func (p *parser) resolve(lexical, defaultNS string) (engine.QName, error) {
	prefix, local, ok := strings.Cut(lexical, ":")
	if !ok {
		return engine.QName{Space: defaultNS, Local: lexical}, nil
	}
	uri, found := p.ns[prefix]
	if !found {
		return engine.QName{}, fmt.Errorf("undeclared namespace prefix %q", prefix)
	}
	return engine.QName{Space: uri, Local: local}, nil
}

// parseProlog consumes version, namespace, option, variable and import
// declarations.
func (p *parser) parseProlog() ([]varDecl, []engine.Option, error) {
	var vars []varDecl
	var options []engine.Option

	if p.isKeyword("xquery") && p.peekAt(1).kind == tName && p.peekAt(1).text == "version" {
		p.next()
		p.next()
		if _, err := p.expectString(); err != nil {
			return nil, nil, err
		}
		if p.isKeyword("encoding") {
			p.next()
			if _, err := p.expectString(); err != nil {
				return nil, nil, err
			}
		}
		if err := p.expectPunct(";"); err != nil {
			return nil, nil, err
		}
	}

	for {
		switch {
		case p.isKeyword("declare") && p.peekAt(1).kind == tName:
			p.next()
			switch kw := p.next().text; kw {
			case "namespace":
				prefix, err := p.expectNCName()
				if err != nil {
					return nil, nil, err
				}
				if err := p.expectPunct("="); err != nil {
					return nil, nil, err
				}
				uri, err := p.expectString()
				if err != nil {
					return nil, nil, err
				}
				p.ns[prefix] = uri
			case "option":
				t := p.next()
				if t.kind != tName {
					return nil, nil, p.errorf("expected option name")
				}
				name, err := p.resolve(t.text, "")
				if err != nil {
					return nil, nil, err
				}
				value, err := p.expectString()
				if err != nil {
					return nil, nil, err
				}
				options = append(options, engine.Option{Name: name, Value: value})
			case "variable":
				decl, err := p.parseVarDecl()
				if err != nil {
					return nil, nil, err
				}
				vars = append(vars, decl)
			default:
				return nil, nil, p.errorf("unsupported declaration %q", kw)
			}
		case p.isKeyword("import") && p.peekAt(1).kind == tName && p.peekAt(1).text == "module":
			p.next()
			p.next()
			if err := p.expectKeyword("namespace"); err != nil {
				return nil, nil, err
			}
			prefix, err := p.expectNCName()
			if err != nil {
				return nil, nil, err
			}
			if err := p.expectPunct("="); err != nil {
				return nil, nil, err
			}
			uri, err := p.expectString()
			if err != nil {
				return nil, nil, err
			}
			imp := moduleImport{prefix: prefix, namespace: uri}
			if p.isKeyword("at") {
				p.next()
				for {
					hint, err := p.expectString()
					if err != nil {
						return nil, nil, err
					}
					imp.hints = append(imp.hints, hint)
					if !p.isPunct(",") {
						break
					}
					p.next()
				}
			}
			p.ns[prefix] = uri
			p.imports = append(p.imports, imp)
		default:
			return vars, options, nil
		}
		if err := p.expectPunct(";"); err != nil {
			return nil, nil, err
		}
	}
}

func (p *parser) parseVarDecl() (varDecl, error) {
	t := p.next()
	if t.kind != tVar {
		return varDecl{}, p.errorf("expected variable name")
	}
	name, err := p.resolve(t.text, "")
	if err != nil {
		return varDecl{}, err
	}
	decl := varDecl{name: name, typ: engine.TypeItem}
	if p.isKeyword("as") {
		p.next()
		typ, err := p.parseSequenceType()
		if err != nil {
			return varDecl{}, err
		}
		decl.typ = typ
	}
	switch {
	case p.isKeyword("external"):
		p.next()
		decl.external = true
		if p.isPunct(":=") {
			p.next()
			init, err := p.parseSingle()
			if err != nil {
				return varDecl{}, err
			}
			decl.init = init
		}
	case p.isPunct(":="):
		p.next()
		init, err := p.parseSingle()
		if err != nil {
			return varDecl{}, err
		}
		decl.init = init
	default:
		return varDecl{}, p.errorf("expected \"external\" or \":=\"")
	}
	return decl, nil
}

func (p *parser) parseSequenceType() (engine.ItemType, error) {
	t := p.next()
	if t.kind != tName {
		return "", p.errorf("expected type name")
	}
	typ := engine.TypeItem
	if p.isPunct("(") {
		p.next()
		if err := p.expectPunct(")"); err != nil {
			return "", err
		}
		switch t.text {
		case "document-node":
			typ = engine.TypeDocument
		case "element":
			typ = engine.TypeElement
		}
	} else {
		name, err := p.resolve(t.text, engine.XSNamespace)
		if err != nil {
			return "", err
		}
		if name.Space != engine.XSNamespace {
			return "", fmt.Errorf("unknown type %s", t.text)
		}
		typ = engine.ItemType("xs:" + name.Local)
	}
	if p.isPunct("?") || p.isPunct("*") || p.isPunct("+") {
		p.next()
	}
	return typ, nil
}

// parseQuery parses a main module.
func (p *parser) parseQuery() (*query, error) {
	vars, options, err := p.parseProlog()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tEOF {
		return nil, p.errorf("empty query body")
	}
	body, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tEOF {
		return nil, p.errorf("unexpected %s", p.peek())
	}
	return &query{vars: vars, options: options, body: body}, nil
}

// parseLibraryModule parses "module namespace p = uri;" followed by a prolog.
func (p *parser) parseLibraryModule(namespace string) ([]varDecl, error) {
	if err := p.expectKeyword("module"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("namespace"); err != nil {
		return nil, err
	}
	prefix, err := p.expectNCName()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("="); err != nil {
		return nil, err
	}
	uri, err := p.expectString()
	if err != nil {
		return nil, err
	}
	if uri != namespace {
		return nil, fmt.Errorf("module namespace %q does not match import %q", uri, namespace)
	}
	if err := p.expectPunct(";"); err != nil {
		return nil, err
	}
	p.ns[prefix] = uri
	vars, _, err := p.parseProlog()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tEOF {
		return nil, p.errorf("unexpected %s in library module", p.peek())
	}
	for _, v := range vars {
		if v.external {
			return nil, fmt.Errorf("external variable %s in library module", v.name)
		}
	}
	return vars, nil
}

func (p *parser) parseExpr() (expr, error) {
	first, err := p.parseSingle()
	if err != nil {
		return nil, err
	}
	if !p.isPunct(",") {
		return first, nil
	}
	items := []expr{first}
	for p.isPunct(",") {
		p.next()
		e, err := p.parseSingle()
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return &seqExpr{items: items}, nil
}

var comparisonOps = map[string]bool{"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *parser) parseSingle() (expr, error) {
	left, err := p.parseRange()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tPunct && comparisonOps[t.text] {
		p.next()
		right, err := p.parseRange()
		if err != nil {
			return nil, err
		}
		return &compareExpr{op: t.text, l: left, r: right}, nil
	}
	return left, nil
}

func (p *parser) parseRange() (expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if p.isKeyword("to") {
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &rangeExpr{from: left, to: right}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.isPunct("+") || p.isPunct("-") {
		op := p.next().text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &arithExpr{op: op, l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isPunct("*") || p.isKeyword("div") || p.isKeyword("idiv") || p.isKeyword("mod") {
		op := p.next().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &arithExpr{op: op, l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (expr, error) {
	negate := false
	for p.isPunct("-") || p.isPunct("+") {
		if p.next().text == "-" {
			negate = !negate
		}
	}
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if negate {
		return &negateExpr{e: e}, nil
	}
	return e, nil
}

func (p *parser) parsePrimary() (expr, error) {
	t := p.peek()
	switch t.kind {
	case tInt:
		p.next()
		if _, err := strconv.ParseInt(t.text, 10, 64); err != nil {
			return nil, fmt.Errorf("integer literal out of range: %s", t.text)
		}
		return &literal{item: engine.Atomic{T: engine.TypeInteger, V: t.text}}, nil
	case tDec:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad numeric literal %s", t.text)
		}
		if strings.ContainsAny(t.text, "eE") {
			return &literal{item: engine.Atomic{T: engine.TypeDouble, V: formatDouble(f)}}, nil
		}
		return &literal{item: engine.Decimal(f)}, nil
	case tStr:
		p.next()
		return &literal{item: engine.String(t.text)}, nil
	case tVar:
		p.next()
		name, err := p.resolve(t.text, "")
		if err != nil {
			return nil, err
		}
		return &varRef{name: name}, nil
	case tPunct:
		if t.text == "(" {
			p.next()
			if p.isPunct(")") {
				p.next()
				return &seqExpr{}, nil
			}
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return e, nil
		}
	case tName:
		if p.peekAt(1).kind == tPunct && p.peekAt(1).text == "(" {
			return p.parseCall()
		}
	}
	return nil, p.errorf("unexpected %s", t)
}

func (p *parser) parseCall() (expr, error) {
	t := p.next()
	name, err := p.resolve(t.text, engine.FnNamespace)
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var args []expr
	if !p.isPunct(")") {
		for {
			arg, err := p.parseSingle()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if !p.isPunct(",") {
				break
			}
			p.next()
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	if p.resolveCall != nil {
		if err := p.resolveCall(name, len(args)); err != nil {
			return nil, err
		}
	}
	return &callExpr{name: name, args: args}, nil
}
