package xqsp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/fentz26/xqserver/internal/auth"
	"github.com/fentz26/xqserver/internal/engine"
)

// ScriptError is raised by xqsp:error. The page answers with its code and
// message.
type ScriptError struct {
	Code int
	Msg  string
}

func (e *ScriptError) Error() string { return fmt.Sprintf("%d %s", e.Code, e.Msg) }

// call is the request a script evaluation is bound to.
type call struct {
	w        http.ResponseWriter
	r        *http.Request
	sessions *SessionStore

	mu      sync.Mutex
	params  url.Values
	forward string
	session *Session
}

type callKey struct{}

func withCall(ctx context.Context, c *call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

func callFrom(ctx context.Context) (*call, error) {
	c, ok := ctx.Value(callKey{}).(*call)
	if !ok {
		return nil, engine.Errorf(engine.CodeDynamic, "no HTTP request bound to this evaluation")
	}
	return c, nil
}

// pageSession returns the session of the caller. With create, a missing
// session is started and its cookie set on the response.
func (c *call) pageSession(create bool) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session
	}
	if cookie, err := c.r.Cookie(SessionCookie); err == nil {
		c.session = c.sessions.Get(cookie.Value)
	}
	if c.session == nil && create {
		c.session = c.sessions.Create()
		http.SetCookie(c.w, &http.Cookie{Name: SessionCookie, Value: c.session.ID, Path: "/", HttpOnly: true})
	}
	return c.session
}

type apiFunc func(c *call, args [][]engine.Item) ([]engine.Item, error)

// apiFunctions are bound in the xqsp namespace of every script.
var apiFunctions = map[string]engine.HostFunction{
	"header":          bind(1, 1, apiHeader),
	"header-names":    bind(0, 0, apiHeaderNames),
	"set-header":      bind(2, 2, apiSetHeader),
	"parameter":       bind(1, 1, apiParameter),
	"parameter-names": bind(0, 0, apiParameterNames),
	"set-parameter":   bind(2, 2, apiSetParameter),
	"session-get":     bind(1, 1, apiSessionGet),
	"session-set":     bind(2, 2, apiSessionSet),
	"session-close":   bind(0, 0, apiSessionClose),
	"error":           bind(2, 2, apiError),
	"forward":         bind(1, 1, apiForward),
	"user-name":       bind(0, 0, apiUserName),
}

func bind(lo, hi int, fn apiFunc) engine.HostFunction {
	return func(ctx context.Context, args [][]engine.Item) ([]engine.Item, error) {
		if len(args) < lo || len(args) > hi {
			return nil, engine.Errorf(engine.CodeDynamic, "wrong number of arguments: %d", len(args))
		}
		c, err := callFrom(ctx)
		if err != nil {
			return nil, err
		}
		return fn(c, args)
	}
}

func arg(args [][]engine.Item, i int) string {
	if i >= len(args) || len(args[i]) == 0 {
		return ""
	}
	return args[i][0].String()
}

func optional(s string, ok bool) []engine.Item {
	if !ok {
		return nil
	}
	return []engine.Item{engine.String(s)}
}

func stringItems(values []string) []engine.Item {
	out := make([]engine.Item, len(values))
	for i, v := range values {
		out[i] = engine.String(v)
	}
	return out
}

func apiHeader(c *call, args [][]engine.Item) ([]engine.Item, error) {
	name := arg(args, 0)
	values, ok := c.r.Header[http.CanonicalHeaderKey(name)]
	if !ok || len(values) == 0 {
		return nil, nil
	}
	return []engine.Item{engine.String(values[0])}, nil
}

func apiHeaderNames(c *call, _ [][]engine.Item) ([]engine.Item, error) {
	names := make([]string, 0, len(c.r.Header))
	for k := range c.r.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	return stringItems(names), nil
}

func apiSetHeader(c *call, args [][]engine.Item) ([]engine.Item, error) {
	c.w.Header().Set(arg(args, 0), arg(args, 1))
	return nil, nil
}

func apiParameter(c *call, args [][]engine.Item) ([]engine.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	values, ok := c.params[arg(args, 0)]
	if !ok || len(values) == 0 {
		return nil, nil
	}
	return []engine.Item{engine.String(values[0])}, nil
}

func apiParameterNames(c *call, _ [][]engine.Item) ([]engine.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.params))
	for k := range c.params {
		names = append(names, k)
	}
	sort.Strings(names)
	return stringItems(names), nil
}

func apiSetParameter(c *call, args [][]engine.Item) ([]engine.Item, error) {
	c.mu.Lock()
	c.params.Set(arg(args, 0), arg(args, 1))
	c.mu.Unlock()
	return nil, nil
}

func apiSessionGet(c *call, args [][]engine.Item) ([]engine.Item, error) {
	s := c.pageSession(false)
	if s == nil {
		return nil, nil
	}
	return optional(s.Get(arg(args, 0))), nil
}

func apiSessionSet(c *call, args [][]engine.Item) ([]engine.Item, error) {
	c.pageSession(true).Set(arg(args, 0), arg(args, 1))
	return nil, nil
}

func apiSessionClose(c *call, _ [][]engine.Item) ([]engine.Item, error) {
	s := c.pageSession(false)
	if s == nil {
		return nil, nil
	}
	c.sessions.Delete(s.ID)
	http.SetCookie(c.w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	return nil, nil
}

func apiError(_ *call, args [][]engine.Item) ([]engine.Item, error) {
	code, err := strconv.Atoi(arg(args, 0))
	if err != nil || code < 400 || code > 599 {
		code = http.StatusInternalServerError
	}
	return nil, &ScriptError{Code: code, Msg: arg(args, 1)}
}

func apiForward(c *call, args [][]engine.Item) ([]engine.Item, error) {
	c.mu.Lock()
	c.forward = arg(args, 0)
	c.mu.Unlock()
	return nil, nil
}

func apiUserName(c *call, _ [][]engine.Item) ([]engine.Item, error) {
	if p := auth.FromContext(c.r.Context()); p != nil {
		return []engine.Item{engine.String(p.Name())}, nil
	}
	return nil, nil
}
