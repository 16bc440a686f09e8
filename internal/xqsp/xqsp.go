// Package xqsp runs stored query pages: XQuery scripts kept under the
// services directory and invoked through /xqsp/<path> like web pages.
package xqsp

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/fentz26/xqserver/internal/auth"
	"github.com/fentz26/xqserver/internal/broker"
	"github.com/fentz26/xqserver/internal/engine"
	"github.com/fentz26/xqserver/internal/serial"
)

// Namespaces bound to the "param" and "xqsp" prefixes of every script.
const (
	ParamNamespace = "com.qizx.server.xqs.parameter"
	APINamespace   = "java:com.qizx.server.xqsp.XQSPServlet"
)

// ScriptExtensions lists the file extensions reported by List.
var ScriptExtensions = []string{".xq", ".xqsp", ".xquery"}

// Services is what the runtime needs from the broker.
type Services interface {
	broker.Sessions
	ServicesRoot() string
	ServicesLibrary() string
}

// Runtime serves stored queries.
type Runtime struct {
	services Services
	cache    *Cache
	sessions *SessionStore
	logger   *slog.Logger
}

// New creates a runtime with an empty script cache.
func New(services Services, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		services: services,
		cache:    NewCache(),
		sessions: NewSessionStore(DefaultSessionTTL),
		logger:   logger,
	}
}

// Cache returns the script cache.
func (rt *Runtime) Cache() *Cache { return rt.cache }

// Sessions returns the page session store.
func (rt *Runtime) Sessions() *SessionStore { return rt.sessions }

// resolve maps a request path to a script file.
func (rt *Runtime) resolve(scriptPath string) (string, string, error) {
	clean := path.Clean("/" + scriptPath)
	root := rt.services.ServicesRoot()
	if root == "" {
		return "", clean, broker.Errorf(broker.KindBadRequest, "unknown request %s", clean)
	}
	file := filepath.Join(root, filepath.FromSlash(clean))
	info, err := os.Stat(file)
	if err != nil || info.IsDir() {
		return "", clean, broker.Errorf(broker.KindBadRequest, "unknown request %s", clean)
	}
	return file, clean, nil
}

// Serve runs the script at scriptPath (relative to the services root) and
// streams its result. Errors returned before anything was written are
// meant to be reported by the caller; errors raised by the script through
// xqsp:error are answered here.
func (rt *Runtime) Serve(w http.ResponseWriter, r *http.Request, scriptPath string) error {
	ctx := r.Context()
	file, clean, err := rt.resolve(scriptPath)
	if err != nil {
		return err
	}
	src, err := rt.cache.Load(file)
	if err != nil {
		return broker.WrapKind(broker.KindServer, err)
	}

	if r.Form == nil {
		if err := r.ParseForm(); err != nil {
			return broker.Errorf(broker.KindBadRequest, "cannot parse parameters: %v", err)
		}
	}
	c := &call{
		w:        w,
		r:        r,
		params:   cloneValues(r.Form),
		sessions: rt.sessions,
	}

	lib, err := rt.services.Acquire(ctx, rt.services.ServicesLibrary(), auth.User(ctx))
	if err != nil {
		return err
	}
	defer rt.services.Release(ctx, lib)

	lib.DeclarePrefix("param", ParamNamespace)
	lib.DeclarePrefix("xqsp", APINamespace)
	for name, fn := range apiFunctions {
		lib.BindFunction(engine.QName{Space: APINamespace, Local: name}, fn)
	}
	lib.SetBaseURI(engine.FileSystemID(file))

	expr, err := lib.Compile(ctx, src)
	if err != nil {
		return broker.Classify(err)
	}

	for _, v := range expr.Variables() {
		if v.Name.Space != ParamNamespace {
			continue
		}
		if values, ok := c.params[v.Name.Local]; ok && len(values) > 0 {
			if err := expr.BindVariable(v.Name, values[0], v.Type); err != nil {
				return broker.Classify(err)
			}
		}
	}

	opts, mime := rt.outputOptions(expr.Options(), clean)

	seq, err := expr.Evaluate(withCall(ctx, c))
	if err != nil {
		var se *ScriptError
		if errors.As(err, &se) {
			http.Error(w, se.Msg, se.Code)
			return nil
		}
		return broker.Classify(err)
	}
	if c.forward != "" {
		http.Redirect(w, r, c.forward, http.StatusSeeOther)
		return nil
	}

	s, err := serial.New(w, opts)
	if err != nil {
		return broker.WrapKind(broker.KindBadRequest, err)
	}
	if charset, err := opts.Charset(); err == nil && !strings.Contains(mime, "charset=") {
		mime += "; charset=" + charset
	}
	w.Header().Set("Content-Type", mime)
	for seq.Next() {
		it := seq.Current()
		if it.IsNode() {
			s.PutNode(it.Node())
		} else {
			s.PutRawText(it.String() + "\n")
		}
	}
	if err := s.Flush(); err != nil {
		rt.logger.Warn("xqsp.write_failed", "script", clean, "error", err)
	}
	return nil
}

// outputOptions reads the output declarations of a script prolog.
func (rt *Runtime) outputOptions(options []engine.Option, script string) (serial.Options, string) {
	var opts serial.Options
	mime := ""
	method := serial.MethodXML
	for _, o := range options {
		if o.Name.Space != engine.OutputNamespace {
			continue
		}
		name := strings.ToLower(o.Name.Local)
		if name == "content-type" {
			mime = o.Value
			continue
		}
		if name == "method" {
			method = strings.ToLower(strings.TrimSpace(o.Value))
		}
		if err := opts.Set(name, o.Value); err != nil {
			rt.logger.Warn("xqsp.output_option", "script", script, "option", name, "error", err)
		}
	}
	if mime == "" {
		mime = MimeFor(method)
	}
	return opts, mime
}

// MimeFor returns the default content type of an output method.
func MimeFor(method string) string {
	switch strings.ToLower(method) {
	case "":
		return "text/xml"
	case serial.MethodText:
		return "text/plain"
	}
	return "text/" + strings.ToLower(method)
}

// List returns the script paths under the services root, slash separated
// and relative to the root.
func (rt *Runtime) List(ctx context.Context) ([]string, error) {
	root := rt.services.ServicesRoot()
	if root == "" {
		return nil, nil
	}
	var scripts []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		for _, ext := range ScriptExtensions {
			if strings.HasSuffix(p, ext) {
				rel, err := filepath.Rel(root, p)
				if err != nil {
					return err
				}
				scripts = append(scripts, filepath.ToSlash(rel))
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list stored queries")
	}
	sort.Strings(scripts)
	return scripts, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
