package xqsp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/xqserver/internal/auth"
	"github.com/fentz26/xqserver/internal/broker"
	"github.com/fentz26/xqserver/internal/config"
	"github.com/fentz26/xqserver/internal/engine/xlib"
)

const helloScript = `declare variable $param:who external := "nobody";
declare option output:method "text";
concat("hello ", $param:who)
`

func newTestRuntime(t *testing.T, scripts map[string]string) *Runtime {
	t.Helper()
	root := t.TempDir()
	services := filepath.Join(root, "services")
	for name, src := range scripts {
		p := filepath.Join(services, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(src), 0644))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.New(broker.Options{
		Root:   root,
		Opener: xlib.Opener,
		Logger: logger,
		Config: config.FromMap(root, map[string]string{
			config.LibraryGroup:    "libs",
			config.ServicesDir:     "services",
			config.ServicesLibrary: "svc",
		}, logger),
	})
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { b.Stop(ctx) })
	require.NoError(t, b.CreateLibrary(ctx, "svc"))
	return New(b, logger)
}

func serve(t *testing.T, rt *Runtime, r *http.Request, script string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	w := httptest.NewRecorder()
	err := rt.Serve(w, r, script)
	return w, err
}

func TestParameterBinding(t *testing.T) {
	rt := newTestRuntime(t, map[string]string{"hello.xq": helloScript})

	w, err := serve(t, rt, httptest.NewRequest("GET", "/xqsp/hello.xq?who=world", nil), "hello.xq")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))

	w, err = serve(t, rt, httptest.NewRequest("GET", "/xqsp/hello.xq", nil), "hello.xq")
	require.NoError(t, err)
	assert.Equal(t, "hello nobody\n", w.Body.String())
}

func TestTypedParameter(t *testing.T) {
	rt := newTestRuntime(t, map[string]string{"add.xq": `declare variable $param:n as xs:integer external;
$param:n + 1`})

	w, err := serve(t, rt, httptest.NewRequest("GET", "/xqsp/add.xq?n=41", nil), "add.xq")
	require.NoError(t, err)
	assert.Equal(t, "42\n", w.Body.String())
	assert.Equal(t, "text/xml; charset=utf-8", w.Header().Get("Content-Type"))

	_, err = serve(t, rt, httptest.NewRequest("GET", "/xqsp/add.xq?n=many", nil), "add.xq")
	require.Error(t, err)
	assert.Equal(t, broker.KindEngine, broker.Classify(err).Kind)
}

func TestOutputOptions(t *testing.T) {
	rt := newTestRuntime(t, map[string]string{
		"page.xq": `declare option output:method "html";
parse-xml("<p>hi</p>")`,
		"json.xq": `declare option output:content-type "application/json";
declare option output:method "text";
"{}"`,
	})

	w, err := serve(t, rt, httptest.NewRequest("GET", "/xqsp/page.xq", nil), "page.xq")
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "<p>hi</p>", w.Body.String())

	w, err = serve(t, rt, httptest.NewRequest("GET", "/xqsp/json.xq", nil), "json.xq")
	require.NoError(t, err)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "{}\n", w.Body.String())
}

func TestUnknownScript(t *testing.T) {
	rt := newTestRuntime(t, map[string]string{"sub/a.xq": `1`})

	for _, p := range []string{"missing.xq", "sub", "../../etc/passwd"} {
		_, err := serve(t, rt, httptest.NewRequest("GET", "/xqsp/"+p, nil), p)
		require.Error(t, err, p)
		assert.Equal(t, broker.KindBadRequest, broker.Classify(err).Kind, p)
	}
}

func TestCompileError(t *testing.T) {
	rt := newTestRuntime(t, map[string]string{"bad.xq": `concat(`})
	_, err := serve(t, rt, httptest.NewRequest("GET", "/xqsp/bad.xq", nil), "bad.xq")
	require.Error(t, err)
	assert.Equal(t, broker.KindCompile, broker.Classify(err).Kind)
}

func TestHostAPI(t *testing.T) {
	rt := newTestRuntime(t, map[string]string{
		"api.xq": `xqsp:set-header("X-Page", "api"),
xqsp:set-parameter("extra", "yes"),
string-join(xqsp:parameter-names(), ","),
xqsp:parameter("extra"),
xqsp:header("X-Test"),
xqsp:user-name()`,
		"fail.xq":    `xqsp:error(404, "no such page")`,
		"forward.xq": `xqsp:forward("/xqsp/hello.xq")`,
	})

	r := httptest.NewRequest("POST", "/xqsp/api.xq?a=1", nil)
	r.Header.Set("X-Test", "header-value")
	r = r.WithContext(auth.WithPrincipal(r.Context(), auth.NewPrincipal("alice")))
	w, err := serve(t, rt, r, "api.xq")
	require.NoError(t, err)
	assert.Equal(t, "api", w.Header().Get("X-Page"))
	assert.Equal(t, "a,extra\nyes\nheader-value\nalice\n", w.Body.String())

	w, err = serve(t, rt, httptest.NewRequest("GET", "/xqsp/fail.xq", nil), "fail.xq")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "no such page")

	w, err = serve(t, rt, httptest.NewRequest("GET", "/xqsp/forward.xq", nil), "forward.xq")
	require.NoError(t, err)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/xqsp/hello.xq", w.Header().Get("Location"))
}

func TestPageSession(t *testing.T) {
	rt := newTestRuntime(t, map[string]string{
		"set.xq":   `xqsp:session-set("cart", "3 items")`,
		"get.xq":   `declare option output:method "text"; xqsp:session-get("cart")`,
		"close.xq": `xqsp:session-close()`,
	})

	w, err := serve(t, rt, httptest.NewRequest("GET", "/xqsp/set.xq", nil), "set.xq")
	require.NoError(t, err)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)
	assert.Equal(t, 1, rt.Sessions().Len())

	r := httptest.NewRequest("GET", "/xqsp/get.xq", nil)
	r.AddCookie(cookies[0])
	w, err = serve(t, rt, r, "get.xq")
	require.NoError(t, err)
	assert.Equal(t, "3 items\n", w.Body.String())

	r = httptest.NewRequest("GET", "/xqsp/close.xq", nil)
	r.AddCookie(cookies[0])
	_, err = serve(t, rt, r, "close.xq")
	require.NoError(t, err)
	assert.Equal(t, 0, rt.Sessions().Len())

	w, err = serve(t, rt, httptest.NewRequest("GET", "/xqsp/get.xq", nil), "get.xq")
	require.NoError(t, err)
	assert.Empty(t, w.Body.String())
}

func TestSessionExpiry(t *testing.T) {
	st := NewSessionStore(time.Minute)
	now := time.Now()
	st.now = func() time.Time { return now }

	s := st.Create()
	s.Set("k", "v")
	require.NotNil(t, st.Get(s.ID))

	now = now.Add(2 * time.Minute)
	assert.Nil(t, st.Get(s.ID))
	assert.Equal(t, 0, st.Len())
}

func TestCache(t *testing.T) {
	rt := newTestRuntime(t, map[string]string{"hello.xq": helloScript})
	for i := 0; i < 3; i++ {
		_, err := serve(t, rt, httptest.NewRequest("GET", "/xqsp/hello.xq", nil), "hello.xq")
		require.NoError(t, err)
	}
	hits, misses := rt.Cache().Stats()
	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, misses)

	file, _, err := rt.resolve("hello.xq")
	require.NoError(t, err)
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.WriteFile(file, []byte(`"changed"`), 0644))
	require.NoError(t, os.Chtimes(file, later, later))

	w, err := serve(t, rt, httptest.NewRequest("GET", "/xqsp/hello.xq", nil), "hello.xq")
	require.NoError(t, err)
	assert.Equal(t, "changed\n", w.Body.String())
}

func TestList(t *testing.T) {
	rt := newTestRuntime(t, map[string]string{
		"hello.xq":      helloScript,
		"admin/page.xq": `1`,
		"notes.txt":     "not a script",
	})
	scripts, err := rt.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"admin/page.xq", "hello.xq"}, scripts)
}

func TestMimeFor(t *testing.T) {
	assert.Equal(t, "text/xml", MimeFor(""))
	assert.Equal(t, "text/xml", MimeFor("xml"))
	assert.Equal(t, "text/plain", MimeFor("TEXT"))
	assert.Equal(t, "text/html", MimeFor("html"))
	assert.Equal(t, "text/xhtml", MimeFor("xhtml"))
}
