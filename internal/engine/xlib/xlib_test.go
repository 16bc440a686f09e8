package xlib

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/xqserver/internal/engine"
)

func newTestGroup(t *testing.T, libs ...string) *Group {
	t.Helper()
	g, err := Open(context.Background(), filepath.Join(t.TempDir(), "group"))
	require.NoError(t, err)
	for _, name := range libs {
		require.NoError(t, g.CreateLibrary(context.Background(), name))
	}
	t.Cleanup(func() { g.CloseAll(context.Background()) })
	return g
}

func openLib(t *testing.T, g *Group, name string) engine.Library {
	t.Helper()
	lib, err := g.OpenLibrary(context.Background(), name, nil, nil)
	require.NoError(t, err)
	return lib
}

// evalStrings compiles and evaluates src, returning the string values.
func evalStrings(t *testing.T, lib engine.Library, src string) []string {
	t.Helper()
	ctx := context.Background()
	expr, err := lib.Compile(ctx, src)
	require.NoError(t, err)
	seq, err := expr.Evaluate(ctx)
	require.NoError(t, err)
	var out []string
	for seq.Next() {
		out = append(out, seq.Current().String())
	}
	return out
}

func TestGroupLibraries(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, "b", "a")

	names, err := g.ListLibraries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	err = g.CreateLibrary(ctx, "a")
	assert.True(t, engine.HasCode(err, engine.CodeLibraryExists))

	_, err = g.OpenLibrary(ctx, "missing", nil, nil)
	assert.True(t, engine.HasCode(err, engine.CodeNoSuchLibrary))

	deleted, err := g.DeleteLibrary(ctx, "b")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = g.DeleteLibrary(ctx, "b")
	require.NoError(t, err)
	assert.False(t, deleted)

	names, err = g.ListLibraries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)
}

func TestDeleteLibraryWithOpenSession(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, "busy")
	lib := openLib(t, g, "busy")

	_, err := g.DeleteLibrary(ctx, "busy")
	assert.Error(t, err)

	require.NoError(t, lib.Close(ctx))
	deleted, err := g.DeleteLibrary(ctx, "busy")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestEvaluateExpressions(t *testing.T) {
	g := newTestGroup(t, "L")
	lib := openLib(t, g, "L")

	tests := []struct {
		query string
		want  []string
	}{
		{"1+1", []string{"2"}},
		{"(1,2,3,4,5)", []string{"1", "2", "3", "4", "5"}},
		{"1 to 3", []string{"1", "2", "3"}},
		{"7 div 2", []string{"3.5"}},
		{"7 idiv 2, 7 mod 2", []string{"3", "1"}},
		{"-(2 * 3)", []string{"-6"}},
		{"count(1 to 10)", []string{"10"}},
		{"sum((1, 2, 3))", []string{"6"}},
		{`concat("a", "b", 'c''d')`, []string{"abc'd"}},
		{`string-join(("x", "y"), "-")`, []string{"x-y"}},
		{"(1, 2) = 2", []string{"true"}},
		{`upper-case("go")`, []string{"GO"}},
		{"()", nil},
		{"declare variable $x := 40; $x + 2", []string{"42"}},
		{"(: comment (: nested :) :) 5", []string{"5"}},
		{"xquery version \"1.0\"; 3", []string{"3"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, evalStrings(t, lib, tt.query))
		})
	}
}

func TestCompileErrors(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, "L")
	lib := openLib(t, g, "L")

	for _, src := range []string{"1 +", "unknown(1)", "count(1, 2)", `"open`, "$p:x"} {
		_, err := lib.Compile(ctx, src)
		assert.True(t, engine.HasCode(err, engine.CodeCompile), "query %q: %v", src, err)
	}
}

func TestExternalVariables(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, "L")
	lib := openLib(t, g, "L")
	lib.DeclarePrefix("p", "urn:params")

	expr, err := lib.Compile(ctx, `
		declare variable $p:n as xs:integer external;
		declare variable $p:who external := "nobody";
		declare option output:method "text";
		concat($p:who, ":", $p:n + 1)`)
	require.NoError(t, err)

	vars := expr.Variables()
	require.Len(t, vars, 2)
	assert.Equal(t, engine.QName{Space: "urn:params", Local: "n"}, vars[0].Name)
	assert.Equal(t, engine.TypeInteger, vars[0].Type)
	assert.True(t, vars[0].External)
	require.Len(t, expr.Options(), 1)
	assert.Equal(t, engine.QName{Space: engine.OutputNamespace, Local: "method"}, expr.Options()[0].Name)

	_, err = expr.Evaluate(ctx)
	assert.True(t, engine.HasCode(err, engine.CodeDynamic))

	require.NoError(t, expr.BindVariable(vars[0].Name, "41", vars[0].Type))
	seq, err := expr.Evaluate(ctx)
	require.NoError(t, err)
	require.True(t, seq.Next())
	assert.Equal(t, "nobody:42", seq.Current().String())

	err = expr.BindVariable(vars[0].Name, "forty", vars[0].Type)
	assert.True(t, engine.HasCode(err, engine.CodeDynamic))
}

func TestEvaluateTimeout(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, "L")
	lib := openLib(t, g, "L")

	expr, err := lib.Compile(ctx, "xlib:sleep(1000), 1")
	require.NoError(t, err)
	expr.SetTimeout(10 * time.Millisecond)

	start := time.Now()
	_, err = expr.Evaluate(ctx)
	assert.True(t, engine.HasCode(err, engine.CodeTimeLimit), "got %v", err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestDocumentsCommitAndClose(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, "L")
	lib := openLib(t, g, "L")

	require.NoError(t, lib.PutDocument(ctx, "/books/a.xml", `<?xml version="1.0"?><book><title>Go</title></book>`))
	assert.Error(t, lib.PutDocument(ctx, "/books/bad.xml", "<book>"))

	err := lib.Close(ctx)
	assert.True(t, engine.HasCode(err, engine.CodeUncommitted))

	assert.Equal(t, []string{"Go"}, evalStrings(t, lib, `string(doc("/books/a.xml"))`))
	require.NoError(t, lib.Commit(ctx))
	require.NoError(t, lib.Close(ctx))
	assert.Equal(t, 0, g.OpenSessions())

	other := openLib(t, g, "L")
	expr, err := other.Compile(ctx, `collection("/books")`)
	require.NoError(t, err)
	seq, err := expr.Evaluate(ctx)
	require.NoError(t, err)
	require.True(t, seq.Next())
	require.True(t, seq.Current().IsNode())
	assert.Equal(t, "<book><title>Go</title></book>", seq.Current().Node().Markup())
}

func TestRollbackDiscardsStaged(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, "L")
	lib := openLib(t, g, "L")

	require.NoError(t, lib.PutDocument(ctx, "x.xml", "<x/>"))
	require.NoError(t, lib.Rollback(ctx))
	require.NoError(t, lib.Close(ctx))

	graceful, err := g.CloseAll(ctx)
	require.NoError(t, err)
	assert.True(t, graceful)
}

func TestCloseAllRollsBack(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, "L")
	lib := openLib(t, g, "L")
	require.NoError(t, lib.PutDocument(ctx, "x.xml", "<x/>"))

	graceful, err := g.CloseAll(ctx)
	require.NoError(t, err)
	assert.False(t, graceful)
}

type recordingObserver struct {
	nopObserver
	backup, reindex []float64
}

func (o *recordingObserver) BackupProgress(f float64)     { o.backup = append(o.backup, f) }
func (o *recordingObserver) ReindexingProgress(f float64) { o.reindex = append(o.reindex, f) }

func TestBackup(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, "L")
	lib := openLib(t, g, "L")
	require.NoError(t, lib.PutDocument(ctx, "/a.xml", "<a>1</a>"))
	require.NoError(t, lib.Commit(ctx))

	obs := &recordingObserver{}
	lib.SetProgressObserver(obs)
	dir := filepath.Join(t.TempDir(), "backup")
	require.NoError(t, lib.Backup(ctx, dir))
	assert.Equal(t, []float64{0, 1}, obs.backup)

	_, err := os.Stat(filepath.Join(dir, dbFile))
	require.NoError(t, err)

	// a second backup into the same directory replaces the first
	require.NoError(t, lib.Backup(ctx, dir))
}

func TestReIndexAndFullText(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, "L")
	g.SetFullTextFactory(engine.WordTokenizer{})
	lib := openLib(t, g, "L")

	require.NoError(t, lib.PutDocument(ctx, "/1.xml", "<doc><title>Quick Fox</title><body>lazy dog</body></doc>"))
	require.NoError(t, lib.PutDocument(ctx, "/2.xml", "<doc><title>Lazy Cat</title><body>quick</body></doc>"))
	require.NoError(t, lib.Commit(ctx))

	assert.Equal(t, []string{"2"}, evalStrings(t, lib, `count(xlib:fulltext("quick"))`))
	assert.Equal(t, []string{"1"}, evalStrings(t, lib, `count(xlib:fulltext("dog"))`))

	ix, err := engine.ParseIndexing(strings.NewReader(`<indexing><element name="title" fulltext="true"/></indexing>`))
	require.NoError(t, err)
	require.NoError(t, lib.SetIndexing(ctx, ix))

	obs := &recordingObserver{}
	lib.SetProgressObserver(obs)
	require.NoError(t, lib.ReIndex(ctx))
	require.NotEmpty(t, obs.reindex)
	assert.Equal(t, 1.0, obs.reindex[len(obs.reindex)-1])
	for i := 1; i < len(obs.reindex); i++ {
		assert.GreaterOrEqual(t, obs.reindex[i], obs.reindex[i-1])
	}

	assert.Equal(t, []string{"1"}, evalStrings(t, lib, `count(xlib:fulltext("quick"))`))
	assert.Equal(t, []string{"0"}, evalStrings(t, lib, `count(xlib:fulltext("dog"))`))
	assert.Equal(t, []string{"Lazy Catquick"}, evalStrings(t, lib, `xlib:fulltext("lazy")`))
}

func TestHostClasses(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, "L")
	lib := openLib(t, g, "L")

	src := `declare namespace m = "java:java.lang.Math"; m:max(3, 9), m:abs(-4)`
	_, err := lib.Compile(ctx, src)
	assert.True(t, engine.HasCode(err, engine.CodeCompile))

	lib.EnableHostClass("java.lang.Math")
	assert.Equal(t, []string{"9", "4"}, evalStrings(t, lib, src))
}

func TestBindFunction(t *testing.T) {
	g := newTestGroup(t, "L")
	lib := openLib(t, g, "L")
	lib.DeclarePrefix("h", "urn:host")
	lib.BindFunction(engine.QName{Space: "urn:host", Local: "greet"},
		func(_ context.Context, args [][]engine.Item) ([]engine.Item, error) {
			return []engine.Item{engine.String("hello " + args[0][0].String())}, nil
		})
	assert.Equal(t, []string{"hello go"}, evalStrings(t, lib, `h:greet("go")`))
}

func TestModuleImport(t *testing.T) {
	ctx := context.Background()
	modDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modDir, "consts.xqm"), []byte(`
		module namespace c = "urn:consts";
		declare variable $c:answer := 6 * 7;
	`), 0644))

	g := newTestGroup(t, "L")
	g.SetModuleResolver(engine.DirModuleResolver{Root: modDir})
	lib := openLib(t, g, "L")
	assert.Equal(t, []string{"42"}, evalStrings(t, lib,
		`import module namespace k = "urn:consts" at "consts.xqm"; $k:answer`))

	_, err := lib.Compile(ctx, `import module namespace k = "urn:other" at "missing.xqm"; 1`)
	assert.True(t, engine.HasCode(err, engine.CodeCompile))
}

type denyWrites struct{}

func (denyWrites) Check(_ engine.User, perm engine.Permission, path string) error {
	if perm == engine.PermWrite {
		return engine.Errorf(engine.CodeAccessDenied, "no write on %s", path)
	}
	return nil
}

func TestAccessControlChecked(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, "L")
	lib, err := g.OpenLibrary(ctx, "L", denyWrites{}, nil)
	require.NoError(t, err)

	err = lib.PutDocument(ctx, "/a.xml", "<a/>")
	assert.True(t, engine.HasCode(err, engine.CodeAccessDenied))
	err = lib.ReIndex(ctx)
	assert.True(t, engine.HasCode(err, engine.CodeAccessDenied))
}

func TestACLStorage(t *testing.T) {
	ctx := context.Background()
	g := newTestGroup(t, "L")

	require.NoError(t, g.AddACLRule(ctx, "L", engine.ACLRule{Principal: "bob", Permission: engine.PermWrite, Allow: false}))
	require.NoError(t, g.AddACLRule(ctx, "L", engine.ACLRule{Principal: "*", Permission: engine.PermRead, Path: "/pub", Allow: true}))

	rules, err := g.LoadACL(ctx, "L")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, engine.ACLRule{Principal: "bob", Permission: engine.PermWrite, Path: "/", Allow: false}, rules[0])
	assert.Equal(t, "/pub", rules[1].Path)
	assert.True(t, rules[1].Allow)
}

func TestMemoryAndCache(t *testing.T) {
	g := newTestGroup(t, "L")
	g.SetMemoryLimit(64 << 20)
	assert.Equal(t, int64(64<<20), g.MemoryLimit())

	g.DocumentCache().SetCacheSize(8 << 20)
	assert.Equal(t, int64(8<<20), g.DocumentCache().CacheSize())
	g.DocumentCache().SetCatalogs(engine.CatalogConfig{Files: []string{"cat.xml"}, PreferPublic: true})
	assert.Equal(t, []string{"cat.xml"}, g.cache.Catalogs().Files)
}
