package client

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/xqserver/internal/api"
	"github.com/fentz26/xqserver/internal/auth"
	"github.com/fentz26/xqserver/internal/broker"
	"github.com/fentz26/xqserver/internal/config"
	"github.com/fentz26/xqserver/internal/engine/xlib"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.New(broker.Options{
		Root:   root,
		Opener: xlib.Opener,
		Logger: logger,
		Config: config.FromMap(root, map[string]string{
			config.LibraryGroup: "libs",
			config.AdminRole:    "admin",
		}, logger),
	})
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { b.Stop(ctx) })

	s := api.NewServer(api.Options{Broker: b, Auth: auth.Header{}, Logger: logger, Version: "test"})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestParseProgress(t *testing.T) {
	p, err := ParseProgress("backup L1\n0.250\n")
	require.NoError(t, err)
	assert.Equal(t, "backup L1", p.Label)
	assert.InDelta(t, 0.25, p.Fraction, 1e-9)
	assert.False(t, p.Done())

	p, err = ParseProgress("reindex L1\nerror disk full\nmain.go:12\nmain.go:40\n")
	require.NoError(t, err)
	assert.Equal(t, "disk full", p.Error)
	assert.Equal(t, "main.go:12\nmain.go:40", p.Stack)
	assert.True(t, p.Done())

	_, err = ParseProgress("no newline")
	assert.Error(t, err)
	_, err = ParseProgress("label\nabc\n")
	assert.Error(t, err)
}

func TestParseError(t *testing.T) {
	e := parseError(400, []byte("BAD_REQUEST: missing parameter 'name'\n"))
	assert.Equal(t, "BAD_REQUEST", e.Kind)
	assert.Equal(t, "missing parameter 'name'", e.Message)

	e = parseError(404, []byte("404 page not found\n"))
	assert.Empty(t, e.Kind)
	assert.Equal(t, "404 page not found", e.Message)
}

func TestLibraryLifecycle(t *testing.T) {
	url := newTestServer(t)
	ctx := context.Background()
	admin := New(url, Credentials{User: "root", Roles: []string{"admin"}})
	guest := New(url, Credentials{User: "guest"})

	err := guest.CreateLibrary(ctx, "L1")
	require.Error(t, err)
	assert.True(t, IsKind(err, broker.KindUnauthorized), "got %v", err)

	require.NoError(t, admin.CreateLibrary(ctx, "L1"))
	names, err := guest.ListLibraries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"L1"}, names)

	require.NoError(t, admin.SetIndexing(ctx, "L1", []byte(`<indexing><element name="t" as="string"/></indexing>`)))

	res, err := guest.Eval(ctx, EvalRequest{Query: "(1,2,3)", Format: "items", First: 1})
	require.NoError(t, err)
	assert.Contains(t, res.ContentType, "application/xml")
	assert.Contains(t, string(res.Body), `total-count="3"`)

	_, err = guest.Eval(ctx, EvalRequest{Query: "concat("})
	assert.True(t, IsKind(err, broker.KindCompile), "got %v", err)

	id, err := admin.Backup(ctx, "*", filepath.Join(t.TempDir(), "b"))
	require.NoError(t, err)
	p, err := admin.Wait(ctx, id, 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, "", p.Error)
	assert.InDelta(t, 1.0, p.Fraction, 1e-9)

	_, err = guest.Actions(ctx)
	assert.True(t, IsKind(err, broker.KindUnauthorized), "got %v", err)
	actions, err := admin.Actions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, id, actions[0].ID)

	err = admin.Cancel(ctx, id)
	assert.True(t, IsKind(err, broker.KindBadRequest), "got %v", err)

	info, err := guest.ServerInfo(ctx)
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, "test", info.Version)

	health, err := guest.Health(ctx)
	require.NoError(t, err)
	assert.True(t, health.OK)

	require.NoError(t, admin.DeleteLibrary(ctx, "L1"))
	names, err = guest.ListLibraries(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
