package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConf(t *testing.T, root, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(content), 0644))
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	writeConf(t, root, `
# comment
server_name = Test Server
library_group = group
module_dir = /abs/modules
admin_user = alice, bob;carol	dave
eval_time_out = 2500
xlib_memory = oops
services_library =
`)
	var logs bytes.Buffer
	cfg, err := Load(root, slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)

	assert.Equal(t, "Test Server", cfg.String(ServerName, "x"))
	assert.Equal(t, "dflt", cfg.String(ServicesLibrary, "dflt"))
	assert.Equal(t, "dflt", cfg.String("missing", "dflt"))

	assert.Equal(t, int64(2500), cfg.Int(EvalTimeOut, -1))
	assert.Equal(t, int64(-1), cfg.Int(LibraryMemory, -1))
	assert.Contains(t, logs.String(), "config.invalid_value")
	assert.Equal(t, int64(7), cfg.Int(DocPoolMemory, 7))

	group, ok := cfg.File(LibraryGroup)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "group"), group)
	mods, ok := cfg.File(ModuleDir)
	require.True(t, ok)
	assert.Equal(t, "/abs/modules", mods)
	_, ok = cfg.File(ServicesDir)
	assert.False(t, ok)

	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, cfg.List(AdminUser))
	assert.Nil(t, cfg.List(AllowedJavaClasses))
	assert.True(t, cfg.IsSet(LibraryMemory))
	assert.False(t, cfg.IsSet(DocPoolMemory))
	assert.Equal(t, filepath.Join(root, FileName), cfg.Path())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)

	_, err = Load(t.TempDir(), nil)
	assert.ErrorContains(t, err, "cannot load configuration")
}

func TestErrorsCarryStack(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"), nil)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Cause(err)))
	assert.Contains(t, fmt.Sprintf("%+v", err), "config.Load")

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err = Load(file, nil)
	assert.ErrorContains(t, err, "server root is not a directory")
	assert.Contains(t, fmt.Sprintf("%+v", err), "config.Load")

	err = Watch(context.Background(), filepath.Join(t.TempDir(), "nope"), 0, nil, func() {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: watch")
	assert.Contains(t, fmt.Sprintf("%+v", err), "config.Watch")
}

func TestFromMap(t *testing.T) {
	cfg := FromMap("/srv", map[string]string{LibraryGroup: "libs", AdminRole: "admin"}, nil)
	group, ok := cfg.File(LibraryGroup)
	require.True(t, ok)
	assert.Equal(t, "/srv/libs", group)
	assert.Equal(t, "admin", cfg.String(AdminRole, ""))
}

func TestWatch(t *testing.T) {
	root := t.TempDir()
	writeConf(t, root, "server_name = a\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, root, 20*time.Millisecond, nil, func() { changed <- struct{}{} })
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "other.txt"), []byte("x"), 0644))
	writeConf(t, root, "server_name = b\n")

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
