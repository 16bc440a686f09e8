package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/xqserver/internal/auth"
	"github.com/fentz26/xqserver/internal/config"
)

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug", "json")
	require.NoError(t, err)
	_, err = newLogger("WARN", "text")
	require.NoError(t, err)

	_, err = newLogger("loud", "text")
	assert.Error(t, err)
	_, err = newLogger("info", "xml")
	assert.Error(t, err)
}

func TestOpenAudit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()

	st, w, err := openAudit(config.FromMap(root, nil, logger), logger)
	require.NoError(t, err)
	require.NotNil(t, st)
	require.NotNil(t, w)
	st.Close()
	_, err = os.Stat(filepath.Join(root, DefaultAuditDB))
	assert.NoError(t, err)

	st, w, err = openAudit(config.FromMap(root, map[string]string{config.AuditDB: "trail/a.db"}, logger), logger)
	require.NoError(t, err)
	st.Close()
	assert.NotNil(t, w)
	assert.FileExists(t, filepath.Join(root, "trail", "a.db"))

	st, w, err = openAudit(config.FromMap(root, map[string]string{config.AuditDB: "none"}, logger), logger)
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Nil(t, w)
}

func TestEnumValue(t *testing.T) {
	var v string
	e := newEnumValue(&v, "text", "text", "json")
	assert.Equal(t, "text", e.String())
	require.NoError(t, e.Set("JSON"))
	assert.Equal(t, "json", v)
	assert.EqualError(t, e.Set("xml"), "must be one of text, json")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestHashPassword(t *testing.T) {
	var out bytes.Buffer
	hashPasswordCmd.SetIn(strings.NewReader("s3cret\n"))
	hashPasswordCmd.SetOut(&out)
	t.Cleanup(func() {
		hashPasswordCmd.SetIn(nil)
		hashPasswordCmd.SetOut(nil)
	})
	require.NoError(t, runHashPassword(hashPasswordCmd, []string{"alice", "admin"}))

	entry := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(entry, "alice:$2a$"), entry)
	require.True(t, strings.HasSuffix(entry, ":admin"), entry)

	users := filepath.Join(t.TempDir(), "users")
	require.NoError(t, os.WriteFile(users, []byte(entry+"\n"), 0600))
	_, err := auth.LoadUsersFile(users)
	assert.NoError(t, err)

	hashPasswordCmd.SetIn(strings.NewReader(""))
	assert.Error(t, runHashPassword(hashPasswordCmd, []string{"alice"}))
}
