package tui

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/xqserver/internal/api"
	"github.com/fentz26/xqserver/internal/broker"
	"github.com/fentz26/xqserver/internal/client"
	"github.com/fentz26/xqserver/internal/config"
	"github.com/fentz26/xqserver/internal/engine/xlib"
	"github.com/fentz26/xqserver/internal/models"
)

func newTestClient(t *testing.T) *client.Client {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.New(broker.Options{
		Root:   root,
		Opener: xlib.Opener,
		Logger: logger,
		Config: config.FromMap(root, map[string]string{config.LibraryGroup: "libs"}, logger),
	})
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { b.Stop(ctx) })
	ts := httptest.NewServer(api.NewServer(api.Options{Broker: b, Logger: logger}).Handler())
	t.Cleanup(ts.Close)
	return client.New(ts.URL, client.Credentials{})
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("/backup @L1 /tmp/b")
	require.NoError(t, err)
	assert.Equal(t, Command{Name: "backup", Args: []string{"L1", "/tmp/b"}}, cmd)

	cmd, err = ParseCommand("q")
	require.NoError(t, err)
	assert.Equal(t, "quit", cmd.Name)

	_, err = ParseCommand("backup L1")
	assert.EqualError(t, err, "usage: backup <library|*> <path>")

	_, err = ParseCommand("launch")
	assert.Error(t, err)

	_, err = ParseCommand("   ")
	assert.Error(t, err)
}

func TestCommandRun(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	run := func(line string) (string, error) {
		cmd, err := ParseCommand(line)
		require.NoError(t, err)
		return cmd.Run(ctx, c)
	}

	msg, err := run("mklib L1")
	require.NoError(t, err)
	assert.Equal(t, "Created library L1", msg)

	_, err = run("mklib L2")
	require.NoError(t, err)
	msg, err = run("dellib L2")
	require.NoError(t, err)
	assert.Equal(t, "Deleted library L2", msg)

	msg, err = run("backup * " + filepath.Join(t.TempDir(), "b"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msg, "Backup started: A"), msg)

	_, err = run("cancel")
	assert.EqualError(t, err, "no action selected")
}

func TestSuggestions(t *testing.T) {
	s := NewSuggestions()
	s.Update("/re")
	require.True(t, s.IsVisible())
	var names []string
	for _, it := range s.filtered {
		names = append(names, it.Text)
	}
	assert.Equal(t, []string{"reindex", "reload"}, names)
	assert.Equal(t, "reindex", s.Complete(s.Selected()))

	s.Update("backup @L")
	assert.Equal(t, "@", s.Prefix())
	s.SetReferences([]string{"A1"}, []string{"L1", "L2"})
	require.True(t, s.IsVisible())
	s.Next()
	assert.Equal(t, "backup L2", s.Complete(s.Selected()))

	s.Update("backup L1 ")
	assert.False(t, s.IsVisible())
}

func TestAppSelection(t *testing.T) {
	a := New(client.New("http://127.0.0.1:1", client.Credentials{}))
	a.Update(refreshedMsg{
		actions:   []broker.ActionInfo{{ID: "A2", State: broker.StateRunning}, {ID: "A1", State: broker.StateFinished}},
		libraries: []string{"L1"},
		info:      &models.ServerInfo{Name: "x", Version: "1"},
	})
	assert.True(t, a.online)
	assert.Equal(t, "A2", a.Selected().ID)

	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, "A1", a.Selected().ID)
	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, "A1", a.Selected().ID)

	a.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, viewDetail, a.mode)
	a.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, viewActions, a.mode)

	a.Update(refreshedMsg{actions: []broker.ActionInfo{{ID: "A3"}}, info: &models.ServerInfo{}})
	assert.Equal(t, "A3", a.Selected().ID)

	view := a.View()
	assert.Contains(t, view, "A3")
	assert.Contains(t, view, "Actions: 1")
}

func TestWatch(t *testing.T) {
	w := NewWatch(client.New("http://127.0.0.1:1", client.Credentials{}), "A1", time.Millisecond)

	_, cmd := w.Update(detailMsg{progress: &client.Progress{Label: "backup L1", Fraction: 0.5}})
	require.NotNil(t, cmd)
	assert.Contains(t, w.View(), "backup L1")

	_, cmd = w.Update(detailMsg{progress: &client.Progress{Label: "backup L1", Fraction: 1}})
	require.NotNil(t, cmd)
	_, quit := cmd().(tea.QuitMsg)
	assert.True(t, quit)
	assert.Contains(t, w.View(), "● backup L1")
}
