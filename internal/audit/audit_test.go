package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/xqserver/internal/broker"
	"github.com/fentz26/xqserver/internal/models"
	"github.com/fentz26/xqserver/internal/store"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewWriter(s, nil)
}

func TestRecord(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t)

	w.Record(ctx, Entry{Action: "mklib", User: "admin", Library: "L", Inputs: map[string]string{"name": "L"}, Outcome: models.OutcomeOK})
	w.Record(ctx, Entry{Action: "mklib", User: "admin", Library: "L", Inputs: map[string]string{"name": "L"}, Outcome: models.OutcomeOK})
	w.Record(ctx, Entry{Action: "dellib", Library: "M", Inputs: map[string]string{"name": "M"}, Outcome: models.OutcomeDenied})

	recs, err := w.List(ctx, models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "dellib", recs[0].Action)
	assert.Equal(t, recs[1].InputsHash, recs[2].InputsHash, "same inputs hash the same")
	assert.NotEqual(t, recs[0].InputsHash, recs[1].InputsHash)
	assert.Len(t, recs[0].InputsHash, 64)
}

func TestActionEnded(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t)

	w.ActionEnded(broker.ActionInfo{ID: "A1", Kind: "backup", Library: "L", State: broker.StateFinished})
	w.ActionEnded(broker.ActionInfo{ID: "A2", Kind: "reindex", Library: "L", State: broker.StateAborted, Error: "boom"})

	recs, err := w.List(ctx, models.AuditFilter{Library: "L"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "action.reindex", recs[0].Action)
	assert.Equal(t, models.OutcomeAborted, recs[0].Outcome)
	assert.Equal(t, "boom", recs[0].Details)
	assert.Equal(t, models.OutcomeOK, recs[1].Outcome)
}

func TestNilWriter(t *testing.T) {
	var w *Writer
	w.Record(context.Background(), Entry{Action: "x"})
	w.ActionEnded(broker.ActionInfo{})
	recs, err := w.List(context.Background(), models.AuditFilter{})
	assert.NoError(t, err)
	assert.Nil(t, recs)
	assert.NoError(t, w.Ping(context.Background()))
}
