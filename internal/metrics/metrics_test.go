package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/xqserver/internal/broker"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestHooks(t *testing.T) {
	m := New()
	var ended []string
	h := m.Hooks(broker.Hooks{ActionEnded: func(info broker.ActionInfo) { ended = append(ended, info.ID) }})

	h.SessionOpened("L")
	h.SessionOpened("L")
	h.SessionClosed("L")
	h.ActionStarted(broker.ActionInfo{ID: "A1"})
	h.ActionStarted(broker.ActionInfo{ID: "A2"})
	h.ActionEnded(broker.ActionInfo{ID: "A1", Kind: "backup", State: broker.StateFinished})

	body := scrape(t, m)
	assert.Contains(t, body, "xqserver_open_sessions 1\n")
	assert.Contains(t, body, "xqserver_actions_running 1\n")
	assert.Contains(t, body, `xqserver_actions_total{kind="backup",state="finished"} 1`)
	assert.Equal(t, []string{"A1"}, ended)
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveRequest("eval", 200, 15*time.Millisecond)
	m.ObserveRequest("eval", 408, time.Second)

	body := scrape(t, m)
	assert.Contains(t, body, `xqserver_requests_total{code="408",command="eval"} 1`)
	assert.Contains(t, body, `xqserver_request_duration_seconds_count{command="eval"} 2`)
	assert.Contains(t, body, "go_goroutines")
}
