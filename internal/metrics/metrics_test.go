package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

func TestObserveTick(t *testing.T) {
	m := NewMetrics()

	events := []ir.TransitionEvent{
		{From: "work", To: "work", Event: ir.EventFailed, Reason: ir.ReasonAttemptFailed},
		{From: "work", To: "work", Event: ir.EventFailed, Reason: ir.ReasonAttemptFailed},
		{From: "work", To: "done", Event: ir.EventDone, Reason: ir.ReasonCompleted},
	}
	m.ObserveTick("review", OutcomeDone, 20*time.Millisecond, events)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksTotal.WithLabelValues("review", OutcomeDone)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("review", "attempt_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("review", "completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetriesTotal.WithLabelValues("review", "work")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TickDuration))
}

func TestObserveReplay(t *testing.T) {
	m := NewMetrics()
	m.ObserveReplay(true)
	m.ObserveReplay(true)
	m.ObserveReplay(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReplayChecks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplayChecks.WithLabelValues("diverged")))
}

func TestNewMetrics_Independent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.RepliesConsumed.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.RepliesConsumed))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RepliesConsumed))
}

func TestDefault_Once(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestHandler(t *testing.T) {
	m := NewMetrics()
	m.ObserveTick("review", OutcomeFeedback, time.Millisecond, nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `factory_ticks_total{outcome="feedback",workflow="review"} 1`))
}
