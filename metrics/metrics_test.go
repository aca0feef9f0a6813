package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordsIn("s", 1)
	m.RecordsOut("s", 1)
	m.Degraded("t", 1)
	m.CommitAttempt("t", true)
	m.CommitDone("t", time.Now(), nil)
	m.FilesWritten("t", 1, 10)
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.RecordsOut("src", 10)
	m.RecordsOut("src", 5)
	m.RecordsIn("sink", 15)
	m.CommitAttempt("orders", false)
	m.CommitAttempt("orders", true)
	m.CommitDone("orders", time.Now(), nil)
	m.CommitDone("orders", time.Now(), errors.New("boom"))

	assert.Equal(t, 15.0, testutil.ToFloat64(m.StageRecords.WithLabelValues("src", "out")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StageBatches.WithLabelValues("src")))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.StageRecords.WithLabelValues("sink", "in")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommitAttempts.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommitConflicts.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commits.WithLabelValues("orders", "error")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "iceflow_commits_total"))
}
