package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordDbOperation(t *testing.T) {
	m := NewMetrics()
	m.RecordDbOperation("addMessage", nil, time.Millisecond)
	m.RecordDbOperation("addMessage", nil, time.Millisecond)
	m.RecordDbOperation("addMessage", errors.New("x"), time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DbOperationsTotal.WithLabelValues("addMessage", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DbOperationsTotal.WithLabelValues("addMessage", "error")))
}

func TestInstancesDoNotCollide(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.SetCollectionRows("messages", 10)
	b.SetCollectionRows("messages", 3)
	assert.Equal(t, 10.0, testutil.ToFloat64(a.CollectionRows.WithLabelValues("messages")))
	assert.Equal(t, 3.0, testutil.ToFloat64(b.CollectionRows.WithLabelValues("messages")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordSearch("filter", 3)
	m.RecordExport("all", nil)
	m.RecordDbOperation("x", nil, 0)
	m.UpdateDbStats(1, 1)
	m.RecordBackup(nil)
}
