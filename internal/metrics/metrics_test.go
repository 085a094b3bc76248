package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWorkflow(reg)

	m.StatusChanged("APPLIED")
	m.StatusChanged("APPLIED")
	m.StatusChanged("PENDING_APPROVAL")
	m.Resolved("REJECTED")
	m.Failed("request_status_change", "forbidden")
	m.Retried()
	m.Notified("TASK_STATUS_CHANGED")
	m.Dropped()

	assert.InDelta(t, 2, testutil.ToFloat64(m.StatusChanges.WithLabelValues("applied")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.StatusChanges.WithLabelValues("pending_approval")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Resolutions.WithLabelValues("rejected")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Errors.WithLabelValues("request_status_change", "forbidden")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CASRetries), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.DroppedNotices), 0)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestNilWorkflowIsSafe(t *testing.T) {
	var m *Workflow
	assert.NotPanics(t, func() {
		m.StatusChanged("APPLIED")
		m.Resolved("APPROVED")
		m.Failed("x", "y")
		m.Retried()
		m.Notified("z")
		m.Dropped()
	})
}
