package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionStarted()
	m.TokenApplied()
	m.Stale("stream")
	m.ToolCall("unknown")
}

func TestCountersRegisterAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionStarted()
	m.SessionStarted()
	m.ToolCall("executed")
	m.ToolCall("unknown")
	m.ToolCall("unknown")

	require.Equal(t, float64(2), testutil.ToFloat64(m.SessionsStarted))
	require.Equal(t, float64(2), testutil.ToFloat64(m.ToolCalls.WithLabelValues("unknown")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.ToolCalls.WithLabelValues("executed")))
}
