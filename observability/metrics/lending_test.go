package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLendingMetricsCounters(t *testing.T) {
	m := Lending()
	require.Same(t, m, Lending())

	m.ObserveOperation("borrow", "", time.Millisecond)
	m.ObserveOperation("borrow", "ExceedsLTV", time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("borrow", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("borrow", "ExceedsLTV")))

	m.ObserveOracleFailure("eth", "", "stale")
	require.Equal(t, 1.0, testutil.ToFloat64(m.oracleFailures.WithLabelValues("ETH", "unknown", "stale")))

	m.SetPendingIntents(3)
	require.Equal(t, 3.0, testutil.ToFloat64(m.pendingIntents))

	m.ObserveDispatch(2, errors.New("offline"))
	require.Equal(t, 2.0, testutil.ToFloat64(m.dispatched.WithLabelValues("sent")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.dispatched.WithLabelValues("error")))

	var missing *LendingMetrics
	missing.ObserveKeeperScan("ok")
}
