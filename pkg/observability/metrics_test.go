package observability_test

import (
	"testing"

	"github.com/aretw0/tendril/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	m.Sent(3)
	m.Applied(2)
	m.Rejected(1)
	m.Dropped(observability.DropMalformed)
	m.Dropped(observability.DropMalformed)
	m.NotDelivered()
	m.PeerEvent("connected")
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChangesSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChangesApplied))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChangesRejected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(observability.DropMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Undelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PeerEvents.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *observability.Metrics
	assert.NotPanics(t, func() {
		m.Sent(1)
		m.Applied(1)
		m.Rejected(1)
		m.Dropped(observability.DropUnknownSession)
		m.NotDelivered()
		m.PeerEvent("disconnected")
		m.SessionOpened()
		m.SessionClosed()
	})
}
