package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Expired.Add(3)
	m.Consolidations.WithLabelValues("created").Inc()
	m.SweepErrors.WithLabelValues("expiry").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Expired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Consolidations.WithLabelValues("created")))

	n, err := testutil.GatherAndCount(reg, "memtier_working_expired_total", "memtier_sweep_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNopIsIndependent(t *testing.T) {
	a, b := Nop(), Nop()
	a.Promoted.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Promoted))
}
