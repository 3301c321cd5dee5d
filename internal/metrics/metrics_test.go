package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SettlementOutcomes.WithLabelValues("Bitcoin", "Confirmed", "").Inc()
	m.DuplicateDeliveries.Inc()
	m.OldestUnconfirmedAge.Set(42)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SettlementOutcomes.WithLabelValues("Bitcoin", "Confirmed", "")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.OldestUnconfirmedAge))

	n, err := testutil.GatherAndCount(reg, "ledger_settlement_duplicates_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Panics(t, func() { New(reg) }, "second registration on the same registry must collide")
}
