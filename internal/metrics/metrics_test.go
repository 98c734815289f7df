package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entdns/entdns/internal/metrics"
)

func TestIncQuery(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	before := promtestutil.ToFloat64(metrics.QueriesTotal.WithLabelValues(metrics.StatusTotal))
	beforeBlocked := promtestutil.ToFloat64(
		metrics.QueriesTotal.WithLabelValues(metrics.StatusBlocked),
	)

	metrics.IncQuery(metrics.StatusBlocked)

	total := promtestutil.ToFloat64(metrics.QueriesTotal.WithLabelValues(metrics.StatusTotal))
	blocked := promtestutil.ToFloat64(metrics.QueriesTotal.WithLabelValues(metrics.StatusBlocked))

	assert.Equal(t, before+1, total)
	assert.Equal(t, beforeBlocked+1, blocked)
}

func TestRegister_exposesFamilies(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	metrics.IncQuery(metrics.StatusAllowed)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}

	assert.Contains(t, names, "entdns_queries_total")
}
