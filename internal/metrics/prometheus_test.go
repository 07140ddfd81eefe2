package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_ExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	TokensIssuedTotal.WithLabelValues("setup").Inc()
	PoolConnectionsGauge.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["svault_tokens_issued_total"])
	assert.True(t, names["svault_pool_connections"])
	assert.Equal(t, float64(3), testutil.ToFloat64(PoolConnectionsGauge))
}

func TestRegister_TwiceDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	assert.NotPanics(t, func() { Register(reg) })
}

func TestRegister_NilRegistry(t *testing.T) {
	assert.NotPanics(t, func() { Register(nil) })
}
