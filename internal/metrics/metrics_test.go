package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ManifestItems.Add(3)
	m.Queries.WithLabelValues("parallel").Inc()
	m.BytesRead.WithLabelValues("random").Add(4096)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ManifestItems))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queries.WithLabelValues("parallel")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.BytesRead.WithLabelValues("random")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestDiscard_IsIndependent(t *testing.T) {
	a := Discard()
	b := Discard()
	a.CompactionPairs.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CompactionPairs))
}
