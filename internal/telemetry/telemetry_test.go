package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestLookupCountsMatchesSeparately(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Lookup(0x1, 0, true)
	m.Lookup(0x1, 0, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.lookups.WithLabelValues("1", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.matches.WithLabelValues("1", "0")))
}

func TestEmitAddsBatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Emit(0xab, 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.emits.WithLabelValues("ab")))
}

func TestRegisterTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
