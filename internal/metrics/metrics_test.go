package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.MessagesSent.WithLabelValues("virtual").Inc()
	m.ActiveSessions.Set(2)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["chatverse_messages_sent_total"])
	assert.True(t, names["chatverse_active_sessions"])

	assert.Panics(t, func() { New(reg) }, "double registration must fail loudly")
}
