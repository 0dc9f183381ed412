package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	c, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, 0, c.Workers)
	assert.Equal(t, 100_000, c.QueueSize)
	assert.Equal(t, 1500*time.Millisecond, c.SendLatency)
	assert.Equal(t, 3*time.Second, c.DeliveryDelay)
	assert.Equal(t, 8080, c.APIPort)
	assert.Equal(t, 10*time.Minute, c.IdempotencyTTL)
	assert.True(t, c.MetricsPoll)
}

func TestParse_FromEnv(t *testing.T) {
	t.Setenv("UTSKICK_WORKERS", "7")
	t.Setenv("UTSKICK_SEND_LATENCY", "10ms")
	t.Setenv("UTSKICK_FAILURE_RATE", "0.25")
	t.Setenv("UTSKICK_API_PORT", "9090")

	c, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 7, c.Workers)
	assert.Equal(t, 10*time.Millisecond, c.SendLatency)
	assert.Equal(t, 0.25, c.FailureRate)
	assert.Equal(t, 9090, c.APIPort)
}

func TestParse_Invalid(t *testing.T) {
	for name, env := range map[string][2]string{
		"bad duration": {"UTSKICK_DELIVERY_DELAY", "soon"},
		"bad int":      {"UTSKICK_API_PORT", "http"},
		"rate above 1": {"UTSKICK_FAILURE_RATE", "1.5"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := Parse()
			assert.Error(t, err)
		})
	}
}
