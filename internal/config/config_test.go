package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_DUR_BAD="five-seconds" is not a valid duration`, err.Error())
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " Calpe, texel ,, Alicante ")
	assert.Equal(t, []string{"calpe", "texel", "alicante"}, envList("TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, envList("TEST_LIST_MISSING", []string{"x"}))
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("WARDEN_PORT", "abc")
	t.Setenv("WARDEN_WORKER_POOL_SIZE", "xyz")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WARDEN_PORT")
	assert.Contains(t, err.Error(), "WARDEN_WORKER_POOL_SIZE")
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, []string{"calpe", "texel"}, cfg.KnownDestinations)
	assert.Equal(t, 7*24*time.Hour, cfg.CorrelationInterval)
}

func TestValidateRejectsReservedDestination(t *testing.T) {
	t.Setenv("WARDEN_DESTINATIONS", "calpe,global")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved destination")
}

func TestValidateRejectsZeroPool(t *testing.T) {
	t.Setenv("WARDEN_WORKER_POOL_SIZE", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WARDEN_WORKER_POOL_SIZE")
}

func TestValidateRejectsNegativeRetention(t *testing.T) {
	t.Setenv("WARDEN_RETAIN_FOR", "-1h")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WARDEN_RETAIN_FOR")
}

func TestLoadClassTimeouts(t *testing.T) {
	t.Setenv("WARDEN_TIMEOUT_P1", "5m")
	t.Setenv("WARDEN_TIMEOUT_P4", "10s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Duration{"P1": 5 * time.Minute, "P4": 10 * time.Second}, cfg.ClassTimeouts)
}

func TestValidateRejectsNegativeClassTimeout(t *testing.T) {
	t.Setenv("WARDEN_TIMEOUT_P2", "-30s")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WARDEN_TIMEOUT_P2")
}
