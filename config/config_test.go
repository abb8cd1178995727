package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.ReconnectBackoffCap)
	assert.Equal(t, 30*time.Second, cfg.LoginGrace)
	assert.Equal(t, 2*time.Second, cfg.LookupTimeout)
	assert.Equal(t, 1<<20, cfg.MaxFrameSize)
	assert.Equal(t, PolicyBlock, cfg.CallbackQueuePolicy)
}

func TestLoadOverrides(t *testing.T) {
	v := New()
	v.Set("user.id", 1001)
	v.Set("route.url", "http://route:8083/")
	v.Set("heartbeat.interval", 3)
	v.Set("callback.queue.policy", PolicyDropOldest)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, int64(1001), cfg.UserID)
	assert.Equal(t, "http://route:8083", cfg.RouteURL)
	assert.Equal(t, 3*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, PolicyDropOldest, cfg.CallbackQueuePolicy)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("CIM_RECONNECT_MAX_ATTEMPTS", "3")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ReconnectMaxAttempts)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]interface{}{
		"heartbeat.interval":        0,
		"callback.thread.pool.size": 0,
		"callback.queue.policy":     "lifo",
		"reconnect.max.attempts":    -1,
	}
	for key, val := range cases {
		v := New()
		v.Set(key, val)
		_, err := Load(v)
		assert.Error(t, err, key)
	}
}
