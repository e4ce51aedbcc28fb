package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DEVICE_ID", "dev-1")
	t.Setenv("ORG_ID", "org-1")
	t.Setenv("REMOTE_BASE_URL", "https://api.example.test")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultSampleEvery, cfg.SampleEvery)
	assert.Equal(t, DefaultMatchThreshold, cfg.MatchThreshold)
	assert.Equal(t, DefaultSyncInterval, cfg.SyncInterval)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SAMPLE_EVERY", "30")
	t.Setenv("MATCH_THRESHOLD", "0.9")
	t.Setenv("SYNC_INTERVAL", "5s")
	t.Setenv("ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.SampleEvery)
	assert.Equal(t, 0.9, cfg.MatchThreshold)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.True(t, cfg.IsProduction())
}

func TestValidateRequired(t *testing.T) {
	cases := []struct {
		name  string
		unset string
	}{
		{"missing device", "DEVICE_ID"},
		{"missing org", "ORG_ID"},
		{"missing remote", "REMOTE_BASE_URL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.unset, "")
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestValidateBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("SAMPLE_EVERY", "0")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("SAMPLE_EVERY", "60")
	t.Setenv("MATCH_THRESHOLD", "1.5")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("MATCH_THRESHOLD", "0.8")
	t.Setenv("GEOFENCE_RADIUS_M", "-5")
	_, err = Load()
	require.Error(t, err)
}
