package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 3, cfg.MaxWarnings)
	assert.Equal(t, 3, cfg.MaxFaceMissing)
	assert.True(t, cfg.RequireWebcam)
	assert.Equal(t, 10*time.Second, cfg.AutosaveInterval)
	assert.Equal(t, 20*time.Second, cfg.FrameSampleInterval)
	assert.Equal(t, uint8(10), cfg.LuminanceThreshold)
	assert.Nil(t, cfg.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_WARNINGS", "5")
	t.Setenv("REQUIRE_WEBCAM", "false")
	t.Setenv("AUTOSAVE_INTERVAL_SECONDS", "0")
	t.Setenv("LUMINANCE_THRESHOLD", "999")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("MAX_FACE_MISSING", "many")

	cfg := Load()

	assert.Equal(t, 5, cfg.MaxWarnings)
	assert.False(t, cfg.RequireWebcam)
	assert.Equal(t, 10*time.Second, cfg.AutosaveInterval, "non-positive interval falls back")
	assert.Equal(t, uint8(255), cfg.LuminanceThreshold)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 3, cfg.MaxFaceMissing)
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "exam_autosave:quiz-1", CacheKey.DraftKey("quiz-1"))
	assert.Equal(t, "attempt:a-9:monitor", CacheKey.AttemptMonitorChannel("a-9"))
}
