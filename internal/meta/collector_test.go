package meta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Guizzs26/canhoto-sync/internal/models"
)

func fixedEnv(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestCollectUsesDeviceEnvironment(t *testing.T) {
	width := 390
	ratio := 3.0
	c := NewCollector("1.4.0",
		WithEnvironment(Environment{
			UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148",
			Vendor:    "Apple Computer, Inc.",
			Languages: []string{"pt-BR", "en"},
			Screen:    &models.ScreenInfo{Width: &width, PixelRatio: &ratio},
		}),
		WithOnlineSignal(func() bool { return true }),
		WithClock(func() time.Time { return time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC) }),
	)
	c.memory = func() (uint64, bool) { return 6 << 30, true }

	m := c.Collect(models.SourceOfflineQueue)

	assert.Equal(t, models.SourceOfflineQueue, m.Source)
	assert.Equal(t, "2025-05-06T07:08:09.000Z", m.Timestamp)
	assert.True(t, m.IsMobile)
	assert.Equal(t, "pt-BR", m.Language)
	assert.Equal(t, []string{"pt-BR", "en"}, m.Languages)
	assert.Equal(t, "Apple Computer, Inc.", m.Vendor)
	assert.Equal(t, "1.4.0", m.AppVersion)
	if assert.NotNil(t, m.Online) {
		assert.True(t, *m.Online)
	}
	if assert.NotNil(t, m.DeviceMemory) {
		assert.Equal(t, 4.0, *m.DeviceMemory)
	}
	assert.NotNil(t, m.HardwareConcurrency)
	assert.Equal(t, &width, m.Screen.Width)
}

func TestCollectHostDefaults(t *testing.T) {
	c := NewCollector("dev")
	c.getenv = fixedEnv(map[string]string{
		"LANG":     "pt_BR.UTF-8",
		"LANGUAGE": "pt_BR:en_US",
		"TZ":       "America/Sao_Paulo",
	})
	c.memory = func() (uint64, bool) { return 0, false }

	m := c.Collect("")

	assert.Equal(t, models.SourceOnline, m.Source)
	assert.Contains(t, m.UserAgent, "canhoto-sync/dev")
	assert.False(t, m.IsMobile)
	assert.Equal(t, []string{"pt-BR", "en-US"}, m.Languages)
	assert.Equal(t, "America/Sao_Paulo", m.Timezone)
	assert.Nil(t, m.DeviceMemory)
	assert.Nil(t, m.Online)
	assert.Nil(t, m.Screen)
}

func TestCollectSkipsPOSIXLocale(t *testing.T) {
	c := NewCollector("dev")
	c.getenv = fixedEnv(map[string]string{"LANG": "C.UTF-8", "LC_ALL": "POSIX"})

	m := c.Collect(models.SourceOnline)

	assert.Empty(t, m.Language)
	assert.Empty(t, m.Languages)
}

func TestMobileHeuristic(t *testing.T) {
	agents := map[string]bool{
		"Mozilla/5.0 (Linux; Android 14; SM-A546E) Chrome/120 Mobile Safari/537.36": true,
		"Mozilla/5.0 (iPad; CPU OS 16_6 like Mac OS X)":                              true,
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120 Safari/537.36":         false,
	}
	for ua, want := range agents {
		c := NewCollector("dev", WithEnvironment(Environment{UserAgent: ua}))
		assert.Equal(t, want, c.Collect(models.SourceOnline).IsMobile, ua)
	}
}

func TestDeviceMemoryGiB(t *testing.T) {
	assert.Equal(t, 0.25, DeviceMemoryGiB(100<<20))
	assert.Equal(t, 0.5, DeviceMemoryGiB(700<<20))
	assert.Equal(t, 2.0, DeviceMemoryGiB(3<<30))
	assert.Equal(t, 8.0, DeviceMemoryGiB(64<<30))
}
