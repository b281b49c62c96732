package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/syncstream/internal/clock"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 8554, cfg.RTSP.Port)
	assert.Equal(t, 60*time.Second, cfg.RTSP.SessionTimeout)
	assert.Equal(t, "clock-time", cfg.RTSP.NTPTimeSource)
	assert.Equal(t, "ntp", cfg.Clock.Kind)
	assert.Equal(t, 1500*time.Millisecond, cfg.Player.Latency)
	assert.Equal(t, 200*time.Millisecond, cfg.Player.PlaybackDelay)
	assert.Equal(t, "liveling", cfg.Camera.RelayChannel)
	assert.Equal(t, 90.0, cfg.Performance.CPUThreshold)
	assert.True(t, cfg.Server.Enabled)
	require.NoError(t, Validate(cfg))
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "syncstream.yaml", `
rtsp:
  port: 9554
  session_timeout: 30s
  mounts:
    - path: /bars
      launch: "( videotestsrc ! jpegenc ! rtpgenpay name=pay0 )"
      shared: true
      latency: 50ms
clock:
  kind: system
logging:
  level: debug
`)
	t.Setenv("SYNCSTREAM_RTSP_PORT", "10554")
	t.Setenv("SYNCSTREAM_CLOCK_POLL_INTERVAL", "2s")

	cm := NewConfigManager(nil)
	require.NoError(t, cm.LoadConfig(path))
	cfg := cm.GetConfig()

	assert.Equal(t, 10554, cfg.RTSP.Port, "env wins over file")
	assert.Equal(t, 30*time.Second, cfg.RTSP.SessionTimeout)
	assert.Equal(t, 2*time.Second, cfg.Clock.PollInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format, "unset keys keep defaults")
	require.Len(t, cfg.RTSP.Mounts, 1)
	assert.Equal(t, MountConfig{
		Path:    "/bars",
		Launch:  "( videotestsrc ! jpegenc ! rtpgenpay name=pay0 )",
		Shared:  true,
		Latency: 50 * time.Millisecond,
	}, cfg.RTSP.Mounts[0])

	// copies are independent
	cfg.RTSP.Mounts[0].Path = "/changed"
	assert.Equal(t, "/bars", cm.GetConfig().RTSP.Mounts[0].Path)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cm := NewConfigManager(nil)
	require.NoError(t, cm.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Equal(t, DefaultConfig(), cm.GetConfig())
}

func TestLoadConfig_JSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "c.json", `{"camera": {"width": 640, "height": 480}}`)
	cm := NewConfigManager(nil)
	require.NoError(t, cm.LoadConfig(path))
	assert.Equal(t, 640, cm.GetConfig().Camera.Width)
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"port":         "rtsp:\n  port: 70000\n",
		"clock kind":   "clock:\n  kind: gps\n",
		"mount path":   "rtsp:\n  mounts:\n    - path: nested\n      launch: x\n",
		"empty launch": "rtsp:\n  mounts:\n    - path: /x\n",
		"database":     "database:\n  type: mysql\n",
		"rotate":       "camera:\n  rotate: sideways\n",
		"threshold":    "performance:\n  cpu_threshold: 150\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "c.yaml", body)
			cm := NewConfigManager(nil)
			assert.Error(t, cm.LoadConfig(path))
			assert.Equal(t, DefaultConfig(), cm.GetConfig(), "failed load keeps previous config")
		})
	}

	path := writeFile(t, t.TempDir(), "c.toml", "x = 1")
	assert.Error(t, NewConfigManager(nil).LoadConfig(path))
}

func TestLoadConfig_SystemClockNeedsNoAddress(t *testing.T) {
	path := writeFile(t, t.TempDir(), "c.yaml", "clock:\n  kind: system\n  address: \"\"\n")
	require.NoError(t, NewConfigManager(nil).LoadConfig(path))

	path = writeFile(t, t.TempDir(), "c.yaml", "clock:\n  kind: net\n  address: \"\"\n")
	assert.Error(t, NewConfigManager(nil).LoadConfig(path))
}

func TestLoadConfig_BadEnvValue(t *testing.T) {
	t.Setenv("SYNCSTREAM_RTSP_SESSION_TIMEOUT", "forever")
	assert.Error(t, NewConfigManager(nil).LoadConfig(""))
}

func TestResolvePath(t *testing.T) {
	t.Setenv(PathEnv, "")
	assert.Equal(t, DefaultPath, ResolvePath())
	t.Setenv(PathEnv, "/etc/syncstream.yaml")
	assert.Equal(t, "/etc/syncstream.yaml", ResolvePath())
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "syncstream.yaml")
	cm := NewConfigManager(nil)
	require.NoError(t, cm.LoadConfig(path))
	require.NoError(t, cm.SaveConfig())

	again := NewConfigManager(nil)
	require.NoError(t, again.LoadConfig(path))
	assert.Equal(t, cm.GetConfig(), again.GetConfig())
}

func TestClockOptions(t *testing.T) {
	cfg := DefaultConfig().Clock
	cfg.Kind = "net"
	cfg.Address = "10.0.0.2"
	cfg.Port = 8765
	opts := cfg.Options(nil)
	assert.Equal(t, clock.KindNet, opts.Kind)
	assert.Equal(t, "10.0.0.2", opts.Address)
	assert.Equal(t, 8765, opts.Port)
	assert.Equal(t, cfg.SyncThreshold, opts.SyncThreshold)
	assert.Equal(t, "0.0.0.0:8554", DefaultConfig().RTSP.Address())
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "syncstream.yaml", "rtsp:\n  port: 9000\n")

	cm := NewConfigManager(nil)
	require.NoError(t, cm.LoadConfig(path))

	type change struct{ old, new *Config }
	changes := make(chan change, 4)
	cm.AddWatcher(func(o, n *Config) { changes <- change{o, n} })

	require.NoError(t, cm.Watch(t.Context(), 20*time.Millisecond))
	// invalid content is ignored
	writeFile(t, dir, "syncstream.yaml", "rtsp:\n  port: -1\n")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 9000, cm.GetConfig().RTSP.Port)

	writeFile(t, dir, "syncstream.yaml", "rtsp:\n  port: 9001\n")
	select {
	case c := <-changes:
		assert.Equal(t, 9000, c.old.RTSP.Port)
		assert.Equal(t, 9001, c.new.RTSP.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	assert.Equal(t, 9001, cm.GetConfig().RTSP.Port)
}

func TestWatchNeedsPath(t *testing.T) {
	assert.Error(t, NewConfigManager(nil).Watch(t.Context(), 0))
}
