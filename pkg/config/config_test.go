package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleConfig = `
log_level: debug
metrics_addr: ":9100"
api_addr: "127.0.0.1:8080"

defaults:
  assoc_timeout: 25s
  auth_retries: 2
  dhcp_timeout: 45s
  probe_gateway: true

profiles:
  - name: office
    type: wired
    interface: eth0
    security_8021x:
      eap: [peap]
      identity: alice
      optional: false
    ip:
      method: auto
  - name: uplink
    type: pppoe
    interface: eth1
    pppoe:
      username: sub01
      service: isp
    ip:
      method: auto

autoconnect: [office]

secrets:
  office:
    password: hunter2
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linkd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, "127.0.0.1:8080", cfg.APIAddr)

	opts := cfg.Defaults.Options()
	assert.Equal(t, 25*time.Second, opts.AssocTimeout)
	assert.Equal(t, 2, opts.AuthRetries)
	assert.Equal(t, 45*time.Second, opts.DHCPTimeout)
	assert.True(t, opts.ProbeGateway)

	require.Len(t, cfg.Profiles, 2)
	office, ok := cfg.Profile("office")
	require.True(t, ok)
	assert.Equal(t, "eth0", office.Interface)
	require.NotNil(t, office.Security)
	assert.Equal(t, "alice", office.Security.Identity)

	entries := cfg.SecretEntries()
	require.Contains(t, entries, "office")
	assert.Equal(t, "hunter2", entries["office"]["password"])
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "profiles: []\n"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, ":8080", cfg.APIAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadProfile(t *testing.T) {
	_, err := Load(writeConfig(t, `
profiles:
  - name: broken
    type: tokenring
    interface: tr0
    ip:
      method: auto
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	_, err := Load(writeConfig(t, `
profiles:
  - name: twin
    type: wired
    interface: eth0
    ip: {method: disabled}
  - name: twin
    type: wired
    interface: eth1
    ip: {method: disabled}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateRejectsUnknownAutoconnect(t *testing.T) {
	_, err := Load(writeConfig(t, `
profiles: []
autoconnect: [ghost]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	_, err := Load(writeConfig(t, "log_level: loud\n"))
	assert.Error(t, err)
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	var (
		mu     sync.Mutex
		loaded []*Config
	)
	w := NewWatcher(path, zap.NewNop(), func(cfg *Config) {
		mu.Lock()
		loaded = append(loaded, cfg)
		mu.Unlock()
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o600))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(loaded) == 1 && loaded[0].LogLevel == "warn"
	}, 3*time.Second, 25*time.Millisecond)
}

func TestWatcherSkipsInvalidReload(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	var (
		mu    sync.Mutex
		count int
	)
	w := NewWatcher(path, zap.NewNop(), func(*Config) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("log_level: [not, a, level]\n"), 0o600))

	// Give the debounce window plenty of time to fire.
	time.Sleep(600 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}
