package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesPackageDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 115200, cfg.DefaultBaud)
	assert.Equal(t, 100, cfg.WatchpointPollHz)
	assert.Equal(t, 5, cfg.BootLoopThreshold)
	assert.Equal(t, 10, cfg.BackoffMaxRetries)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	Reset()
	t.Setenv("EBRIDGE_DEFAULT_BAUD", "9600")
	t.Setenv("EBRIDGE_WATCHPOINT_POLL_HZ", "250")
	t.Setenv("EBRIDGE_BACKOFF_MULTIPLIER", "1.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9600, cfg.DefaultBaud)
	assert.Equal(t, 250, cfg.WatchpointPollHz)
	assert.Equal(t, 1.5, cfg.BackoffMultiplier)
	Reset()
}

func TestLoadCachesResultUntilReset(t *testing.T) {
	Reset()
	t.Setenv("EBRIDGE_DEFAULT_BAUD", "4800")
	cfg1, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4800, cfg1.DefaultBaud)

	t.Setenv("EBRIDGE_DEFAULT_BAUD", "57600")
	cfg2, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4800, cfg2.DefaultBaud, "second Load should return cached config, not re-read env")
	Reset()
}

func TestParseEnvFileParsesKeyValuePairsAndSkipsComments(t *testing.T) {
	cfg := Default()
	parseEnvFile("# comment\nEBRIDGE_DEFAULT_BAUD=38400\n\nEBRIDGE_STUCK_TIMEOUT_S=120\n", &cfg)
	assert.Equal(t, 38400, cfg.DefaultBaud)
	assert.Equal(t, 120*time.Second, cfg.StuckTimeout)
}

func TestMustLoadIgnoresEmptyBaseDirEnv(t *testing.T) {
	Reset()
	t.Setenv("EBRIDGE_BASE_DIR", "")
	assert.NotPanics(t, func() { MustLoad() })
	Reset()
}
