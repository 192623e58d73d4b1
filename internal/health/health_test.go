package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestProcessLineDetectsBoot(t *testing.T) {
	r := NewRecovery(DefaultConfig(), nil, nil, fixedClock(time.Now()))
	r.ProcessLine("ESP-ROM:esp32s3-20210327")
	assert.Equal(t, StateBooting, r.Health().State)
}

func TestProcessLineDetectsCrash(t *testing.T) {
	r := NewRecovery(DefaultConfig(), nil, nil, fixedClock(time.Now()))
	r.ProcessLine("Guru Meditation Error: Core 0 panic'ed")
	h := r.Health()
	assert.Equal(t, StateCrashed, h.State)
	assert.Equal(t, 1, h.ConsecutiveCrashes)
}

func TestWatchdogLineDoesNotMatchUnrelatedText(t *testing.T) {
	r := NewRecovery(DefaultConfig(), nil, nil, fixedClock(time.Now()))
	r.ProcessLine("dog walked past the watchtower, all quiet")
	assert.Equal(t, StateUnknown, r.Health().State)
}

func TestWatchdogLineTriggersCrashState(t *testing.T) {
	r := NewRecovery(DefaultConfig(), nil, nil, fixedClock(time.Now()))
	r.ProcessLine("Task watchdog got triggered for CPU0")
	h := r.Health()
	assert.Equal(t, StateCrashed, h.State)
	assert.Equal(t, 1, h.ConsecutiveCrashes)
}

func TestRunningPatternResetsCrashCounter(t *testing.T) {
	r := NewRecovery(DefaultConfig(), nil, nil, fixedClock(time.Now()))
	r.ProcessLine("Guru Meditation Error")
	require.Equal(t, 1, r.Health().ConsecutiveCrashes)
	r.ProcessLine("I (512) main_task: Calling app_main()")
	h := r.Health()
	assert.Equal(t, StateRunning, h.State)
	assert.Equal(t, 0, h.ConsecutiveCrashes)
}

func TestBootLoopDetectionWithinOneMinuteWindow(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.BootLoopThreshold = 3
	clock := now
	r := NewRecovery(cfg, nil, nil, func() time.Time { return clock })

	for i := 0; i < 3; i++ {
		r.ProcessLine("ESP-ROM:esp32s3")
		clock = clock.Add(5 * time.Second)
	}
	assert.Equal(t, StateBootloop, r.Health().State)
}

func TestBootLoopNotTriggeredWhenBootsSpreadOut(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.BootLoopThreshold = 3
	clock := now
	r := NewRecovery(cfg, nil, nil, func() time.Time { return clock })

	for i := 0; i < 3; i++ {
		r.ProcessLine("ESP-ROM:esp32s3")
		clock = clock.Add(40 * time.Second)
	}
	assert.NotEqual(t, StateBootloop, r.Health().State)
}

func TestResetReasonParsed(t *testing.T) {
	r := NewRecovery(DefaultConfig(), nil, nil, fixedClock(time.Now()))
	r.ProcessLine("rst:0x1 (POWERON),boot:0x8 (SPI_FAST_FLASH_BOOT)")
	h := r.Health()
	assert.Equal(t, "POWERON", h.LastResetReason)
}

func TestNeedsRecoveryGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRecoveryAttempts = 2
	var resetCalls int
	reset := func(kind ResetKind) error { resetCalls++; return nil }
	r := NewRecovery(cfg, reset, nil, fixedClock(time.Now()))

	r.ProcessLine("Guru Meditation Error")
	require.True(t, r.NeedsRecovery())
	require.NoError(t, r.PerformRecovery(nil))

	r.ProcessLine("Guru Meditation Error")
	require.True(t, r.NeedsRecovery())
	require.NoError(t, r.PerformRecovery(nil))

	r.ProcessLine("Guru Meditation Error")
	assert.False(t, r.NeedsRecovery())
	assert.True(t, r.GaveUp())
	assert.Equal(t, 2, resetCalls)
}

func TestPerformRecoveryBootloopSequencesBootloaderThenHardReset(t *testing.T) {
	var kinds []ResetKind
	reset := func(kind ResetKind) error { kinds = append(kinds, kind); return nil }
	cfg := DefaultConfig()
	cfg.BootLoopThreshold = 1
	r := NewRecovery(cfg, reset, nil, fixedClock(time.Now()))

	r.ProcessLine("ESP-ROM:esp32s3")
	require.Equal(t, StateBootloop, r.Health().State)

	require.NoError(t, r.PerformRecovery(func(time.Duration) {}))
	assert.Equal(t, []ResetKind{ResetBootloader, ResetHard}, kinds)
}

func TestActivityBasedRunningFallback(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.ActivityThreshold = 3
	cfg.ActivityWindow = time.Minute
	clock := now
	r := NewRecovery(cfg, nil, nil, func() time.Time { return clock })

	for i := 0; i < 3; i++ {
		r.ProcessLine("some ordinary log line with no recognized pattern")
		clock = clock.Add(time.Second)
	}
	assert.Equal(t, StateRunning, r.Health().State)
}

func TestResetCountersClearsState(t *testing.T) {
	r := NewRecovery(DefaultConfig(), nil, nil, fixedClock(time.Now()))
	r.ProcessLine("Guru Meditation Error")
	require.NotEqual(t, StateUnknown, r.Health().State)

	r.ResetCounters()
	h := r.Health()
	assert.Equal(t, StateUnknown, h.State)
	assert.Equal(t, 0, h.ConsecutiveCrashes)
}

func TestDetectStateFromLineStandalone(t *testing.T) {
	state, ok := DetectStateFromLine("Backtrace: 0x4008 0x4009")
	require.True(t, ok)
	assert.Equal(t, StateCrashed, state)

	_, ok = DetectStateFromLine("totally unrelated line")
	assert.False(t, ok)
}
