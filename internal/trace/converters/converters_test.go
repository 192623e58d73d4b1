package converters

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportSystemViewRequiresIDFPath(t *testing.T) {
	t.Setenv("IDF_PATH", "")
	os.Unsetenv("IDF_PATH")
	_, err := ExportSystemViewToPerfetto(context.Background(), "in.svdat", "out.json")
	require.Error(t, err)
}

func TestParseBabeltraceOutputExtractsEvents(t *testing.T) {
	line := `[00:00:01.123456789] (+0.000001234) kernel:sched_switch: { cpu_id = 0 }, { prev_comm = "swapper", tid = 42 }`
	events := parseBabeltraceOutput(line)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "sched_switch", e.Name)
	assert.Equal(t, "kernel", e.Cat)
	assert.Equal(t, "i", e.Ph)
	assert.Equal(t, 42, e.TID)
	assert.InDelta(t, 1_123_456.789, e.TS, 0.01)
}

func TestParseCTFFieldsHandlesQuotedAndNumericValues(t *testing.T) {
	fields := parseCTFFields(`cpu_id = 0, prev_comm = "swapper", duration = 1.5`)
	assert.Equal(t, 0, fields["cpu_id"])
	assert.Equal(t, "swapper", fields["prev_comm"])
	assert.Equal(t, 1.5, fields["duration"])
}

func TestParseBabeltraceOutputIgnoresUnmatchedLines(t *testing.T) {
	events := parseBabeltraceOutput("not a babeltrace line\nalso not one")
	assert.Empty(t, events)
}

func TestFindBabeltraceReturnsErrorWhenMissing(t *testing.T) {
	t.Setenv("PATH", "")
	_, err := findBabeltrace()
	assert.Error(t, err)
}
