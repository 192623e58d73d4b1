package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ebridge/internal/capture"
)

func TestExporterBuildIncludesAllEventKinds(t *testing.T) {
	e := NewExporter("test-process")
	e.AddSpan(ERADSpan{Name: "motor_isr", StartUS: 0, Duration: 25.5, CPUCycles: 3060})
	e.AddTrack(DLOGTrack{Name: "dBuff1", Values: []float64{1.0, 2.0, 3.0}})
	e.AddLogEvent(LogEvent{TimestampUS: 100.0, Message: "Boot complete"})

	doc := e.Build()
	assert.Equal(t, "ms", doc.DisplayTimeUnit)

	var hasX, hasC, hasI, hasM bool
	for _, ev := range doc.TraceEvents {
		switch ev.Ph {
		case "X":
			hasX = true
		case "C":
			hasC = true
		case "i":
			hasI = true
		case "M":
			hasM = true
		}
	}
	assert.True(t, hasX && hasC && hasI && hasM)
}

func TestExporterWriteProducesValidJSON(t *testing.T) {
	e := NewExporter("")
	e.AddLogEvent(LogEvent{TimestampUS: 1, Message: "hello"})
	path := filepath.Join(t.TempDir(), "trace.json")

	summary, err := e.Write(path)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.LogEvents)
	assert.Greater(t, summary.OutputBytes, int64(0))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.NotEmpty(t, doc.TraceEvents)
}

func TestRTTBinToPerfettoConvertsTextLines(t *testing.T) {
	dir := t.TempDir()
	rttPath := filepath.Join(dir, "capture.rttbin")

	w, err := capture.CreateFile(rttPath, capture.WriterOptions{
		Channels: []int{0}, TimestampHz: 1_000_000, StartTimeUS: 0,
	})
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(0, []byte("boot complete\npress any key\n"), 1000))
	require.NoError(t, w.Close())

	jsonPath := filepath.Join(dir, "out.json")
	summary, err := RTTBinToPerfetto(rttPath, jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FrameCount)
	assert.Equal(t, []int{0}, summary.Channels)
	assert.Greater(t, summary.EventCount, 0)

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))

	foundLine := false
	for _, ev := range doc.TraceEvents {
		if ev.Ph == "i" && ev.Name == "boot complete" {
			foundLine = true
		}
	}
	assert.True(t, foundLine)
}

func TestLineReassemblerCarriesPartialLineAcrossFeeds(t *testing.T) {
	lr := &lineReassembler{}
	lines := lr.feed([]byte("hello wor"))
	assert.Empty(t, lines)
	lines = lr.feed([]byte("ld\nsecond line\nthird-partial"))
	require.Len(t, lines, 2)
	assert.Equal(t, "hello world", lines[0])
	assert.Equal(t, "second line", lines[1])
}

func TestDetectFormatByExtensionAndMagic(t *testing.T) {
	dir := t.TempDir()

	rttPath := filepath.Join(dir, "x.rttbin")
	require.NoError(t, os.WriteFile(rttPath, []byte("RTTBxxxx"), 0o644))
	assert.Equal(t, FormatRTTBin, DetectFormat(rttPath))

	svPath := filepath.Join(dir, "x.svdat")
	require.NoError(t, os.WriteFile(svPath, []byte("whatever"), 0o644))
	assert.Equal(t, FormatSystemView, DetectFormat(svPath))

	unknownPath := filepath.Join(dir, "x.bin")
	require.NoError(t, os.WriteFile(unknownPath, []byte("nope"), 0o644))
	assert.Equal(t, FormatUnknown, DetectFormat(unknownPath))

	ctfDir := filepath.Join(dir, "ctftrace")
	require.NoError(t, os.Mkdir(ctfDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ctfDir, "metadata"), []byte("trace"), 0o644))
	assert.Equal(t, FormatCTF, DetectFormat(ctfDir))
}
