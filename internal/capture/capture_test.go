package capture

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterHeaderFields(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOptions{
		Channels:     []int{0, 1},
		SampleWidth:  2,
		SampleRateHz: 10000,
		TimestampHz:  1000,
		StartTimeUS:  123456789,
	})
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	raw := buf.Bytes()
	require.Len(t, raw, HeaderSize)
	assert.Equal(t, Magic, string(raw[0:4]))
	assert.Equal(t, uint8(Version), raw[4])
	assert.Equal(t, uint8(HeaderSize), raw[5])
	assert.Equal(t, uint8(2), raw[6]) // channel count
}

func TestRoundTripFramesPreserved(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOptions{Channels: []int{0}, SampleWidth: 1})
	require.NoError(t, err)

	require.NoError(t, w.WriteFrame(0, []byte("hello"), 1))
	require.NoError(t, w.WriteFrame(0, []byte{}, 2))
	require.NoError(t, w.WriteFrame(1, []byte{0xDE, 0xAD}, 3))
	require.NoError(t, w.Flush())

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	frames, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, "hello", string(frames[0].Payload))
	assert.Equal(t, uint32(1), frames[0].Timestamp)
	assert.Equal(t, uint8(0), frames[0].Channel)
	assert.Empty(t, frames[1].Payload)
	assert.Equal(t, []byte{0xDE, 0xAD}, frames[2].Payload)
	assert.Equal(t, uint8(1), frames[2].Channel)
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOptions{Channels: []int{0}})
	require.NoError(t, err)

	oversized := make([]byte, 65536)
	err = w.WriteFrame(0, oversized, 0)
	require.Error(t, err)
}

func TestReaderRejectsBadMagic(t *testing.T) {
	raw := make([]byte, HeaderSize)
	copy(raw[0:4], "XXXX")
	_, err := NewReader(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestReaderRejectsTruncatedHeader(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("RTTB")))
	assert.Error(t, err)
}

func TestReaderTreatsTruncatedTrailingFrameAsEOF(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOptions{Channels: []int{0}})
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(0, []byte("complete"), 0))
	require.NoError(t, w.Flush())

	// Append a truncated frame header (fewer than 7 bytes).
	buf.Write([]byte{0x01, 0x02})

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	frames, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "complete", string(frames[0].Payload))
}

func TestReaderTreatsTruncatedPayloadAsEOF(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOptions{Channels: []int{0}})
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	// Hand-craft a frame header claiming a 10-byte payload but supply none.
	var hdr [frameHeaderLen]byte
	hdr[5] = 10 // length low byte
	buf.Write(hdr[:])

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	frames, err := r.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestToCSVAndToSamplesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "cap.rttbin")

	w, err := CreateFile(src, WriterOptions{Channels: []int{0}, SampleWidth: 2, TimestampHz: 1000})
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(0, []byte{0x01, 0x00, 0x02, 0x00}, 500))
	require.NoError(t, w.Close())

	csvPath := filepath.Join(dir, "cap.csv")
	require.NoError(t, ToCSV(src, csvPath))
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "0.500000")

	samples, err := ToSamples(src, 2)
	require.NoError(t, err)
	require.Contains(t, samples, uint8(0))
	assert.Equal(t, []int16{1, 2}, samples[0].Int16())
}

func TestToWAVRequiresSampleRate(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "cap.rttbin")
	w, err := CreateFile(src, WriterOptions{Channels: []int{0}, SampleWidth: 2})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = ToWAV(src, filepath.Join(dir, "cap.wav"), ToWAVOptions{})
	assert.Error(t, err)
}

func TestToWAVWritesCanonicalHeader(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "cap.rttbin")
	w, err := CreateFile(src, WriterOptions{Channels: []int{0}, SampleWidth: 2, SampleRateHz: 8000})
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(0, []byte{0x01, 0x02}, 0))
	require.NoError(t, w.Close())

	dst := filepath.Join(dir, "cap.wav")
	require.NoError(t, ToWAV(src, dst, ToWAVOptions{}))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
}
