package capture

import (
	"encoding/binary"
	"fmt"
	"os"

	"ebridge/internal/ebridgeerr"
)

// ToWAVOptions overrides the source file's header values; a zero field
// falls back to the header.
type ToWAVOptions struct {
	Channel      uint8
	SampleRateHz uint32
	SampleWidth  uint8
}

// ToWAV extracts one channel of a .rttbin capture to a mono PCM WAV file.
// There is no WAV-writing library among this codebase's dependencies, so
// the 44-byte canonical RIFF/WAVE header is written directly — it is a
// fixed, well-documented format with no parsing ambiguity, unlike the
// capture format itself which has its own bespoke framing.
func ToWAV(srcPath, dstPath string, opts ToWAVOptions) error {
	reader, err := OpenFile(srcPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	sr := opts.SampleRateHz
	if sr == 0 {
		sr = reader.Header.SampleRateHz
	}
	sw := opts.SampleWidth
	if sw == 0 {
		sw = reader.Header.SampleWidth
	}
	if sr == 0 {
		return ebridgeerr.New("capture.ToWAV", ebridgeerr.InvalidArgument,
			fmt.Errorf("sample rate required for WAV (file header has 0)"))
	}
	if sw != 1 && sw != 2 && sw != 4 {
		return ebridgeerr.New("capture.ToWAV", ebridgeerr.InvalidArgument,
			fmt.Errorf("unsupported sample width for WAV: %d", sw))
	}

	frames, err := reader.ReadAll()
	if err != nil {
		return err
	}
	var raw []byte
	for _, f := range frames {
		if f.Channel == opts.Channel {
			raw = append(raw, f.Payload...)
		}
	}
	trim := len(raw) - (len(raw) % int(sw))
	raw = raw[:trim]

	out, err := os.Create(dstPath)
	if err != nil {
		return ebridgeerr.New("capture.ToWAV", ebridgeerr.InvalidArgument, err)
	}
	defer out.Close()

	if err := writeWAVHeader(out, sr, sw, len(raw)); err != nil {
		return ebridgeerr.New("capture.ToWAV", ebridgeerr.FormatInvalid, err)
	}
	if _, err := out.Write(raw); err != nil {
		return ebridgeerr.New("capture.ToWAV", ebridgeerr.FormatInvalid, err)
	}
	return nil
}

func writeWAVHeader(w *os.File, sampleRateHz uint32, sampleWidth uint8, dataLen int) error {
	const numChannels = 1
	byteRate := sampleRateHz * uint32(numChannels) * uint32(sampleWidth)
	blockAlign := uint16(numChannels) * uint16(sampleWidth)
	bitsPerSample := uint16(sampleWidth) * 8

	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+dataLen))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], numChannels)
	binary.LittleEndian.PutUint32(hdr[24:28], sampleRateHz)
	binary.LittleEndian.PutUint32(hdr[28:32], byteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], bitsPerSample)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataLen))

	_, err := w.Write(hdr[:])
	return err
}
