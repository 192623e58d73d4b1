package capture

import (
	"encoding/binary"
	"fmt"

	"ebridge/internal/ebridgeerr"
)

// Samples holds one channel's payload bytes reassembled into fixed-width
// numeric samples. There is no numpy in this ecosystem, so the equivalent
// of rtt_convert.py's to_numpy is a plain byte slice; callers pick the
// typed view (Uint8, Int16, Int32) that matches SampleWidth.
type Samples struct {
	Channel     uint8
	SampleWidth uint8
	Raw         []byte // trimmed to a multiple of SampleWidth
}

// Uint8 returns the samples reinterpreted as unsigned bytes. Valid only
// when SampleWidth == 1.
func (s Samples) Uint8() []uint8 {
	return append([]uint8(nil), s.Raw...)
}

// Int16 returns the samples reinterpreted as little-endian int16. Valid
// only when SampleWidth == 2.
func (s Samples) Int16() []int16 {
	out := make([]int16, len(s.Raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(s.Raw[i*2:]))
	}
	return out
}

// Int32 returns the samples reinterpreted as little-endian int32. Valid
// only when SampleWidth == 4.
func (s Samples) Int32() []int32 {
	out := make([]int32, len(s.Raw)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(s.Raw[i*4:]))
	}
	return out
}

// ToSamples reassembles every channel's frames in an .rttbin file into
// contiguous byte runs, trimmed to a whole number of samples at the given
// width (0 uses the file header's declared width). Ported from
// rtt_convert.py's to_numpy.
func ToSamples(srcPath string, sampleWidth uint8) (map[uint8]Samples, error) {
	reader, err := OpenFile(srcPath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	sw := sampleWidth
	if sw == 0 {
		sw = reader.Header.SampleWidth
	}
	if sw != 1 && sw != 2 && sw != 4 {
		return nil, ebridgeerr.New("capture.ToSamples", ebridgeerr.InvalidArgument,
			fmt.Errorf("unsupported sample width %d (must be 1, 2, or 4)", sw))
	}

	frames, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	byChannel := make(map[uint8][]byte)
	for _, f := range frames {
		byChannel[f.Channel] = append(byChannel[f.Channel], f.Payload...)
	}

	result := make(map[uint8]Samples, len(byChannel))
	for ch, raw := range byChannel {
		trim := len(raw) - (len(raw) % int(sw))
		result[ch] = Samples{Channel: ch, SampleWidth: sw, Raw: raw[:trim]}
	}
	return result, nil
}
