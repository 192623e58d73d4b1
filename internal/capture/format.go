// Package capture implements the binary capture file format (.rttbin) and
// the live capture engine that streams a transport's channels to disk.
// Ported byte-for-byte from original_source's rtt_binary.py: a fixed
// 64-byte header followed by length-prefixed frames.
package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"ebridge/internal/ebridgeerr"
)

const (
	Magic          = "RTTB"
	Version        = 1
	HeaderSize     = 64
	frameHeaderLen = 4 + 1 + 2 // timestamp(4) + channel(1) + length(2)
	maxPayloadLen  = 65535
)

// Header is the fixed 64-byte file preamble.
type Header struct {
	Version       uint8
	HeaderSize    uint8
	ChannelCount  uint8
	SampleWidth   uint8
	SampleRateHz  uint32
	TimestampHz   uint32
	StartTimeUnix uint64 // microseconds since epoch
	ChannelMask   uint32
}

func channelMask(channels []int) uint32 {
	var mask uint32
	for _, ch := range channels {
		mask |= 1 << uint(ch)
	}
	return mask
}

// WriterOptions configures a new capture file.
type WriterOptions struct {
	Channels     []int
	SampleWidth  uint8 // 1, 2, or 4; defaults to 2
	SampleRateHz uint32
	TimestampHz  uint32
	StartTimeUS  uint64 // caller-supplied, since this package may not call time.Now
}

// Writer appends frames to a .rttbin file.
type Writer struct {
	w          io.Writer
	closer     io.Closer
	frameCount int
	startTimeUS uint64
}

// NewWriter wraps an already-open io.Writer (e.g. *os.File) and writes the
// header immediately.
func NewWriter(w io.Writer, opts WriterOptions) (*Writer, error) {
	sw := opts.SampleWidth
	if sw == 0 {
		sw = 2
	}
	var header [HeaderSize]byte
	copy(header[0:4], Magic)
	header[4] = Version
	header[5] = HeaderSize
	header[6] = uint8(len(opts.Channels))
	header[7] = sw
	binary.LittleEndian.PutUint32(header[8:12], opts.SampleRateHz)
	binary.LittleEndian.PutUint32(header[12:16], opts.TimestampHz)
	binary.LittleEndian.PutUint64(header[16:24], opts.StartTimeUS)
	binary.LittleEndian.PutUint32(header[24:28], channelMask(opts.Channels))
	// bytes [28:64) stay zero-filled (reserved)

	if _, err := w.Write(header[:]); err != nil {
		return nil, ebridgeerr.New("capture.NewWriter", ebridgeerr.FormatInvalid, err)
	}
	return &Writer{w: w, startTimeUS: opts.StartTimeUS}, nil
}

// CreateFile opens path for writing and returns a Writer over it.
func CreateFile(path string, opts WriterOptions) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, ebridgeerr.New("capture.CreateFile", ebridgeerr.InvalidArgument, err)
	}
	bw := bufio.NewWriter(f)
	w, err := NewWriter(bw, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.w = bw
	w.closer = flushCloser{bw, f}
	return w, nil
}

type flushCloser struct {
	bw *bufio.Writer
	f  *os.File
}

func (fc flushCloser) Close() error {
	if err := fc.bw.Flush(); err != nil {
		fc.f.Close()
		return err
	}
	return fc.f.Close()
}

// WriteFrame appends one frame. Payloads over 65535 bytes are rejected,
// matching the frame header's 16-bit length field.
func (w *Writer) WriteFrame(channel uint8, payload []byte, timestamp uint32) error {
	if len(payload) > maxPayloadLen {
		return ebridgeerr.New("capture.Writer.WriteFrame", ebridgeerr.Oversize,
			fmt.Errorf("payload too large: %d bytes (max %d)", len(payload), maxPayloadLen))
	}
	var hdr [frameHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], timestamp)
	hdr[4] = channel
	binary.LittleEndian.PutUint16(hdr[5:7], uint16(len(payload)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return ebridgeerr.New("capture.Writer.WriteFrame", ebridgeerr.FormatInvalid, err)
	}
	if len(payload) > 0 {
		if _, err := w.w.Write(payload); err != nil {
			return ebridgeerr.New("capture.Writer.WriteFrame", ebridgeerr.FormatInvalid, err)
		}
	}
	w.frameCount++
	return nil
}

func (w *Writer) Flush() error {
	if f, ok := w.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

func (w *Writer) FrameCount() int     { return w.frameCount }
func (w *Writer) StartTimeUS() uint64 { return w.startTimeUS }

// Frame is one decoded record from a capture file.
type Frame struct {
	Timestamp uint32
	Channel   uint8
	Payload   []byte
}

// Reader reads frames sequentially from a .rttbin file.
type Reader struct {
	r      io.Reader
	closer io.Closer
	Header Header
}

// OpenFile opens path and validates its header.
func OpenFile(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ebridgeerr.New("capture.OpenFile", ebridgeerr.NotFound, err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader wraps r, reading and validating the 64-byte header immediately.
// A reader whose declared HeaderSize exceeds the fixed 64 bytes (a future
// format version) has the extra bytes skipped so older readers degrade
// gracefully instead of misparsing frames.
func NewReader(r io.Reader) (*Reader, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, ebridgeerr.New("capture.NewReader", ebridgeerr.FormatInvalid,
			fmt.Errorf("file too small for header: %w", err))
	}
	if string(raw[0:4]) != Magic {
		return nil, ebridgeerr.New("capture.NewReader", ebridgeerr.FormatInvalid,
			fmt.Errorf("invalid magic %q (expected %q)", raw[0:4], Magic))
	}
	version := raw[4]
	if version > Version {
		return nil, ebridgeerr.New("capture.NewReader", ebridgeerr.FormatInvalid,
			fmt.Errorf("unsupported version %d (max %d)", version, Version))
	}
	hdrSize := raw[5]
	h := Header{
		Version:       version,
		HeaderSize:    hdrSize,
		ChannelCount:  raw[6],
		SampleWidth:   raw[7],
		SampleRateHz:  binary.LittleEndian.Uint32(raw[8:12]),
		TimestampHz:   binary.LittleEndian.Uint32(raw[12:16]),
		StartTimeUnix: binary.LittleEndian.Uint64(raw[16:24]),
		ChannelMask:   binary.LittleEndian.Uint32(raw[24:28]),
	}

	if int(hdrSize) > HeaderSize {
		extra := make([]byte, int(hdrSize)-HeaderSize)
		if _, err := io.ReadFull(r, extra); err != nil {
			return nil, ebridgeerr.New("capture.NewReader", ebridgeerr.FormatInvalid, err)
		}
	}

	return &Reader{r: r, Header: h}, nil
}

// ReadFrame reads the next frame, returning (nil, nil) at a clean EOF
// (including a truncated trailing frame, which is treated as EOF rather
// than an error — a capture killed mid-write should still yield every
// complete frame it managed to flush).
func (rd *Reader) ReadFrame() (*Frame, error) {
	var hdr [frameHeaderLen]byte
	n, err := io.ReadFull(rd.r, hdr[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, nil
		}
		return nil, nil // partial frame header: treat as EOF, not corruption
	}
	timestamp := binary.LittleEndian.Uint32(hdr[0:4])
	channel := hdr[4]
	length := binary.LittleEndian.Uint16(hdr[5:7])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(rd.r, payload); err != nil {
			return nil, nil // truncated payload: same EOF treatment
		}
	}
	return &Frame{Timestamp: timestamp, Channel: channel, Payload: payload}, nil
}

// ReadAll reads every complete frame in the file.
func (rd *Reader) ReadAll() ([]Frame, error) {
	var frames []Frame
	for {
		f, err := rd.ReadFrame()
		if err != nil {
			return frames, err
		}
		if f == nil {
			return frames, nil
		}
		frames = append(frames, *f)
	}
}

func (rd *Reader) Close() error {
	if rd.closer != nil {
		return rd.closer.Close()
	}
	return nil
}
