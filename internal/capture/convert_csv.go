package capture

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"ebridge/internal/ebridgeerr"
)

// ToCSV converts an .rttbin file at srcPath into a CSV at dstPath with
// columns timestamp, channel, payload_hex, payload_length. When the source
// file declares a nonzero TimestampHz, the timestamp column is rendered as
// fractional seconds instead of raw ticks, matching rtt_convert.py's to_csv.
func ToCSV(srcPath, dstPath string) error {
	reader, err := OpenFile(srcPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	frames, err := reader.ReadAll()
	if err != nil {
		return err
	}
	timestampHz := reader.Header.TimestampHz

	out, err := os.Create(dstPath)
	if err != nil {
		return ebridgeerr.New("capture.ToCSV", ebridgeerr.InvalidArgument, err)
	}
	defer out.Close()

	w := csv.NewWriter(out)
	if err := w.Write([]string{"timestamp", "channel", "payload_hex", "payload_length"}); err != nil {
		return ebridgeerr.New("capture.ToCSV", ebridgeerr.FormatInvalid, err)
	}
	for _, f := range frames {
		tsStr := strconv.FormatUint(uint64(f.Timestamp), 10)
		if timestampHz > 0 {
			tsStr = fmt.Sprintf("%.6f", float64(f.Timestamp)/float64(timestampHz))
		}
		row := []string{
			tsStr,
			strconv.Itoa(int(f.Channel)),
			hex.EncodeToString(f.Payload),
			strconv.Itoa(len(f.Payload)),
		}
		if err := w.Write(row); err != nil {
			return ebridgeerr.New("capture.ToCSV", ebridgeerr.FormatInvalid, err)
		}
	}
	w.Flush()
	return w.Error()
}
