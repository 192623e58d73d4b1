package converters

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"ebridge/internal/ebridgeerr"
)

var errNoBabeltrace = errors.New("babeltrace not found in PATH; install with: apt-get install babeltrace (or babeltrace2)")

var babeltraceLineRe = regexp.MustCompile(
	`^\[(\d{2}):(\d{2}):(\d{2})\.(\d+)\]\s+\([+\-]?[\d.]+\)\s+(\S+):(\S+):\s+(.*)$`)

var ctfFieldRe = regexp.MustCompile(`(\w+)\s*=\s*("(?:[^"\\]|\\.)*"|[^,}\s]+)`)

type ctfTraceEvent struct {
	PID  int            `json:"pid"`
	TID  int            `json:"tid"`
	TS   float64        `json:"ts"`
	Ph   string         `json:"ph"`
	Name string         `json:"name"`
	Cat  string         `json:"cat"`
	S    string         `json:"s,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// ExportCTFToPerfetto converts a CTF (Common Trace Format) trace to Chrome
// JSON by shelling out to the babeltrace CLI and parsing its text output.
func ExportCTFToPerfetto(ctx context.Context, inputPath, outputPath string) (Summary, error) {
	babeltrace, err := findBabeltrace()
	if err != nil {
		return Summary{}, ebridgeerr.New("converters.ExportCTFToPerfetto", ebridgeerr.ExternalToolMissing, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, babeltrace, inputPath)
	out, err := cmd.Output()
	if err != nil {
		return Summary{}, ebridgeerr.New("converters.ExportCTFToPerfetto", ebridgeerr.ExternalToolMissing, err)
	}

	events := parseBabeltraceOutput(string(out))

	metadata := []ctfTraceEvent{
		{PID: 1, TID: 0, Name: "process_name", Ph: "M", Cat: "__metadata",
			Args: map[string]any{"name": "CTF Trace"}},
	}
	tids := make(map[int]struct{})
	for _, e := range events {
		tids[e.TID] = struct{}{}
	}
	sorted := make([]int, 0, len(tids))
	for t := range tids {
		sorted = append(sorted, t)
	}
	sort.Ints(sorted)
	for _, t := range sorted {
		metadata = append(metadata, ctfTraceEvent{
			PID: 1, TID: t, Name: "thread_name", Ph: "M", Cat: "__metadata",
			Args: map[string]any{"name": "Thread " + strconv.Itoa(t)},
		})
	}

	doc := struct {
		TraceEvents     []ctfTraceEvent `json:"traceEvents"`
		DisplayTimeUnit string          `json:"displayTimeUnit"`
	}{
		TraceEvents:     append(metadata, events...),
		DisplayTimeUnit: "ms",
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return Summary{}, ebridgeerr.New("converters.ExportCTFToPerfetto", ebridgeerr.NotFound, err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(doc); err != nil {
		return Summary{}, ebridgeerr.New("converters.ExportCTFToPerfetto", ebridgeerr.FormatInvalid, err)
	}
	info, _ := f.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}

	return Summary{EventCount: len(events), OutputPath: outputPath, OutputBytes: size}, nil
}

func findBabeltrace() (string, error) {
	if path, err := exec.LookPath("babeltrace"); err == nil {
		return path, nil
	}
	if path, err := exec.LookPath("babeltrace2"); err == nil {
		return path, nil
	}
	return "", errNoBabeltrace
}

// parseBabeltraceOutput parses babeltrace's text output:
//
//	[HH:MM:SS.nanosec] (+offset) domain:event_name: { field = value, ... }
func parseBabeltraceOutput(output string) []ctfTraceEvent {
	var events []ctfTraceEvent
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := babeltraceLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		hours, _ := strconv.Atoi(m[1])
		minutes, _ := strconv.Atoi(m[2])
		seconds, _ := strconv.Atoi(m[3])
		nanosecStr := (m[4] + "000000000")[:9]
		nanosec, _ := strconv.ParseInt(nanosecStr, 10, 64)
		domain, eventName, fieldsStr := m[5], m[6], m[7]

		totalSeconds := int64(hours*3600 + minutes*60 + seconds)
		totalNanosec := totalSeconds*1_000_000_000 + nanosec
		tsUS := float64(totalNanosec) / 1000.0

		fields := parseCTFFields(fieldsStr)
		tid := 0
		if v, ok := fields["tid"]; ok {
			tid = toInt(v)
		} else if v, ok := fields["cpu_id"]; ok {
			tid = toInt(v)
		}

		events = append(events, ctfTraceEvent{
			PID: 1, TID: tid, TS: tsUS, Ph: "i", Name: eventName, Cat: domain, S: "g",
			Args: fields,
		})
	}
	return events
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// parseCTFFields parses a "{ key = value, ... }" field string into a map,
// converting numeric-looking values to int/float and stripping quotes from
// string values.
func parseCTFFields(fieldsStr string) map[string]any {
	fields := make(map[string]any)
	for _, m := range ctfFieldRe.FindAllStringSubmatch(fieldsStr, -1) {
		key, value := m[1], m[2]
		if strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			fields[key] = strings.Trim(value, `"`)
			continue
		}
		if n, err := strconv.Atoi(value); err == nil {
			fields[key] = n
			continue
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			fields[key] = f
			continue
		}
		fields[key] = value
	}
	return fields
}
