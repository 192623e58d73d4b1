package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"ebridge/internal/capture"
	"ebridge/internal/ebridgeerr"
)

// Event is one Chrome JSON trace event. Fields follow the Trace Event
// Format phases this bridge emits: "X" (complete/duration), "C" (counter),
// "i" (instant), "M" (metadata).
type Event struct {
	PID  int            `json:"pid"`
	TID  int            `json:"tid"`
	TS   float64        `json:"ts"`
	Dur  float64        `json:"dur,omitempty"`
	Ph   string         `json:"ph"`
	Name string         `json:"name"`
	Cat  string         `json:"cat,omitempty"`
	S    string         `json:"s,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// Document is a complete Chrome JSON trace file.
type Document struct {
	TraceEvents     []Event `json:"traceEvents"`
	DisplayTimeUnit string  `json:"displayTimeUnit"`
}

// ERADSpan is a profiled function execution span, rendered as a duration
// event ("X").
type ERADSpan struct {
	Name      string
	StartUS   float64
	Duration  float64
	CPUCycles int64
}

// DLOGTrack is a sampled variable buffer, rendered as a counter track.
// SampleIntervalUS of 0 means "use the sample index as the timestamp".
type DLOGTrack struct {
	Name             string
	Values           []float64
	SampleIntervalUS float64
}

// LogEvent is a single timestamped log line, rendered as an instant event.
type LogEvent struct {
	TimestampUS float64
	Message     string
	Channel     string
}

// Exporter accumulates spans, counter tracks, and log events and renders
// them into one Chrome JSON document. Ported from
// analyzers/perfetto_export.py's PerfettoExporter.
type Exporter struct {
	processName string
	spans       []ERADSpan
	tracks      []DLOGTrack
	logs        []LogEvent
}

func NewExporter(processName string) *Exporter {
	if processName == "" {
		processName = "ebridge"
	}
	return &Exporter{processName: processName}
}

func (e *Exporter) AddSpan(s ERADSpan)        { e.spans = append(e.spans, s) }
func (e *Exporter) AddSpans(s []ERADSpan)     { e.spans = append(e.spans, s...) }
func (e *Exporter) AddTrack(t DLOGTrack)      { e.tracks = append(e.tracks, t) }
func (e *Exporter) AddTracks(t []DLOGTrack)   { e.tracks = append(e.tracks, t...) }
func (e *Exporter) AddLogEvent(l LogEvent)    { e.logs = append(e.logs, l) }
func (e *Exporter) AddLogEvents(l []LogEvent) { e.logs = append(e.logs, l...) }

// Build renders the accumulated data into a Document.
func (e *Exporter) Build() Document {
	var events []Event
	tidOf := make(map[string]int)
	nextTID := 1
	getTID := func(name string) int {
		if tid, ok := tidOf[name]; ok {
			return tid
		}
		tidOf[name] = nextTID
		nextTID++
		return tidOf[name]
	}

	for _, span := range e.spans {
		tid := getTID("erad:" + span.Name)
		events = append(events, Event{
			PID: 1, TID: tid, TS: span.StartUS, Dur: span.Duration,
			Ph: "X", Name: span.Name, Cat: "erad",
			Args: map[string]any{"cpu_cycles": span.CPUCycles, "duration_us": span.Duration},
		})
	}

	for _, track := range e.tracks {
		tid := getTID("dlog:" + track.Name)
		for i, v := range track.Values {
			ts := float64(i)
			if track.SampleIntervalUS > 0 {
				ts = float64(i) * track.SampleIntervalUS
			}
			events = append(events, Event{
				PID: 1, TID: tid, TS: ts, Ph: "C", Name: track.Name, Cat: "dlog",
				Args: map[string]any{track.Name: v},
			})
		}
	}

	for _, l := range e.logs {
		channel := l.Channel
		if channel == "" {
			channel = "serial"
		}
		tid := getTID("log:" + channel)
		name := l.Message
		if len(name) > 80 {
			name = name[:80]
		}
		events = append(events, Event{
			PID: 1, TID: tid, TS: l.TimestampUS, Ph: "i", Name: name, Cat: "log", S: "g",
			Args: map[string]any{"channel": channel, "raw": l.Message},
		})
	}

	metadata := []Event{
		{PID: 1, TID: 0, Name: "process_name", Ph: "M", Cat: "__metadata",
			Args: map[string]any{"name": e.processName}},
	}
	names := make([]string, 0, len(tidOf))
	for n := range tidOf {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return tidOf[names[i]] < tidOf[names[j]] })
	for _, name := range names {
		metadata = append(metadata, Event{
			PID: 1, TID: tidOf[name], Name: "thread_name", Ph: "M", Cat: "__metadata",
			Args: map[string]any{"name": name},
		})
	}

	return Document{
		TraceEvents:     append(metadata, events...),
		DisplayTimeUnit: "ms",
	}
}

// WriteSummary reports accumulated counts alongside an output location,
// mirroring the Python exporter's write() return dict.
type WriteSummary struct {
	ERADSpans   int
	DLOGTracks  int
	LogEvents   int
	TotalEvents int
	OutputPath  string
	OutputBytes int64
}

func (e *Exporter) Write(outputPath string) (WriteSummary, error) {
	f, err := os.Create(outputPath)
	if err != nil {
		return WriteSummary{}, ebridgeerr.New("trace.Exporter.Write", ebridgeerr.NotFound, err)
	}
	defer f.Close()

	doc := e.Build()
	if err := json.NewEncoder(f).Encode(doc); err != nil {
		return WriteSummary{}, ebridgeerr.New("trace.Exporter.Write", ebridgeerr.FormatInvalid, err)
	}
	info, err := f.Stat()
	var size int64
	if err == nil {
		size = info.Size()
	}
	return WriteSummary{
		ERADSpans: len(e.spans), DLOGTracks: len(e.tracks), LogEvents: len(e.logs),
		TotalEvents: len(doc.TraceEvents), OutputPath: outputPath, OutputBytes: size,
	}, nil
}

func (e *Exporter) WriteTo(w io.Writer) (WriteSummary, error) {
	doc := e.Build()
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		return WriteSummary{}, ebridgeerr.New("trace.Exporter.WriteTo", ebridgeerr.FormatInvalid, err)
	}
	return WriteSummary{
		ERADSpans: len(e.spans), DLOGTracks: len(e.tracks), LogEvents: len(e.logs),
		TotalEvents: len(doc.TraceEvents),
	}, nil
}

// RTTBinSummary reports the outcome of converting a capture file to a
// Perfetto trace.
type RTTBinSummary struct {
	FrameCount  int
	EventCount  int
	Channels    []int
	OutputPath  string
	OutputBytes int64
}

// RTTBinToPerfetto converts a .rttbin capture into a Chrome JSON trace:
// each line of reassembled channel text becomes an instant event plus a
// running per-channel message-count counter event, matching
// eab/cli/trace/perfetto.py's rttbin_to_perfetto.
func RTTBinToPerfetto(inputPath, outputPath string) (RTTBinSummary, error) {
	reader, err := capture.OpenFile(inputPath)
	if err != nil {
		return RTTBinSummary{}, err
	}
	defer reader.Close()

	var events []Event
	reassemblers := make(map[uint8]*lineReassembler)
	msgCounts := make(map[uint8]int)
	frameCount := 0

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			return RTTBinSummary{}, err
		}
		if frame == nil {
			break
		}
		frameCount++

		lr, ok := reassemblers[frame.Channel]
		if !ok {
			lr = &lineReassembler{}
			reassemblers[frame.Channel] = lr
		}

		for _, line := range lr.feed(frame.Payload) {
			if line == "" {
				continue
			}
			var tsUS float64
			if reader.Header.TimestampHz > 0 {
				tsUS = (float64(frame.Timestamp) / float64(reader.Header.TimestampHz)) * 1_000_000
			} else {
				tsUS = float64(frameCount) * 1000
			}

			msgCounts[frame.Channel]++
			name := line
			if len(name) > 80 {
				name = name[:80]
			}
			events = append(events, Event{
				PID: 1, TID: int(frame.Channel), TS: tsUS, Ph: "i",
				Name: name, Cat: "rtt", S: "g",
				Args: map[string]any{"channel": frame.Channel, "raw": line},
			})
			events = append(events, Event{
				PID: 1, TID: int(frame.Channel), TS: tsUS, Ph: "C",
				Name: fmt.Sprintf("messages_ch%d", frame.Channel),
				Args: map[string]any{fmt.Sprintf("ch%d_count", frame.Channel): msgCounts[frame.Channel]},
			})
		}
	}

	metadata := []Event{
		{PID: 1, TID: 0, Name: "process_name", Ph: "M", Cat: "__metadata",
			Args: map[string]any{"name": "RTT Trace"}},
	}
	channels := make([]int, 0, len(msgCounts))
	for ch := range msgCounts {
		channels = append(channels, int(ch))
	}
	sort.Ints(channels)
	for _, ch := range channels {
		metadata = append(metadata, Event{
			PID: 1, TID: ch, Name: "thread_name", Ph: "M", Cat: "__metadata",
			Args: map[string]any{"name": fmt.Sprintf("RTT Channel %d", ch)},
		})
	}

	doc := Document{TraceEvents: append(metadata, events...), DisplayTimeUnit: "ms"}

	f, err := os.Create(outputPath)
	if err != nil {
		return RTTBinSummary{}, ebridgeerr.New("trace.RTTBinToPerfetto", ebridgeerr.NotFound, err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(doc); err != nil {
		return RTTBinSummary{}, ebridgeerr.New("trace.RTTBinToPerfetto", ebridgeerr.FormatInvalid, err)
	}
	info, _ := f.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}

	return RTTBinSummary{
		FrameCount: frameCount, EventCount: len(events), Channels: channels,
		OutputPath: outputPath, OutputBytes: size,
	}, nil
}
