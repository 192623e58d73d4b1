// Package trace builds Chrome JSON ("Perfetto") traces from capture data
// and converts third-party trace formats (SEGGER SystemView, CTF) into the
// same Chrome JSON shape so they all open in ui.perfetto.dev. Ported from
// original_source's eab/analyzers/perfetto_export.py and
// eab/cli/trace/{perfetto,converters/systemview,converters/ctf}.py.
package trace

import (
	"os"
	"path/filepath"
	"strings"
)

// Format identifies the on-disk shape of a trace file a converter can read.
type Format string

const (
	FormatRTTBin      Format = "rttbin"
	FormatSystemView  Format = "systemview"
	FormatCTF         Format = "ctf"
	FormatPerfettoJSON Format = "perfetto-json"
	FormatUnknown     Format = "unknown"
)

// DetectFormat guesses a trace file's format from its extension and, for
// ambiguous cases, a short magic-byte sniff.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rttbin":
		return FormatRTTBin
	case ".svdat":
		return FormatSystemView
	case ".json":
		return FormatPerfettoJSON
	}

	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown
	}
	defer f.Close()

	magic := make([]byte, 4)
	if n, _ := f.Read(magic); n == 4 && string(magic) == "RTTB" {
		return FormatRTTBin
	}

	// CTF traces are directories (or metadata files) rather than a single
	// blob; a directory containing a "metadata" file is the strongest
	// extension-independent signal available without linking babeltrace.
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		if _, err := os.Stat(filepath.Join(path, "metadata")); err == nil {
			return FormatCTF
		}
	}

	return FormatUnknown
}

// lineReassembler splits a byte stream into complete newline-terminated
// lines, carrying a partial trailing line across calls so multi-byte UTF-8
// sequences are never split mid-codepoint at a frame boundary.
type lineReassembler struct {
	pending strings.Builder
}

func (lr *lineReassembler) feed(data []byte) []string {
	lr.pending.Write(data)
	text := lr.pending.String()
	lr.pending.Reset()

	var lines []string
	lastHadNewline := strings.HasSuffix(text, "\n")
	parts := strings.Split(text, "\n")
	if !lastHadNewline && len(parts) > 0 {
		lr.pending.WriteString(parts[len(parts)-1])
		parts = parts[:len(parts)-1]
	}
	for _, p := range parts {
		lines = append(lines, strings.TrimRight(p, "\r"))
	}
	return lines
}
