// Package faultdecode analyzes a target's fault state after a crash:
// Cortex-M reads its SCB fault registers and C2000 its NMI/reset/watchdog
// registers directly over the probe link, and both emit a
// FaultReport with plain-English suggestions. Ported from
// original_source's eab/fault_decoders package (FaultDecoder interface,
// FaultReport dataclass) and fault_decoders/c2000.py.
package faultdecode

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Report is the decoded fault state for one chip architecture.
type Report struct {
	Arch           string
	Faults         []string
	FaultRegisters map[string]uint64
	Suggestions    []string
}

// Decoder is the capability surface every architecture-specific fault
// decoder implements.
type Decoder interface {
	Name() string
	Analyze(ctx context.Context) (Report, error)
	FormatReport(Report) string
}

// FormatReportText renders a Report the same way across architectures:
// active faults, then register values in hex, then suggestions. Shared so
// CortexMDecoder and C2000Decoder don't each reimplement layout.
func FormatReportText(name string, r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s Fault Analysis ===\n\n", name)

	if len(r.Faults) == 0 {
		b.WriteString("No active faults detected.\n")
	} else {
		b.WriteString("Active Faults:\n")
		for _, f := range r.Faults {
			fmt.Fprintf(&b, "  - %s\n", f)
		}
	}

	b.WriteString("\nRegister Values:\n")
	names := make([]string, 0, len(r.FaultRegisters))
	for n := range r.FaultRegisters {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(&b, "  %-20s = 0x%08X\n", n, r.FaultRegisters[n])
	}

	if len(r.Suggestions) > 0 {
		b.WriteString("\nSuggestions:\n")
		for _, s := range r.Suggestions {
			fmt.Fprintf(&b, "  - %s\n", s)
		}
	}

	return b.String()
}

// ToJSON converts a Report to a JSON-friendly map, matching the
// to_json() shape of the Python fault decoders.
func ToJSON(r Report) map[string]any {
	registers := make(map[string]string, len(r.FaultRegisters))
	for name, val := range r.FaultRegisters {
		registers[name] = fmt.Sprintf("0x%08X", val)
	}
	return map[string]any{
		"arch":        r.Arch,
		"faults":      r.Faults,
		"registers":   registers,
		"suggestions": r.Suggestions,
		"has_faults":  len(r.Faults) > 0,
	}
}
