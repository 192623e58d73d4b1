package watchpoint

import (
	"bytes"
	"fmt"
	"text/template"
)

// haltingScriptTemplate generates a vendor CLI script for the halting
// watchpoint fallback: when a target's probe backend can't poll MATCHED
// non-invasively (e.g. over the slow SubprocessTransport), a true hardware
// watchpoint with debug-halt is the only option. This trades the
// non-halting engine's transparency for guaranteed capture of the first
// hit, at the cost of stopping the target.
var haltingScriptTemplate = template.Must(template.New("halting-watch").Parse(
	`SelectInterface {{.Interface}}
Connect {{.Device}} {{.SpeedKHz}}
SetBP {{.AddrHex}} {{.Mode}} {{.SizeBytes}}
g
`))

// HaltingScriptParams parameterizes the halting watchpoint script.
type HaltingScriptParams struct {
	Device    string
	Interface string
	SpeedKHz  int
	AddrHex   string
	Mode      string
	SizeBytes int
}

// RenderHaltingScript produces the CLI script text for the given
// parameters, for handoff to SubprocessTransport-class backends.
func RenderHaltingScript(p HaltingScriptParams) (string, error) {
	var buf bytes.Buffer
	if err := haltingScriptTemplate.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("render halting watchpoint script: %w", err)
	}
	return buf.String(), nil
}

// HaltEvent is the single hit record a halting watchpoint produces — unlike
// the non-halting Poller's Event stream, there is exactly one, since the
// target stops at the breakpoint instead of continuing past it.
type HaltEvent struct {
	Type        string `json:"type"`
	Label       string `json:"label"`
	AddrHex     string `json:"addr"`
	Mode        string `json:"mode"`
	PC          uint32 `json:"pc"`
	TimeUnixUS  uint64 `json:"time_unix_us"`
	HaltReason  string `json:"halt_reason"`
}
