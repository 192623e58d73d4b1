package faultdecode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ebridge/internal/regmap"
)

func memOf(values map[uint32]uint32) MemReader {
	return func(_ context.Context, addr uint32, size int) ([]byte, error) {
		v := values[addr]
		data := make([]byte, size)
		for i := 0; i < size && i < 4; i++ {
			data[i] = byte(v >> (8 * i))
		}
		return data, nil
	}
}

func TestCortexMBareMetalBusFaultPrecise(t *testing.T) {
	mem := memOf(map[uint32]uint32{
		addrCFSR:  cfsrPRECISERR | cfsrBFARVALID,
		addrHFSR:  hfsrFORCED,
		addrBFAR:  0x2000_0010,
		addrMMFAR: 0,
	})
	d := NewCortexMDecoder(regmap.Map{}, mem)
	report, err := d.Analyze(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cortex-m", report.Arch)
	assert.Contains(t, report.Faults, "BusFault: precise data bus error")
	found := false
	for _, s := range report.Suggestions {
		if s == "check memory access near BFAR=0x20000010" {
			found = true
		}
	}
	assert.True(t, found, "expected BFAR suggestion, got %v", report.Suggestions)
}

func TestCortexMNoFaultsReportsHealthy(t *testing.T) {
	mem := memOf(map[uint32]uint32{})
	d := NewCortexMDecoder(regmap.Map{}, mem)
	report, err := d.Analyze(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Faults)
	assert.Contains(t, report.Suggestions, "no active faults detected — system appears healthy")
}

func TestCortexMUsesSCBGroupWhenDeclared(t *testing.T) {
	scbMap := regmap.Map{
		GroupOrder: []string{"scb"},
		Groups: map[string]regmap.Group{
			"scb": {
				Order: []string{"CFSR"},
				Registers: map[string]regmap.Register{
					"CFSR": {Name: "CFSR", Address: 0xE000ED28, Size: 4},
				},
			},
		},
	}
	mem := memOf(map[uint32]uint32{0xE000ED28: cfsrDIVBYZERO})
	d := NewCortexMDecoder(scbMap, mem)
	report, err := d.Analyze(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(cfsrDIVBYZERO), report.FaultRegisters["CFSR"])
	assert.Contains(t, report.Faults, "UsageFault: divide by zero")
}

func c2000TestMap() regmap.Map {
	clockfailBit := 1
	nmiflg := regmap.Register{
		Name: "NMIFLG", Address: 0x7060, Size: 2,
		BitFields: []regmap.BitField{
			{Name: "CLOCKFAIL", Bit: &clockfailBit},
		},
	}
	wdcr := regmap.Register{Name: "WDCR", Address: 0x7029, Size: 2}
	wddisBit := 6
	wdflgBit := 7
	wdcr.BitFields = []regmap.BitField{
		{Name: "WDDIS", Bit: &wddisBit},
		{Name: "WDFLG", Bit: &wdflgBit},
	}
	resc := regmap.Register{Name: "RESC", Address: 0x5D80, Size: 4}
	wdrsnBit := 2
	resc.BitFields = []regmap.BitField{
		{Name: "WDRSN", Bit: &wdrsnBit},
	}

	return regmap.Map{
		Chip:       "f28003x",
		GroupOrder: []string{"fault_registers", "watchdog"},
		Groups: map[string]regmap.Group{
			"fault_registers": {
				Order:     []string{"NMIFLG", "RESC"},
				Registers: map[string]regmap.Register{"NMIFLG": nmiflg, "RESC": resc},
			},
			"watchdog": {
				Order:     []string{"WDCR"},
				Registers: map[string]regmap.Register{"WDCR": wdcr},
			},
		},
	}
}

func TestC2000DetectsClockFailAndWatchdogReset(t *testing.T) {
	m := c2000TestMap()
	mem := memOf(map[uint32]uint32{
		0x7060: 1 << 1, // CLOCKFAIL bit
		0x5D80: 1 << 2, // WDRSN bit
		0x7029: 0,      // WDDIS=0 (enabled), WDFLG=0
	})
	d := NewC2000Decoder(m, mem)
	report, err := d.Analyze(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c2000", report.Arch)
	assert.Contains(t, report.Faults, "NMI: CLOCKFAIL")
	assert.Contains(t, report.Faults, "Reset cause: WDRSN")

	foundClock := false
	foundWD := false
	for _, s := range report.Suggestions {
		if s == "clock failure detected — check external crystal, verify CLKSRCCTL1 oscillator source, inspect PLL lock" {
			foundClock = true
		}
		if s == "watchdog caused reset — firmware is not servicing the watchdog, check for infinite loops or blocked ISRs" {
			foundWD = true
		}
	}
	assert.True(t, foundClock)
	assert.True(t, foundWD)
}

func TestC2000HealthyReportsNoFaults(t *testing.T) {
	m := c2000TestMap()
	mem := memOf(map[uint32]uint32{
		0x7060: 0,
		0x5D80: 0,
		0x7029: 1 << 6, // WDDIS=1, disabled
	})
	d := NewC2000Decoder(m, mem)
	report, err := d.Analyze(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Faults)
	assert.Contains(t, report.Suggestions, "watchdog is disabled (WDDIS=1) — consider enabling for production")
}

func TestFormatReportTextIncludesSections(t *testing.T) {
	r := Report{
		Arch:           "cortex-m",
		Faults:         []string{"UsageFault: divide by zero"},
		FaultRegisters: map[string]uint64{"CFSR": 0x02000000},
		Suggestions:    []string{"check for unguarded division"},
	}
	out := FormatReportText("Cortex-M", r)
	assert.Contains(t, out, "Cortex-M Fault Analysis")
	assert.Contains(t, out, "UsageFault: divide by zero")
	assert.Contains(t, out, "CFSR")
	assert.Contains(t, out, "check for unguarded division")
}

func TestToJSONFormatsRegistersAsHex(t *testing.T) {
	r := Report{Arch: "c2000", FaultRegisters: map[string]uint64{"NMIFLG": 2}}
	j := ToJSON(r)
	assert.Equal(t, "c2000", j["arch"])
	assert.Equal(t, false, j["has_faults"])
	regs := j["registers"].(map[string]string)
	assert.Equal(t, "0x00000002", regs["NMIFLG"])
}

func TestDecodeESPBacktraceMatchesAddressPairs(t *testing.T) {
	d := NewBacktraceDecoder("", "esp32", "")
	text := "Backtrace:0x400d1234:0x3ffb5678 0x400d5678:0x3ffb9abc"
	result := d.Decode(context.Background(), text)
	assert.Equal(t, "esp-idf", result.Format)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, uint32(0x400d1234), result.Entries[0].Address)
	assert.Equal(t, uint32(0x3ffb5678), result.Entries[0].PCAddress)
	assert.True(t, result.Entries[0].HasPC)
}

func TestDecodeZephyrBacktraceMatchesFaultAddress(t *testing.T) {
	d := NewBacktraceDecoder("", "zephyr", "")
	text := "E: r15/pc:  0x00001234"
	result := d.Decode(context.Background(), text)
	assert.Equal(t, "zephyr", result.Format)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, uint32(0x1234), result.Entries[0].Address)
}

func TestDecodeGDBBacktraceParsesFunctionFileLine(t *testing.T) {
	d := NewBacktraceDecoder("", "arm", "")
	text := `#0  0x08001234 in my_handler () at main.c:42`
	result := d.Decode(context.Background(), text)
	assert.Equal(t, "gdb", result.Format)
	require.Len(t, result.Entries, 1)
	e := result.Entries[0]
	assert.Equal(t, "my_handler", e.Function)
	assert.Equal(t, "main.c", e.File)
	assert.Equal(t, 42, e.Line)
}

func TestDecodeUnrecognizedTextReturnsUnknownFormat(t *testing.T) {
	d := NewBacktraceDecoder("", "arm", "")
	result := d.Decode(context.Background(), "just a normal log line")
	assert.Equal(t, "unknown", result.Format)
	assert.NotEmpty(t, result.Error)
}

func TestFormatResultRendersUnresolvedFrames(t *testing.T) {
	d := NewBacktraceDecoder("", "arm", "")
	result := BacktraceResult{
		Format:  "zephyr",
		Entries: []BacktraceEntry{{Address: 0x1234, RawLine: "E: r15/pc: 0x00001234"}},
	}
	out := d.FormatResult(result, true)
	assert.Contains(t, out, "unresolved")
	assert.Contains(t, out, "E: r15/pc")
}
