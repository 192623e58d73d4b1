package faultdecode

import (
	"context"
	"fmt"

	"ebridge/internal/regmap"
)

// Standard Cortex-M System Control Block fault registers, present on every
// ARMv7-M/ARMv8-M core regardless of vendor register-map JSON.
const (
	addrCFSR = 0xE000ED28 // Configurable Fault Status Register
	addrHFSR = 0xE000ED2C // HardFault Status Register
	addrMMFAR = 0xE000ED34 // MemManage Fault Address Register
	addrBFAR  = 0xE000ED38 // BusFault Address Register
)

// MemReader reads target memory; bound to a transport.Transport.ReadMemory
// by the ebridge regs command. Declared locally (rather than imported from
// internal/transport) to keep this package's dependency surface to just
// regmap, per the capability-interface convention used throughout.
type MemReader func(ctx context.Context, addr uint32, size int) ([]byte, error)

// CortexMDecoder decodes ARM Cortex-M fault state by reading the System
// Control Block fault registers directly over the probe link — resolving
// the exact register-read path left abstract by the original's GDB-text
// parsing approach. Reading SCB registers over the existing memory-access
// capability needs no external debugger process and works identically
// across every Transport backend.
type CortexMDecoder struct {
	chipMap regmap.Map
	read    MemReader
}

func NewCortexMDecoder(chipMap regmap.Map, read MemReader) *CortexMDecoder {
	return &CortexMDecoder{chipMap: chipMap, read: read}
}

func (d *CortexMDecoder) Name() string { return "Cortex-M" }

func (d *CortexMDecoder) FormatReport(r Report) string {
	return FormatReportText(d.Name(), r)
}

func (d *CortexMDecoder) Analyze(ctx context.Context) (Report, error) {
	report := Report{Arch: "cortex-m", FaultRegisters: make(map[string]uint64)}

	scb, hasSCB := d.chipMap.Groups["scb"]
	if !hasSCB {
		return d.analyzeBareMetal(ctx)
	}

	var decoded []regmap.DecodedRegister
	for _, name := range scb.Order {
		reg := scb.Registers[name]
		data, err := d.read(ctx, reg.Address, reg.Size)
		if err != nil {
			continue
		}
		dr, err := regmap.DecodeBytes(reg, data, nil)
		if err != nil {
			continue
		}
		report.FaultRegisters[reg.Name] = dr.RawValue
		decoded = append(decoded, dr)
	}

	report.Faults, report.Suggestions = interpretSCB(decoded)
	return report, nil
}

// analyzeBareMetal falls back to the fixed SCB addresses when the chip's
// register map doesn't declare an "scb" group (true of most vendor maps,
// which focus on peripherals rather than core architectural registers).
func (d *CortexMDecoder) analyzeBareMetal(ctx context.Context) (Report, error) {
	report := Report{Arch: "cortex-m", FaultRegisters: make(map[string]uint64)}

	cfsr, err := d.readWord(ctx, addrCFSR)
	if err == nil {
		report.FaultRegisters["CFSR"] = uint64(cfsr)
	}
	hfsr, err := d.readWord(ctx, addrHFSR)
	if err == nil {
		report.FaultRegisters["HFSR"] = uint64(hfsr)
	}
	mmfar, err := d.readWord(ctx, addrMMFAR)
	if err == nil {
		report.FaultRegisters["MMFAR"] = uint64(mmfar)
	}
	bfar, err := d.readWord(ctx, addrBFAR)
	if err == nil {
		report.FaultRegisters["BFAR"] = uint64(bfar)
	}

	report.Faults, report.Suggestions = interpretCFSR(cfsr, hfsr, mmfar, bfar)
	return report, nil
}

func (d *CortexMDecoder) readWord(ctx context.Context, addr uint32) (uint32, error) {
	data, err := d.read(ctx, addr, 4)
	if err != nil {
		return 0, err
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24, nil
}

// CFSR bit layout: MMFSR[7:0], BFSR[15:8], UFSR[31:16].
const (
	cfsrIACCVIOL = 1 << 0
	cfsrDACCVIOL = 1 << 1
	cfsrMUNSTKERR = 1 << 3
	cfsrMSTKERR   = 1 << 4
	cfsrMMARVALID = 1 << 7

	cfsrIBUSERR    = 1 << 8
	cfsrPRECISERR  = 1 << 9
	cfsrIMPRECISERR = 1 << 10
	cfsrUNSTKERR   = 1 << 11
	cfsrSTKERR     = 1 << 12
	cfsrBFARVALID  = 1 << 15

	cfsrUNDEFINSTR = 1 << 16
	cfsrINVSTATE   = 1 << 17
	cfsrINVPC      = 1 << 18
	cfsrNOCP       = 1 << 19
	cfsrUNALIGNED  = 1 << 24
	cfsrDIVBYZERO  = 1 << 25

	hfsrFORCED  = 1 << 30
	hfsrVECTTBL = 1 << 1
)

func interpretCFSR(cfsr, hfsr, mmfar, bfar uint32) ([]string, []string) {
	var faults, suggestions []string

	if hfsr&hfsrVECTTBL != 0 {
		faults = append(faults, "HardFault: vector table read fault")
	}
	if hfsr&hfsrFORCED != 0 && cfsr == 0 {
		faults = append(faults, "HardFault: forced (escalated fault, CFSR not yet latched)")
	}

	if cfsr&cfsrIACCVIOL != 0 {
		faults = append(faults, "MemManage: instruction access violation")
	}
	if cfsr&cfsrDACCVIOL != 0 {
		faults = append(faults, "MemManage: data access violation")
		if cfsr&cfsrMMARVALID != 0 {
			suggestions = append(suggestions, fmt.Sprintf("check memory access near MMFAR=0x%08X", mmfar))
		}
	}
	if cfsr&cfsrMSTKERR != 0 {
		faults = append(faults, "MemManage: stacking fault (stack overflow into protected region?)")
	}
	if cfsr&cfsrMUNSTKERR != 0 {
		faults = append(faults, "MemManage: unstacking fault")
	}

	if cfsr&cfsrIBUSERR != 0 {
		faults = append(faults, "BusFault: instruction bus error")
	}
	if cfsr&cfsrPRECISERR != 0 {
		faults = append(faults, "BusFault: precise data bus error")
		if cfsr&cfsrBFARVALID != 0 {
			suggestions = append(suggestions, fmt.Sprintf("check memory access near BFAR=0x%08X", bfar))
		}
	}
	if cfsr&cfsrIMPRECISERR != 0 {
		faults = append(faults, "BusFault: imprecise data bus error (address not captured — check recent DMA/writes)")
	}
	if cfsr&cfsrSTKERR != 0 {
		faults = append(faults, "BusFault: stacking fault (likely stack overflow)")
		suggestions = append(suggestions, "stack overflow suspected — check stack size and recursion depth")
	}
	if cfsr&cfsrUNSTKERR != 0 {
		faults = append(faults, "BusFault: unstacking fault")
	}

	if cfsr&cfsrUNDEFINSTR != 0 {
		faults = append(faults, "UsageFault: undefined instruction (corrupted code or bad function pointer?)")
		suggestions = append(suggestions, "undefined instruction — check for a corrupted function pointer or jump into data")
	}
	if cfsr&cfsrINVSTATE != 0 {
		faults = append(faults, "UsageFault: invalid EPSR state (attempted ARM-mode branch on Thumb-only core?)")
	}
	if cfsr&cfsrINVPC != 0 {
		faults = append(faults, "UsageFault: invalid PC load (EXC_RETURN corruption)")
	}
	if cfsr&cfsrNOCP != 0 {
		faults = append(faults, "UsageFault: no coprocessor (FPU use without enabling it?)")
	}
	if cfsr&cfsrUNALIGNED != 0 {
		faults = append(faults, "UsageFault: unaligned access")
	}
	if cfsr&cfsrDIVBYZERO != 0 {
		faults = append(faults, "UsageFault: divide by zero")
	}

	if len(faults) == 0 {
		suggestions = append(suggestions, "no active faults detected — system appears healthy")
	}

	return faults, suggestions
}

// interpretSCB builds fault/suggestion lists from a register-map-driven
// decode of the SCB group, falling back to the bare CFSR/HFSR bit layout
// when the chip's "scb" group happens to declare exactly those registers.
func interpretSCB(decoded []regmap.DecodedRegister) ([]string, []string) {
	var cfsr, hfsr, mmfar, bfar uint32
	for _, dr := range decoded {
		switch dr.Name {
		case "CFSR":
			cfsr = uint32(dr.RawValue)
		case "HFSR":
			hfsr = uint32(dr.RawValue)
		case "MMFAR":
			mmfar = uint32(dr.RawValue)
		case "BFAR":
			bfar = uint32(dr.RawValue)
		}
	}
	return interpretCFSR(cfsr, hfsr, mmfar, bfar)
}
