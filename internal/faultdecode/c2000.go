package faultdecode

import (
	"context"

	"ebridge/internal/regmap"
)

// C2000Decoder decodes TI C2000 fault state from its register map: NMI
// flags, reset cause, pending interrupts, and watchdog status, all read
// over the probe's memory interface — C2000 has no GDB-equivalent stop
// mode, so every read happens live via the chip's declared register
// groups. Ported from original_source's fault_decoders/c2000.py.
type C2000Decoder struct {
	chipMap regmap.Map
	read    MemReader
}

func NewC2000Decoder(chipMap regmap.Map, read MemReader) *C2000Decoder {
	return &C2000Decoder{chipMap: chipMap, read: read}
}

func (d *C2000Decoder) Name() string { return "TI C2000" }

func (d *C2000Decoder) FormatReport(r Report) string {
	return FormatReportText(d.Name(), r)
}

func (d *C2000Decoder) Analyze(ctx context.Context) (Report, error) {
	report := Report{Arch: "c2000", FaultRegisters: make(map[string]uint64)}

	var decoded []regmap.DecodedRegister
	decoded = append(decoded, d.readGroup(ctx, "fault_registers")...)
	decoded = append(decoded, d.readGroup(ctx, "watchdog")...)
	for _, dr := range decoded {
		report.FaultRegisters[dr.Name] = dr.RawValue
	}

	var nmiFlags, resetFlags []string
	var wdDisabled, wdFlag bool

	for _, dr := range decoded {
		switch {
		case dr.Name == "NMIFLG":
			nmiFlags = dr.ActiveFlags
			for _, flag := range nmiFlags {
				report.Faults = append(report.Faults, "NMI: "+flag)
			}
		case dr.Name == "NMISHDFLG":
			if dr.RawValue != 0 {
				report.Faults = append(report.Faults, "NMI shadow flags latched: "+dr.HexValue())
			}
		case dr.Name == "RESC":
			resetFlags = dr.ActiveFlags
			for _, flag := range resetFlags {
				report.Faults = append(report.Faults, "Reset cause: "+flag)
			}
		case dr.Name == "WDCR":
			for _, f := range dr.Fields {
				switch f.Name {
				case "WDDIS":
					wdDisabled = f.RawValue == 1
				case "WDFLG":
					wdFlag = f.RawValue == 1
				}
			}
		case len(dr.Name) >= 6 && dr.Name[:6] == "PIEIFR":
			if dr.RawValue != 0 {
				report.Faults = append(report.Faults, "Pending interrupts in "+dr.Name+": "+dr.HexValue())
			}
		}
	}

	report.Suggestions = c2000Suggestions(nmiFlags, resetFlags, wdDisabled, wdFlag)
	return report, nil
}

func (d *C2000Decoder) readGroup(ctx context.Context, groupName string) []regmap.DecodedRegister {
	group, ok := d.chipMap.Groups[groupName]
	if !ok {
		return nil
	}
	var out []regmap.DecodedRegister
	for _, name := range group.Order {
		reg := group.Registers[name]
		data, err := d.read(ctx, reg.Address, reg.Size)
		if err != nil {
			continue
		}
		dr, err := regmap.DecodeBytes(reg, data, nil)
		if err != nil {
			continue
		}
		out = append(out, dr)
	}
	return out
}

func c2000Suggestions(nmiFlags, resetFlags []string, wdDisabled, wdFlag bool) []string {
	var s []string
	has := func(list []string, name string) bool {
		for _, f := range list {
			if f == name {
				return true
			}
		}
		return false
	}

	if has(nmiFlags, "CLOCKFAIL") {
		s = append(s, "clock failure detected — check external crystal, verify CLKSRCCTL1 oscillator source, inspect PLL lock")
	}
	if has(nmiFlags, "RAMUNCERR") {
		s = append(s, "RAM uncorrectable ECC error — possible memory corruption, check for wild pointers or DMA overruns")
	}
	if has(nmiFlags, "FLUNCERR") {
		s = append(s, "flash uncorrectable ECC error — flash may be corrupted, try erasing and reflashing")
	}
	if has(nmiFlags, "PIEVECTERR") {
		s = append(s, "PIE vector fetch error — interrupt vector table corrupted, check for stack overflows or wild writes near 0x0D00")
	}
	if has(resetFlags, "WDRSN") || has(resetFlags, "NMIWDRSN") {
		s = append(s, "watchdog caused reset — firmware is not servicing the watchdog, check for infinite loops or blocked ISRs")
	}
	if wdFlag && !wdDisabled {
		s = append(s, "watchdog reset status flag is set — a watchdog reset occurred since last POR; service watchdog more frequently or increase prescaler")
	}
	if !wdDisabled {
		s = append(s, "watchdog is enabled (WDDIS=0)")
	} else {
		s = append(s, "watchdog is disabled (WDDIS=1) — consider enabling for production")
	}
	if len(s) == 0 {
		s = append(s, "no active faults detected — system appears healthy")
	}
	return s
}
