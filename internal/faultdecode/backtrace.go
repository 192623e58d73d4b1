package faultdecode

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"ebridge/internal/ebridgeerr"
	"ebridge/internal/toolchain"
)

// BacktraceEntry is a single backtrace address with its optional resolved
// source location, mirroring backtrace_patterns.py's BacktraceEntry.
type BacktraceEntry struct {
	Address   uint32
	PCAddress uint32 // stack pointer, ESP-IDF PC:SP pairs only
	HasPC     bool
	Function  string
	File      string
	Line      int
	RawLine   string
}

// BacktraceResult is the full decode of one backtrace text block.
type BacktraceResult struct {
	Entries []BacktraceEntry
	Format  string // "esp-idf", "zephyr", "gdb", or "unknown"
	Error   string
}

var (
	espBacktraceRe = regexp.MustCompile(`Backtrace:\s*((?:0x[0-9a-fA-F]+:0x[0-9a-fA-F]+\s*)+)`)
	espAddrPairRe  = regexp.MustCompile(`0x([0-9a-fA-F]+):0x([0-9a-fA-F]+)`)
	zephyrPCRe     = regexp.MustCompile(`(?i)r15/pc.*?:\s*0x([0-9a-fA-F]+)`)
	zephyrRegRe    = regexp.MustCompile(`(?i)^\s*E:\s*r\d+/\w+:\s*0x([0-9a-fA-F]+)`)
	gdbFrameRe     = regexp.MustCompile(`#\d+\s+(0x[0-9a-fA-F]+)\s+in\s+(\S+)\s*\([^)]*\)\s*at\s+(\S+):(\d+)`)
)

// BacktraceDecoder resolves backtrace addresses to source file:line using
// the toolchain's addr2line, auto-detecting ESP-IDF, Zephyr, or plain GDB
// backtrace text. Ported from original_source's eab/backtrace.py and
// backtrace_patterns.py.
type BacktraceDecoder struct {
	ELFPath       string
	Arch          string
	ToolchainPath string
}

func NewBacktraceDecoder(elfPath, arch, toolchainPath string) *BacktraceDecoder {
	return &BacktraceDecoder{ELFPath: elfPath, Arch: arch, ToolchainPath: toolchainPath}
}

// Decode detects the backtrace format present in text and resolves each
// address through addr2line.
func (d *BacktraceDecoder) Decode(ctx context.Context, text string) BacktraceResult {
	if m := espBacktraceRe.FindStringSubmatch(text); m != nil {
		return d.decodeESP(ctx, text, m[1])
	}
	if strings.Contains(text, "r15/pc") || zephyrRegRe.MatchString(text) {
		return d.decodeZephyr(ctx, text)
	}
	if gdbFrameRe.MatchString(text) {
		return d.decodeGDB(ctx, text)
	}
	return BacktraceResult{Format: "unknown", Error: "no recognized backtrace pattern found"}
}

func (d *BacktraceDecoder) decodeESP(ctx context.Context, text, addrList string) BacktraceResult {
	result := BacktraceResult{Format: "esp-idf"}
	pairs := espAddrPairRe.FindAllStringSubmatch(addrList, -1)
	for _, p := range pairs {
		pc, err1 := strconv.ParseUint(p[1], 16, 32)
		sp, err2 := strconv.ParseUint(p[2], 16, 32)
		if err1 != nil || err2 != nil {
			continue
		}
		entry := BacktraceEntry{Address: uint32(pc), PCAddress: uint32(sp), HasPC: true, RawLine: strings.TrimSpace(text)}
		d.resolve(ctx, &entry)
		result.Entries = append(result.Entries, entry)
	}
	if len(result.Entries) == 0 {
		result.Error = "matched ESP-IDF backtrace marker but found no address pairs"
	}
	return result
}

func (d *BacktraceDecoder) decodeZephyr(ctx context.Context, text string) BacktraceResult {
	result := BacktraceResult{Format: "zephyr"}
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		m := zephyrPCRe.FindStringSubmatch(line)
		if m == nil {
			m = zephyrRegRe.FindStringSubmatch(line)
		}
		if m == nil {
			continue
		}
		addr, err := strconv.ParseUint(m[1], 16, 32)
		if err != nil {
			continue
		}
		entry := BacktraceEntry{Address: uint32(addr), RawLine: line}
		d.resolve(ctx, &entry)
		result.Entries = append(result.Entries, entry)
	}
	if len(result.Entries) == 0 {
		result.Error = "matched Zephyr fault marker but found no resolvable address"
	}
	return result
}

func (d *BacktraceDecoder) decodeGDB(ctx context.Context, text string) BacktraceResult {
	result := BacktraceResult{Format: "gdb"}
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		m := gdbFrameRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(m[1], "0x"), 16, 32)
		if err != nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[4])
		result.Entries = append(result.Entries, BacktraceEntry{
			Address:  uint32(addr),
			Function: m[2],
			File:     m[3],
			Line:     lineNo,
			RawLine:  line,
		})
	}
	if len(result.Entries) == 0 {
		result.Error = "matched GDB frame marker but found no resolvable frame"
	}
	return result
}

// resolve fills in Function/File/Line via addr2line, leaving the entry
// unresolved (not an error) if no ELF path or toolchain binary is available.
func (d *BacktraceDecoder) resolve(ctx context.Context, e *BacktraceEntry) {
	if d.ELFPath == "" {
		return
	}
	addr2line, err := d.addr2lineBinary()
	if err != nil {
		return
	}
	cmd := exec.CommandContext(ctx, addr2line, "-f", "-C", "-e", d.ELFPath, fmt.Sprintf("0x%x", e.Address))
	out, err := cmd.Output()
	if err != nil {
		return
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return
	}
	e.Function = strings.TrimSpace(lines[0])
	file, lineNo := splitFileLine(strings.TrimSpace(lines[1]))
	e.File = file
	e.Line = lineNo
}

func splitFileLine(s string) (string, int) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, 0
	}
	file := s[:idx]
	lineStr := s[idx+1:]
	if i := strings.IndexByte(lineStr, ' '); i >= 0 {
		lineStr = lineStr[:i]
	}
	n, _ := strconv.Atoi(lineStr)
	return file, n
}

func (d *BacktraceDecoder) addr2lineBinary() (string, error) {
	if d.ToolchainPath != "" {
		return d.ToolchainPath, nil
	}
	name := "addr2line"
	switch d.Arch {
	case "esp32", "xtensa":
		name = "xtensa-esp32-elf-addr2line"
	case "riscv", "esp32c3":
		name = "riscv32-esp-elf-addr2line"
	case "arm", "nrf", "stm32", "zephyr":
		name = "arm-zephyr-eabi-addr2line"
	}
	path, err := toolchain.WhichOrSDK(name)
	if err != nil {
		return "", ebridgeerr.New("faultdecode.addr2lineBinary", ebridgeerr.ExternalToolMissing, err)
	}
	return path, nil
}

// FormatResult renders a BacktraceResult as plain text, one frame per line.
func (d *BacktraceDecoder) FormatResult(r BacktraceResult, showRaw bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backtrace format: %s\n", r.Format)
	if r.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", r.Error)
	}
	for i, e := range r.Entries {
		if e.Function != "" {
			fmt.Fprintf(&b, "  #%d 0x%08x in %s at %s:%d\n", i, e.Address, e.Function, e.File, e.Line)
		} else {
			fmt.Fprintf(&b, "  #%d 0x%08x (unresolved)\n", i, e.Address)
		}
		if showRaw && e.RawLine != "" {
			fmt.Fprintf(&b, "      %s\n", e.RawLine)
		}
	}
	return b.String()
}
