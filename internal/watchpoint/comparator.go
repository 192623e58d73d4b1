// Package watchpoint implements non-halting memory watchpoints using the
// ARM Cortex-M DWT (Data Watchpoint and Trace) comparator unit: the target
// keeps running, and the host polls each comparator's MATCHED bit instead
// of taking a debug-halt interrupt. Ported from original_source's
// dwt_watchpoint.py (ComparatorAllocator, DwtWatchpointDaemon) and
// cli/dwt/watch_cmd.py's allocate/start/stop lifecycle.
package watchpoint

import (
	"context"
	"fmt"
	"sync"

	"ebridge/internal/ebridgeerr"
)

// DWT register layout, fixed by the Cortex-M architecture (ARMv7-M
// Architecture Reference Manual, DWT section).
const (
	DWTCtrlAddr   = 0xE0001000
	DWTCompBase   = 0xE0001020
	DWTMaskBase   = 0xE0001024
	DWTFunctBase  = 0xE0001028
	DWTCompStride = 0x10

	dwtCtrlNumCompShift = 24
	dwtCtrlNumCompMask  = 0xF
)

// DWT_FUNCTn.FUNCTION field values selecting comparator mode.
const (
	FuncDisabled uint32 = 0x0
	FuncRead     uint32 = 0x5
	FuncWrite    uint32 = 0x6
	FuncRW       uint32 = 0x7
)

// DWT_FUNCTn.MATCHED is bit 24.
const FunctMatchedBit = 1 << 24

// Mode is the user-facing watch mode, mapped to a DWT FUNCTION value.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
	ModeRW    Mode = "rw"
)

func (m Mode) functionValue() uint32 {
	switch m {
	case ModeRead:
		return FuncRead
	case ModeWrite:
		return FuncWrite
	case ModeRW:
		return FuncRW
	default:
		return FuncDisabled
	}
}

// MemReadWriter is the minimal register access a comparator allocator
// needs: raw 32-bit reads and writes to the DWT's memory-mapped registers.
type MemReadWriter interface {
	ReadMemory(ctx context.Context, addr uint32, size int) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint32, data []byte) error
}

// Comparator is one allocated DWT slot.
type Comparator struct {
	Index       int
	WatchAddr   uint32
	Label       string
	Mode        Mode
	SizeBytes   int
	funcValue   uint32
}

func (c Comparator) compAddr() uint32   { return DWTCompBase + uint32(c.Index)*DWTCompStride }
func (c Comparator) maskAddr() uint32   { return DWTMaskBase + uint32(c.Index)*DWTCompStride }
func (c Comparator) functAddr() uint32  { return DWTFunctBase + uint32(c.Index)*DWTCompStride }

// maskForSize computes the DWT_MASKn ignore-bits field: log2(sizeBytes),
// so a 4-byte aligned word match ignores its low 2 address bits.
func maskForSize(sizeBytes int) uint32 {
	var mask uint32
	size := sizeBytes
	for size > 1 {
		mask++
		size >>= 1
	}
	return mask
}

// ComparatorAllocator tracks which of a target's NUMCOMP DWT comparator
// slots are in use. NUMCOMP is read from DWT_CTRL once, at construction.
type ComparatorAllocator struct {
	mem MemReadWriter

	mu       sync.Mutex
	numComp  int
	inUse    map[int]Comparator
}

// NewComparatorAllocator reads DWT_CTRL to discover how many comparators
// this target implements.
func NewComparatorAllocator(ctx context.Context, mem MemReadWriter) (*ComparatorAllocator, error) {
	raw, err := mem.ReadMemory(ctx, DWTCtrlAddr, 4)
	if err != nil {
		return nil, ebridgeerr.New("watchpoint.NewComparatorAllocator", ebridgeerr.TransportUnavailable, err)
	}
	ctrl := le32(raw)
	numComp := int((ctrl >> dwtCtrlNumCompShift) & dwtCtrlNumCompMask)
	return &ComparatorAllocator{mem: mem, numComp: numComp, inUse: make(map[int]Comparator)}, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func put32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// NumComparators reports the target's total DWT comparator count.
func (a *ComparatorAllocator) NumComparators() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numComp
}

// Allocate claims the first free comparator slot and programs its
// COMP/MASK/FUNCTION registers. Returns an ebridgeerr error of Kind
// Exhausted if every slot is in use.
func (a *ComparatorAllocator) Allocate(ctx context.Context, watchAddr uint32, label string, mode Mode, sizeBytes int) (Comparator, error) {
	a.mu.Lock()
	var freeIndex = -1
	for i := 0; i < a.numComp; i++ {
		if _, used := a.inUse[i]; !used {
			freeIndex = i
			break
		}
	}
	if freeIndex == -1 {
		a.mu.Unlock()
		return Comparator{}, ebridgeerr.New("watchpoint.ComparatorAllocator.Allocate", ebridgeerr.Exhausted,
			fmt.Errorf("all %d DWT comparators in use", a.numComp))
	}
	c := Comparator{
		Index:     freeIndex,
		WatchAddr: watchAddr,
		Label:     label,
		Mode:      mode,
		SizeBytes: sizeBytes,
		funcValue: mode.functionValue(),
	}
	a.inUse[freeIndex] = c
	a.mu.Unlock()

	if err := a.program(ctx, c); err != nil {
		a.mu.Lock()
		delete(a.inUse, freeIndex)
		a.mu.Unlock()
		return Comparator{}, err
	}
	return c, nil
}

func (a *ComparatorAllocator) program(ctx context.Context, c Comparator) error {
	if err := a.mem.WriteMemory(ctx, c.compAddr(), put32le(c.WatchAddr)); err != nil {
		return ebridgeerr.New("watchpoint.ComparatorAllocator.program", ebridgeerr.TransportUnavailable, err)
	}
	if err := a.mem.WriteMemory(ctx, c.maskAddr(), put32le(maskForSize(c.SizeBytes))); err != nil {
		return ebridgeerr.New("watchpoint.ComparatorAllocator.program", ebridgeerr.TransportUnavailable, err)
	}
	if err := a.mem.WriteMemory(ctx, c.functAddr(), put32le(c.funcValue)); err != nil {
		return ebridgeerr.New("watchpoint.ComparatorAllocator.program", ebridgeerr.TransportUnavailable, err)
	}
	return nil
}

// Release disables and frees a comparator slot, making it available again.
func (a *ComparatorAllocator) Release(ctx context.Context, index int) error {
	a.mu.Lock()
	_, used := a.inUse[index]
	if !used {
		a.mu.Unlock()
		return nil
	}
	delete(a.inUse, index)
	a.mu.Unlock()

	addr := DWTFunctBase + uint32(index)*DWTCompStride
	if err := a.mem.WriteMemory(ctx, addr, put32le(FuncDisabled)); err != nil {
		return ebridgeerr.New("watchpoint.ComparatorAllocator.Release", ebridgeerr.TransportUnavailable, err)
	}
	return nil
}

// InUse reports currently allocated comparator indices.
func (a *ComparatorAllocator) InUse() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	indices := make([]int, 0, len(a.inUse))
	for i := range a.inUse {
		indices = append(indices, i)
	}
	return indices
}
