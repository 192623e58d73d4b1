package watchpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMem is an in-memory register file for testing the allocator and
// poller without real hardware.
type fakeMem struct {
	mu   sync.Mutex
	regs map[uint32][]byte
}

func newFakeMem(numComp int) *fakeMem {
	m := &fakeMem{regs: make(map[uint32][]byte)}
	ctrl := uint32(numComp) << dwtCtrlNumCompShift
	m.regs[DWTCtrlAddr] = put32le(ctrl)
	return m
}

func (m *fakeMem) ReadMemory(_ context.Context, addr uint32, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.regs[addr]
	if !ok {
		return make([]byte, size), nil
	}
	out := make([]byte, size)
	copy(out, v)
	return out, nil
}

func (m *fakeMem) WriteMemory(_ context.Context, addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.regs[addr] = cp
	return nil
}

func TestAllocatorReadsNumComp(t *testing.T) {
	mem := newFakeMem(4)
	a, err := NewComparatorAllocator(context.Background(), mem)
	require.NoError(t, err)
	assert.Equal(t, 4, a.NumComparators())
}

func TestAllocateProgramsRegisters(t *testing.T) {
	mem := newFakeMem(2)
	a, err := NewComparatorAllocator(context.Background(), mem)
	require.NoError(t, err)

	c, err := a.Allocate(context.Background(), 0x20000100, "counter", ModeWrite, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Index)

	raw, _ := mem.ReadMemory(context.Background(), c.compAddr(), 4)
	assert.Equal(t, put32le(0x20000100), raw)

	funct, _ := mem.ReadMemory(context.Background(), c.functAddr(), 4)
	assert.Equal(t, put32le(FuncWrite), funct)
}

func TestAllocateExhaustsSlots(t *testing.T) {
	mem := newFakeMem(1)
	a, err := NewComparatorAllocator(context.Background(), mem)
	require.NoError(t, err)

	_, err = a.Allocate(context.Background(), 0x1000, "a", ModeWrite, 4)
	require.NoError(t, err)

	_, err = a.Allocate(context.Background(), 0x2000, "b", ModeWrite, 4)
	assert.Error(t, err)
}

func TestReleaseFreesSlotForReuse(t *testing.T) {
	mem := newFakeMem(1)
	a, err := NewComparatorAllocator(context.Background(), mem)
	require.NoError(t, err)

	c, err := a.Allocate(context.Background(), 0x1000, "a", ModeWrite, 4)
	require.NoError(t, err)

	require.NoError(t, a.Release(context.Background(), c.Index))
	assert.Empty(t, a.InUse())

	_, err = a.Allocate(context.Background(), 0x2000, "b", ModeRead, 2)
	assert.NoError(t, err)
}

func TestMaskForSize(t *testing.T) {
	assert.Equal(t, uint32(0), maskForSize(1))
	assert.Equal(t, uint32(1), maskForSize(2))
	assert.Equal(t, uint32(2), maskForSize(4))
}

func TestHighPollRateWarning(t *testing.T) {
	assert.False(t, HighPollRateWarning(100))
	assert.False(t, HighPollRateWarning(500))
	assert.True(t, HighPollRateWarning(501))
}

func TestPollOnceReadsWatchedValueOnMatch(t *testing.T) {
	mem := newFakeMem(1)
	comp := Comparator{Index: 0, WatchAddr: 0x20000100, Label: "counter", Mode: ModeWrite, SizeBytes: 4}
	require.NoError(t, mem.WriteMemory(context.Background(), comp.WatchAddr, put32le(0xdeadbeef)))
	require.NoError(t, mem.WriteMemory(context.Background(), comp.functAddr(), put32le(FuncWrite|FunctMatchedBit)))

	var out bytes.Buffer
	clockVal := uint64(1234)
	p := NewPoller(mem, comp, PollerOptions{}, &out, func() uint64 { return clockVal })

	p.pollOnce(context.Background())

	var ev Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &ev))
	assert.Equal(t, "hit", ev.Type)
	assert.Equal(t, "counter", ev.Label)
	assert.Equal(t, "0x20000100", ev.AddrHex)
	assert.Equal(t, "0xDEADBEEF", ev.ValueHex)
	assert.Equal(t, uint64(1), ev.HitCount)
	assert.Equal(t, clockVal, ev.TimeUnixUS)
}

func TestPollOnceSkipsWhenNotMatched(t *testing.T) {
	mem := newFakeMem(1)
	comp := Comparator{Index: 0, WatchAddr: 0x20000100, Label: "counter", Mode: ModeWrite, SizeBytes: 4}
	require.NoError(t, mem.WriteMemory(context.Background(), comp.functAddr(), put32le(FuncWrite)))

	var out bytes.Buffer
	p := NewPoller(mem, comp, PollerOptions{}, &out, func() uint64 { return 0 })
	p.pollOnce(context.Background())

	assert.Empty(t, out.Bytes())
	assert.Equal(t, uint64(0), p.hitCount)
}

func TestStartAndStopCountHits(t *testing.T) {
	mem := newFakeMem(1)
	comp := Comparator{Index: 0, WatchAddr: 0x20000100, Label: "counter", Mode: ModeWrite, SizeBytes: 4}
	require.NoError(t, mem.WriteMemory(context.Background(), comp.functAddr(), put32le(FuncWrite|FunctMatchedBit)))

	var out bytes.Buffer
	p := NewPoller(mem, comp, PollerOptions{PollHz: 1000}, &out, func() uint64 { return 0 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	time.Sleep(20 * time.Millisecond)

	count := p.Stop(500 * time.Millisecond)
	assert.GreaterOrEqual(t, count, uint64(1))
}

func TestRenderHaltingScript(t *testing.T) {
	out, err := RenderHaltingScript(HaltingScriptParams{
		Device: "NRF52840_XXAA", Interface: "SWD", SpeedKHz: 4000,
		AddrHex: "0x20000100", Mode: "write", SizeBytes: 4,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Connect NRF52840_XXAA 4000")
	assert.Contains(t, out, "SetBP 0x20000100 write 4")
}
