package regmap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bitPtr(n int) *int { return &n }

func TestBitFieldExtract(t *testing.T) {
	// Single bit 3 set in 0b1000.
	bf := BitField{Name: "EN", Bit: bitPtr(3)}
	assert.Equal(t, uint64(1), bf.Extract(0b1000))
	assert.Equal(t, uint64(0), bf.Extract(0b0100))

	// Bit range [4,7] extracts a nibble.
	rangeBf := BitField{Name: "MODE", Bits: &[2]int{4, 7}}
	assert.Equal(t, uint64(0xA), rangeBf.Extract(0xA5))
}

func TestBitFieldValidateExclusivity(t *testing.T) {
	neither := BitField{Name: "bad"}
	assert.Error(t, neither.Validate(4))

	both := BitField{Name: "bad", Bit: bitPtr(0), Bits: &[2]int{0, 1}}
	assert.Error(t, both.Validate(4))

	outOfRange := BitField{Name: "bad", Bit: bitPtr(40)}
	assert.Error(t, outOfRange.Validate(4))

	ok := BitField{Name: "ok", Bit: bitPtr(31)}
	assert.NoError(t, ok.Validate(4))
}

func TestBitFieldDecodeEnum(t *testing.T) {
	bf := BitField{
		Name: "RESET_REASON",
		Bits: &[2]int{0, 2},
		Values: map[string]string{
			"1": "power_on",
			"2": "watchdog",
		},
	}
	assert.Equal(t, "power_on", bf.Decode(0b001))
	assert.Equal(t, "watchdog", bf.Decode(0b010))
	assert.Equal(t, "unknown(5)", bf.Decode(0b101))
}

func TestBitFieldDecodePlainNumeric(t *testing.T) {
	bf := BitField{Name: "COUNT", Bits: &[2]int{0, 3}}
	assert.Equal(t, "5", bf.Decode(0b0101))
}

func TestRegisterActiveFlags(t *testing.T) {
	reg := Register{
		Name: "STATUS",
		Size: 4,
		BitFields: []BitField{
			{Name: "BUSY", Bit: bitPtr(0)},
			{Name: "ERROR", Bit: bitPtr(1)},
			{Name: "MODE", Bits: &[2]int{4, 5}, Values: map[string]string{"1": "run"}},
		},
	}
	flags := reg.ActiveFlags(0b0001)
	assert.Equal(t, []string{"BUSY"}, flags)

	flags = reg.ActiveFlags(0b0011)
	assert.ElementsMatch(t, []string{"BUSY", "ERROR"}, flags)
}

func TestDecodeRegisterHexValue(t *testing.T) {
	reg := Register{Name: "SCB_CFSR", Address: 0xE000ED28, Size: 4}
	dr := DecodeRegister(reg, 0xDEAD)
	assert.Equal(t, "0x0000DEAD", dr.HexValue())
}

func TestDecodeBytesLittleEndian(t *testing.T) {
	reg := Register{Name: "R", Size: 4}
	data := []byte{0xEF, 0xBE, 0xAD, 0xDE} // 0xDEADBEEF little-endian
	dr, err := DecodeBytes(reg, data, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEADBEEF), dr.RawValue)
}

func TestDecodeBytesShortReadZeroPadsOnTheRight(t *testing.T) {
	reg := Register{Name: "R", Size: 4}
	dr, err := DecodeBytes(reg, []byte{0x01, 0x02}, nil)
	require.NoError(t, err)
	// Little-endian: the two missing bytes are the most-significant ones,
	// so 0x01 0x02 zero-padded on the right decodes to 0x00000201.
	assert.Equal(t, uint64(0x00000201), dr.RawValue)
}

func TestDecodeBytesEmptyReadDecodesAsZero(t *testing.T) {
	reg := Register{Name: "R", Size: 4}
	dr, err := DecodeBytes(reg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), dr.RawValue)
}

func TestLoadValidatesAndBuilds(t *testing.T) {
	doc := `{
		"chip": "nrf52840",
		"family": "cortex-m4",
		"cpu_freq_hz": 64000000,
		"groups": [
			{
				"name": "reset",
				"registers": [
					{
						"name": "RESETREAS",
						"address": "0x40000400",
						"size": 4,
						"bit_fields": [
							{"name": "RESETPIN", "bit": 0},
							{"name": "DOG", "bit": 1}
						]
					}
				]
			}
		]
	}`
	m, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "nrf52840", m.Chip)

	reg, ok := m.Register("reset", "RESETREAS")
	require.True(t, ok)
	assert.Equal(t, uint32(0x40000400), reg.Address)
	assert.Len(t, reg.BitFields, 2)
}

func TestLoadRejectsDuplicateRegister(t *testing.T) {
	doc := `{
		"chip": "x", "family": "y",
		"groups": [{
			"name": "g",
			"registers": [
				{"name": "R", "address": "0x0", "size": 4},
				{"name": "R", "address": "0x4", "size": 4}
			]
		}]
	}`
	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestLoadRejectsBadBitField(t *testing.T) {
	doc := `{
		"chip": "x", "family": "y",
		"groups": [{
			"name": "g",
			"registers": [
				{"name": "R", "address": "0x0", "size": 4, "bit_fields": [
					{"name": "bad", "bit": 99}
				]}
			]
		}]
	}`
	_, err := Load(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestAllRegistersPreservesOrder(t *testing.T) {
	doc := `{
		"chip": "x", "family": "y",
		"groups": [
			{"name": "g1", "registers": [
				{"name": "A", "address": "0x0", "size": 4},
				{"name": "B", "address": "0x4", "size": 4}
			]},
			{"name": "g2", "registers": [
				{"name": "C", "address": "0x8", "size": 4}
			]}
		]
	}`
	m, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	regs := m.AllRegisters()
	require.Len(t, regs, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{regs[0].Name, regs[1].Name, regs[2].Name})
}
