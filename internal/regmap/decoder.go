package regmap

import (
	"encoding/binary"
	"fmt"

	"ebridge/internal/ebridgeerr"
)

// DecodedField is one bit field's decode result within a DecodedRegister.
type DecodedField struct {
	Name        string
	RawValue    uint64
	Decoded     string
	Description string
	IsFlag      bool
	IsSet       bool // meaningful only when IsFlag is true
}

// DecodedRegister is the full decode of one register's raw value.
type DecodedRegister struct {
	Name        string
	Address     uint32
	Size        int
	RawValue    uint64
	Description string
	Fields      []DecodedField
	ActiveFlags []string
}

// HexValue formats RawValue as a zero-padded hex string sized to the
// register's byte width, mirroring decoder.py's hex_value property.
func (d DecodedRegister) HexValue() string {
	return fmt.Sprintf("0x%0*X", d.Size*2, d.RawValue)
}

// DecodeRegister decodes a register's already-extracted raw value.
func DecodeRegister(reg Register, raw uint64) DecodedRegister {
	out := DecodedRegister{
		Name:        reg.Name,
		Address:     reg.Address,
		Size:        reg.Size,
		RawValue:    raw,
		Description: reg.Description,
		ActiveFlags: reg.ActiveFlags(raw),
	}
	for _, bf := range reg.BitFields {
		out.Fields = append(out.Fields, DecodedField{
			Name:        bf.Name,
			RawValue:    bf.Extract(raw),
			Decoded:     bf.Decode(raw),
			Description: bf.Description,
			IsFlag:      bf.IsFlag(),
			IsSet:       bf.IsFlag() && bf.Extract(raw) == 1,
		})
	}
	return out
}

// DecodeBytes decodes a register from a raw memory read. A short read (data
// shorter than reg.Size, e.g. a partial probe read cut off at a page
// boundary) is zero-padded on the right rather than rejected, matching
// bytes_to_int's behavior: the missing bytes are treated as zero rather than
// failing the whole register. order defaults to little-endian when nil,
// matching the Cortex-M and C2000 targets this bridge speaks to.
func DecodeBytes(reg Register, data []byte, order binary.ByteOrder) (DecodedRegister, error) {
	if order == nil {
		order = binary.LittleEndian
	}
	padded := data
	if len(data) < reg.Size {
		padded = make([]byte, reg.Size)
		copy(padded, data)
	}
	raw, err := bytesToUint(padded[:reg.Size], order)
	if err != nil {
		return DecodedRegister{}, ebridgeerr.New("regmap.DecodeBytes", ebridgeerr.InvalidArgument, err)
	}
	return DecodeRegister(reg, raw), nil
}

func bytesToUint(data []byte, order binary.ByteOrder) (uint64, error) {
	switch len(data) {
	case 1:
		return uint64(data[0]), nil
	case 2:
		return uint64(order.Uint16(data)), nil
	case 4:
		return uint64(order.Uint32(data)), nil
	case 8:
		return order.Uint64(data), nil
	default:
		// Non-power-of-two widths (e.g. 3-byte registers) assemble byte by
		// byte in the given order rather than rejecting outright.
		var v uint64
		if order == binary.BigEndian {
			for _, b := range data {
				v = (v << 8) | uint64(b)
			}
		} else {
			for i := len(data) - 1; i >= 0; i-- {
				v = (v << 8) | uint64(data[i])
			}
		}
		return v, nil
	}
}

// MemReader reads size bytes from a target address, e.g. a live probe
// transport or a captured memory dump.
type MemReader func(addr uint32, size int) ([]byte, error)

// DecodeGroup decodes every register in a group by reading its backing
// memory through read. A read failure on one register does not abort the
// rest of the group; its DecodedRegister is omitted, and the first such
// error is returned alongside the registers that did decode.
func DecodeGroup(group Group, read MemReader) ([]DecodedRegister, error) {
	var out []DecodedRegister
	var firstErr error
	for _, name := range group.Order {
		reg := group.Registers[name]
		data, err := read(reg.Address, reg.Size)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("register %q: %w", reg.Name, err)
			}
			continue
		}
		dr, err := DecodeBytes(reg, data, binary.LittleEndian)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, dr)
	}
	return out, firstErr
}
