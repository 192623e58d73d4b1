package regmap

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"ebridge/internal/ebridgeerr"
)

// jsonBitField mirrors the on-disk chip-definition schema for one bit
// field. Either Bit or Bits (but not both) must be present, matching the
// register_maps/__init__.py loader's validation.
type jsonBitField struct {
	Name                string            `json:"name"`
	Bit                 *int              `json:"bit,omitempty"`
	Bits                *[2]int           `json:"bits,omitempty"`
	Description         string            `json:"description,omitempty"`
	Values              map[string]string `json:"values,omitempty"`
	WriteToClearMatched bool              `json:"write_to_clear_matched,omitempty"`
}

type jsonRegister struct {
	Name        string         `json:"name"`
	Address     string         `json:"address"` // hex string, e.g. "0xE000ED28"
	Size        int            `json:"size"`
	Description string         `json:"description,omitempty"`
	BitFields   []jsonBitField `json:"bit_fields,omitempty"`
}

type jsonGroup struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Registers   []jsonRegister `json:"registers"`
}

type jsonMap struct {
	Chip                string      `json:"chip"`
	Family              string      `json:"family"`
	CPUFreqHz           uint64      `json:"cpu_freq_hz,omitempty"`
	WriteToClearMatched bool        `json:"write_to_clear_matched,omitempty"`
	Groups              []jsonGroup `json:"groups"`
}

// LoadFile reads and validates a chip register-map definition from path.
func LoadFile(path string) (Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return Map{}, ebridgeerr.New("regmap.LoadFile", ebridgeerr.NotFound, err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses and validates a chip register-map definition from r.
func Load(r io.Reader) (Map, error) {
	var jm jsonMap
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&jm); err != nil {
		return Map{}, ebridgeerr.New("regmap.Load", ebridgeerr.FormatInvalid, err)
	}
	return buildMap(jm)
}

func buildMap(jm jsonMap) (Map, error) {
	m := Map{
		Chip:                jm.Chip,
		Family:              jm.Family,
		CPUFreqHz:           jm.CPUFreqHz,
		WriteToClearMatched: jm.WriteToClearMatched,
		Groups:              make(map[string]Group, len(jm.Groups)),
	}

	for _, jg := range jm.Groups {
		if _, dup := m.Groups[jg.Name]; dup {
			return Map{}, ebridgeerr.New("regmap.Load", ebridgeerr.FormatInvalid,
				fmt.Errorf("duplicate group %q", jg.Name))
		}
		group := Group{
			Name:        jg.Name,
			Description: jg.Description,
			Registers:   make(map[string]Register, len(jg.Registers)),
		}
		for _, jr := range jg.Registers {
			if _, dup := group.Registers[jr.Name]; dup {
				return Map{}, ebridgeerr.New("regmap.Load", ebridgeerr.FormatInvalid,
					fmt.Errorf("duplicate register %q in group %q", jr.Name, jg.Name))
			}
			addr, err := parseHexAddress(jr.Address)
			if err != nil {
				return Map{}, ebridgeerr.New("regmap.Load", ebridgeerr.FormatInvalid, err)
			}
			size := jr.Size
			if size == 0 {
				size = 4
			}
			reg := Register{
				Name:        jr.Name,
				Address:     addr,
				Size:        size,
				Description: jr.Description,
			}
			for _, jbf := range jr.BitFields {
				bf := BitField{
					Name:                jbf.Name,
					Bit:                 jbf.Bit,
					Bits:                jbf.Bits,
					Description:         jbf.Description,
					Values:              jbf.Values,
					WriteToClearMatched: jbf.WriteToClearMatched,
				}
				if err := bf.Validate(size); err != nil {
					return Map{}, ebridgeerr.New("regmap.Load", ebridgeerr.FormatInvalid, err)
				}
				reg.BitFields = append(reg.BitFields, bf)
			}
			group.Order = append(group.Order, jr.Name)
			group.Registers[jr.Name] = reg
		}
		m.GroupOrder = append(m.GroupOrder, jg.Name)
		m.Groups[jg.Name] = group
	}

	return m, nil
}

func parseHexAddress(s string) (uint32, error) {
	var addr uint32
	_, err := fmt.Sscanf(s, "0x%x", &addr)
	if err != nil {
		_, err = fmt.Sscanf(s, "%x", &addr)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addr, nil
}
