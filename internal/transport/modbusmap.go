package transport

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// A register-map file overrides the pulled register configuration for legacy
// Modbus meters whose maps never made it into the remote database. JSON or
// YAML, chosen by file extension:
//
//	fields:
//	  - name: energy_kwh
//	    source: holding
//	    type: u32
//	    address: 1100
//	    scale: 10
//	    wordOrder: LO_HI
//	    floatEndian: BE

type mapFile struct {
	Fields []mapField `json:"fields" yaml:"fields"`
}

type mapField struct {
	Name        string  `json:"name" yaml:"name"`
	Source      string  `json:"source" yaml:"source"`
	Type        string  `json:"type" yaml:"type"`
	Address     uint32  `json:"address" yaml:"address"`
	Scale       float64 `json:"scale" yaml:"scale"`
	WordOrder   string  `json:"wordOrder" yaml:"wordOrder"`
	FloatEndian string  `json:"floatEndian" yaml:"floatEndian"`
	Unit        string  `json:"unit" yaml:"unit"`
}

// LoadModbusMap reads and validates a register-map file into points ready for
// ReadMultiple.
func LoadModbusMap(path string) ([]Point, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read modbus map: %w", err)
	}

	var f mapFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &f)
	case ".json":
		err = json.Unmarshal(raw, &f)
	default:
		return nil, fmt.Errorf("modbus map %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse modbus map %s: %w", path, err)
	}
	if len(f.Fields) == 0 {
		return nil, fmt.Errorf("modbus map %s: no fields", path)
	}

	points := make([]Point, 0, len(f.Fields))
	seen := make(map[string]bool, len(f.Fields))
	for i, fld := range f.Fields {
		p, err := fld.toPoint()
		if err != nil {
			return nil, fmt.Errorf("modbus map %s: field %d: %w", path, i, err)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("modbus map %s: duplicate field %q", path, p.Name)
		}
		seen[p.Name] = true
		points = append(points, p)
	}
	return points, nil
}

func (f mapField) toPoint() (Point, error) {
	if f.Name == "" {
		return Point{}, fmt.Errorf("missing name")
	}

	var kind RegisterKind
	switch f.Source {
	case "holding", "":
		kind = KindHolding
	case "input":
		kind = KindInput
	default:
		return Point{}, fmt.Errorf("field %q: unknown source %q", f.Name, f.Source)
	}

	var typ ValueType
	switch f.Type {
	case "u16":
		typ = TypeU16
	case "u32":
		typ = TypeU32
	case "float32", "":
		typ = TypeFloat32
	default:
		return Point{}, fmt.Errorf("field %q: unknown type %q", f.Name, f.Type)
	}

	var words WordOrder
	switch f.WordOrder {
	case "HI_LO", "":
		words = WordHiLo
	case "LO_HI":
		words = WordLoHi
	default:
		return Point{}, fmt.Errorf("field %q: unknown wordOrder %q", f.Name, f.WordOrder)
	}

	var bytes ByteOrder
	switch f.FloatEndian {
	case "BE", "":
		bytes = ByteBE
	case "LE":
		bytes = ByteLE
	default:
		return Point{}, fmt.Errorf("field %q: unknown floatEndian %q", f.Name, f.FloatEndian)
	}

	if f.Scale < 0 {
		return Point{}, fmt.Errorf("field %q: negative scale", f.Name)
	}

	return Point{
		Name:      f.Name,
		Kind:      kind,
		Address:   f.Address,
		Type:      typ,
		Scale:     f.Scale,
		WordOrder: words,
		ByteOrder: bytes,
		Unit:      f.Unit,
	}, nil
}
