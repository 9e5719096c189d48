package transport

import (
	"fmt"
	"math"
)

// Decode converts raw register words into an engineering value according to
// the point's type, word order, byte endianness, and scale divisor.
func Decode(p Point, words []uint16) (float64, error) {
	need := int(p.Type.WordCount())
	if len(words) < need {
		return 0, fmt.Errorf("decode %s: need %d words, got %d", p.Name, need, len(words))
	}

	w := make([]uint16, need)
	copy(w, words[:need])
	if p.ByteOrder == ByteLE {
		for i := range w {
			w[i] = w[i]>>8 | w[i]<<8
		}
	}
	if need == 2 && p.WordOrder == WordLoHi {
		w[0], w[1] = w[1], w[0]
	}

	var raw float64
	switch p.Type {
	case TypeU16:
		raw = float64(w[0])
	case TypeU32:
		raw = float64(uint32(w[0])<<16 | uint32(w[1]))
	case TypeFloat32:
		bits := uint32(w[0])<<16 | uint32(w[1])
		f := math.Float32frombits(bits)
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return 0, fmt.Errorf("decode %s: non-finite float32", p.Name)
		}
		raw = float64(f)
	default:
		return 0, fmt.Errorf("decode %s: unsupported type %q", p.Name, p.Type)
	}

	scale := p.Scale
	if scale == 0 {
		scale = 1
	}
	return raw / scale, nil
}
