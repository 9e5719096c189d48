package transport

import (
	"math"
	"testing"
)

func TestDecode(t *testing.T) {
	f32 := math.Float32bits(230.5)
	hi, lo := uint16(f32>>16), uint16(f32)

	tests := []struct {
		name  string
		point Point
		words []uint16
		want  float64
	}{
		{"u16", Point{Name: "a", Type: TypeU16}, []uint16{1234}, 1234},
		{"u16 scaled", Point{Name: "a", Type: TypeU16, Scale: 10}, []uint16{1234}, 123.4},
		{"u32 hi_lo", Point{Name: "a", Type: TypeU32, WordOrder: WordHiLo}, []uint16{0x0001, 0x86A0}, 100000},
		{"u32 lo_hi", Point{Name: "a", Type: TypeU32, WordOrder: WordLoHi}, []uint16{0x86A0, 0x0001}, 100000},
		{"float32 hi_lo", Point{Name: "v", Type: TypeFloat32}, []uint16{hi, lo}, 230.5},
		{"float32 lo_hi", Point{Name: "v", Type: TypeFloat32, WordOrder: WordLoHi}, []uint16{lo, hi}, 230.5},
		{"float32 le bytes", Point{Name: "v", Type: TypeFloat32, ByteOrder: ByteLE},
			[]uint16{hi>>8 | hi<<8, lo>>8 | lo<<8}, 230.5},
		{"extra trailing words ignored", Point{Name: "a", Type: TypeU16}, []uint16{7, 9, 11}, 7},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.point, tc.words)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecodeRejectsShortInput(t *testing.T) {
	if _, err := Decode(Point{Name: "a", Type: TypeU32}, []uint16{1}); err == nil {
		t.Fatal("expected error for 1 word u32")
	}
}

func TestDecodeRejectsNonFiniteFloat(t *testing.T) {
	nan := math.Float32bits(float32(math.NaN()))
	_, err := Decode(Point{Name: "v", Type: TypeFloat32}, []uint16{uint16(nan >> 16), uint16(nan)})
	if err == nil {
		t.Fatal("expected error for NaN payload")
	}
}
