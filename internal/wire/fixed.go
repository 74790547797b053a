package wire

import "math"

// Fixed is the protocol's signed 24.8 fixed-point number.
type Fixed int32

func FixedFromInt(v int) Fixed { return Fixed(int32(v) << 8) }

// FixedFromFloat rounds v to the nearest representable value.
func FixedFromFloat(v float64) Fixed { return Fixed(int32(math.Round(v * 256))) }

func (f Fixed) Float() float64 { return float64(f) / 256 }

// Int truncates toward zero.
func (f Fixed) Int() int { return int(f) / 256 }
