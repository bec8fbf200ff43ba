package input

import "math"

// Accel is the relative pointer curve
//
//	f(d) = sign(d) * min(Max, (|d|*Slope)^2 + Min)
//
// Slope trades a flat low-sensitivity zone against a steep tail. A zero
// Slope disables the curve and deltas pass through unchanged. A zero Max
// leaves the curve bounded only by the int32 range.
type Accel struct {
	Slope float64
	Min   float64
	Max   float64
	// ScrollStep, when non-zero, replaces every wheel delta with a fixed
	// step in the delta's direction. Wheels never pass through the curve.
	ScrollStep int
}

// Apply runs one pointer delta through the curve.
func (a Accel) Apply(d int32) int32 {
	if a.Slope == 0 || d == 0 {
		return d
	}
	mag := math.Abs(float64(d)) * a.Slope
	v := mag*mag + a.Min
	if a.Max > 0 {
		v = math.Min(a.Max, v)
	}
	v = math.Min(math.Round(v), math.MaxInt32)
	if d < 0 {
		v = -v
	}
	return int32(v)
}

// Wheel returns the scroll delta to report for a raw wheel delta.
func (a Accel) Wheel(d int32) int32 {
	if a.ScrollStep == 0 || d == 0 {
		return d
	}
	if d < 0 {
		return -int32(a.ScrollStep)
	}
	return int32(a.ScrollStep)
}

// Axis rescales one absolute axis from its hardware range to [0, Max()].
type Axis struct {
	Min    int32
	Max    int32
	Invert bool
}

// Range returns the largest normalised value.
func (a Axis) Range() int32 {
	if a.Max <= a.Min {
		return 0
	}
	return a.Max - a.Min
}

// Normalize clamps v to the hardware range and shifts it to start at zero.
func (a Axis) Normalize(v int32) int32 {
	r := a.Range()
	if r == 0 {
		return 0
	}
	v = min(max(v, a.Min), a.Max) - a.Min
	if a.Invert {
		v = r - v
	}
	return v
}

// Scale maps a normalised value into [0, to].
func (a Axis) Scale(v, to int32) int32 {
	r := a.Range()
	if r == 0 {
		return 0
	}
	return int32(int64(a.Normalize(v)) * int64(to) / int64(r))
}
