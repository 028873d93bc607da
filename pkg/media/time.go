package media

import (
	"fmt"
	"math"
	"math/big"
	"time"
)

// Time is a rational timestamp: Value / Scale seconds.
// A Time with Scale <= 0 is invalid, and is used to represent an absent timestamp.
type Time struct {
	Value int64 `json:"value"`
	Scale int32 `json:"scale"`
}

// InvalidTime represents "no timestamp", such as the decode timestamp of an already-decoded frame.
var InvalidTime = Time{}

func MakeTime(value int64, scale int32) Time {
	return Time{Value: value, Scale: scale}
}

// TimeFromSeconds converts seconds into a Time with the given scale, rounding to the nearest tick.
func TimeFromSeconds(seconds float64, scale int32) Time {
	return Time{Value: int64(math.Round(seconds * float64(scale))), Scale: scale}
}

func (t Time) IsValid() bool {
	return t.Scale > 0
}

func (t Time) Seconds() float64 {
	if !t.IsValid() {
		return 0
	}
	return float64(t.Value) / float64(t.Scale)
}

func (t Time) Duration() time.Duration {
	if !t.IsValid() {
		return 0
	}
	return time.Duration(rescale(t.Value, int64(t.Scale), int64(time.Second)))
}

// ConvertScale returns the same instant expressed in a different time scale.
// Rounding is to the nearest tick. Converting an invalid time returns an invalid time.
func (t Time) ConvertScale(scale int32) Time {
	if !t.IsValid() || scale <= 0 {
		return InvalidTime
	}
	if t.Scale == scale {
		return t
	}
	return Time{Value: rescale(t.Value, int64(t.Scale), int64(scale)), Scale: scale}
}

// Sub returns t - b, expressed in t's scale.
func (t Time) Sub(b Time) Time {
	if !t.IsValid() || !b.IsValid() {
		return InvalidTime
	}
	b = b.ConvertScale(t.Scale)
	return Time{Value: t.Value - b.Value, Scale: t.Scale}
}

// Add returns t + b, expressed in t's scale.
func (t Time) Add(b Time) Time {
	if !t.IsValid() || !b.IsValid() {
		return InvalidTime
	}
	b = b.ConvertScale(t.Scale)
	return Time{Value: t.Value + b.Value, Scale: t.Scale}
}

// Compare returns -1, 0, or +1. Both times must be valid.
func (t Time) Compare(b Time) int {
	// Cross multiply, so that we don't lose precision to rounding
	x := new(big.Int).Mul(big.NewInt(t.Value), big.NewInt(int64(b.Scale)))
	y := new(big.Int).Mul(big.NewInt(b.Value), big.NewInt(int64(t.Scale)))
	return x.Cmp(y)
}

func (t Time) Before(b Time) bool {
	return t.Compare(b) < 0
}

func (t Time) After(b Time) bool {
	return t.Compare(b) > 0
}

func (t Time) String() string {
	if !t.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%v/%v (%.3fs)", t.Value, t.Scale, t.Seconds())
}

// rescale computes round(v * to / from) without overflowing for typical media values.
func rescale(v, from, to int64) int64 {
	num := new(big.Int).Mul(big.NewInt(v), big.NewInt(to))
	den := big.NewInt(from)
	// round half away from zero
	half := new(big.Int).Quo(den, big.NewInt(2))
	if num.Sign() < 0 {
		num.Sub(num, half)
	} else {
		num.Add(num, half)
	}
	return num.Quo(num, den).Int64()
}
