// Package temperature holds the Kelvin unit used for every reading.
package temperature

import "strconv"

// Kelvin is a temperature in K
type Kelvin float64

// Millikelvin returns k in mK
func (k Kelvin) Millikelvin() float64 {
	return float64(k) * 1e3
}

// String formats k in plain notation with enough digits for a
// dilution fridge, e.g. 0.0104213 K
func (k Kelvin) String() string {
	return k.Format() + " K"
}

// Format renders k without a unit suffix and without exponent notation,
// the form used in log files
func (k Kelvin) Format() string {
	return strconv.FormatFloat(float64(k), 'f', -1, 64)
}
