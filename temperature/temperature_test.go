package temperature

import (
	"fmt"
	"math"
	"testing"
)

func ExampleKelvin_String() {
	fmt.Println(Kelvin(0.0104213))
	// Output: 0.0104213 K
}

func TestMillikelvin(t *testing.T) {
	if got := Kelvin(0.015).Millikelvin(); math.Abs(got-15) > 1e-9 {
		t.Errorf("expected 15 mK, got %v", got)
	}
}

func TestFormatNoExponent(t *testing.T) {
	if got := Kelvin(0.0000125).Format(); got != "0.0000125" {
		t.Errorf("expected plain notation, got %s", got)
	}
}
