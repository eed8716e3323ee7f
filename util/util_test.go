package util_test

import (
	"testing"

	"github.com/cryolab/cryoseq/util"
)

func TestIntSliceToCSV(t *testing.T) {
	inp := []int{1, 2, 3}
	expected := "1,2,3"
	out := util.IntSliceToCSV(inp)
	if expected != out {
		t.Errorf("expected %s got %s", expected, out)
	}
}

func TestParseIntCSV(t *testing.T) {
	out, err := util.ParseIntCSV(" 6, 9,,16 ")
	if err != nil {
		t.Fatal(err)
	}
	expected := []int{6, 9, 16}
	if len(out) != len(expected) {
		t.Fatalf("expected %v got %v", expected, out)
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Errorf("expected %d got %d", expected[i], out[i])
		}
	}
	if util.IntSliceToCSV(out) != "6,9,16" {
		t.Errorf("round trip gave %s", util.IntSliceToCSV(out))
	}
}

func TestParseIntCSVRejectsGarbage(t *testing.T) {
	_, err := util.ParseIntCSV("6,nine")
	if err == nil {
		t.Error("expected an error parsing a non-number")
	}
}
