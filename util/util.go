// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// IntSliceToCSV converts a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// ParseIntCSV is the inverse of IntSliceToCSV.  Spaces around the values
// and empty fields are ignored, so "6, 9," => []int{6,9}
func ParseIntCSV(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		i, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %q", s)
		}
		out = append(out, i)
	}
	return out, nil
}
