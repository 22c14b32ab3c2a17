// Package breakpoint partitions viewport widths into contiguous ranges.
package breakpoint

import (
	"errors"
	"fmt"
	"math"
)

// Unbounded is the maximum width of the last range.
const Unbounded = math.MaxInt

var ErrInvalidBreakpoints = errors.New("invalid breakpoints")

// Range is an inclusive viewport width range.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (r Range) Contains(width int) bool {
	return width >= r.Min && width <= r.Max
}

// Partition turns strictly ascending positive breakpoints b1 < ... < bn into n+1 ranges
// [0,b1-1], [b1,b2-1], ..., [bn,Unbounded].
func Partition(breakpoints []int) ([]Range, error) {
	for i, b := range breakpoints {
		if b <= 0 {
			return nil, fmt.Errorf("%w: breakpoint[%d]=%d must be positive", ErrInvalidBreakpoints, i, b)
		}
		if i > 0 && b <= breakpoints[i-1] {
			return nil, fmt.Errorf("%w: breakpoint[%d]=%d must exceed %d", ErrInvalidBreakpoints, i, b, breakpoints[i-1])
		}
	}

	out := make([]Range, 0, len(breakpoints)+1)
	lo := 0
	for _, b := range breakpoints {
		out = append(out, Range{Min: lo, Max: b - 1})
		lo = b
	}
	out = append(out, Range{Min: lo, Max: Unbounded})
	return out, nil
}
