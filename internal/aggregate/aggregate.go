// Package aggregate groups URL Metrics by viewport breakpoint and derives LCP elections
// and intersection views from them.
//
// Groups and collections are built per request and are not safe for concurrent use.
package aggregate

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoGroup         = errors.New("no group for viewport width")
)

// cached is one memoized derived view. The zero value is empty.
type cached[T any] struct {
	v  T
	ok bool
}

func (c *cached[T]) get(compute func() T) T {
	if !c.ok {
		c.v = compute()
		c.ok = true
	}
	return c.v
}
