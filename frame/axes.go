// Package frame maps between a device's axis reporting order and the
// filter's working frame. The filter treats its first two axes as the
// horizontal plane (heading rotates x/y) and the third as vertical.
package frame

import (
	"fmt"
	"strings"
)

// Axes records, for each filter axis, which device component feeds it.
// Axes{1, 2, 0} means filter x = device y, filter y = device z and
// filter z = device x.
type Axes [3]int

// Identity is the pass-through order.
var Identity = Axes{0, 1, 2}

// Parse reads an order string such as "xyz" or "yzx". Letter i names the
// device component used as filter axis i.
func Parse(s string) (Axes, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 3 {
		return Axes{}, fmt.Errorf("axis order %q: need three letters", s)
	}
	var a Axes
	var seen [3]bool
	for i, c := range s {
		idx := strings.IndexRune("xyz", c)
		if idx < 0 {
			return Axes{}, fmt.Errorf("axis order %q: unknown axis %q", s, c)
		}
		if seen[idx] {
			return Axes{}, fmt.Errorf("axis order %q: axis %q repeated", s, c)
		}
		seen[idx] = true
		a[i] = idx
	}
	return a, nil
}

// MustParse is Parse for constant orders.
func MustParse(s string) Axes {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ToFilter reorders a device triple into filter order.
func (a Axes) ToFilter(d0, d1, d2 float64) (x, y, z float64) {
	d := [3]float64{d0, d1, d2}
	return d[a[0]], d[a[1]], d[a[2]]
}

// FromFilter reorders a filter triple back into device order.
func (a Axes) FromFilter(x, y, z float64) (d0, d1, d2 float64) {
	var d [3]float64
	d[a[0]] = x
	d[a[1]] = y
	d[a[2]] = z
	return d[0], d[1], d[2]
}

func (a Axes) String() string {
	const names = "xyz"
	return string([]byte{names[a[0]], names[a[1]], names[a[2]]})
}
