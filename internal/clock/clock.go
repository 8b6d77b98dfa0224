// Package clock implements per-key version clocks (vector clocks) used to
// tell causally ordered writes apart from concurrent ones.
package clock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	}
	return "unknown"
}

// VersionClock maps node ids to monotonically increasing counters.
// A nil VersionClock is a valid empty clock for reads; Increment on a nil
// clock panics like any nil map write, so use New or Clone first.
type VersionClock map[string]uint64

// New returns an empty clock.
func New() VersionClock {
	return VersionClock{}
}

// Get returns the counter for node, 0 if absent.
func (c VersionClock) Get(node string) uint64 {
	return c[node]
}

// Increment bumps node's counter by one.
func (c VersionClock) Increment(node string) {
	c[node]++
}

// Clone returns an independent copy.
func (c VersionClock) Clone() VersionClock {
	out := make(VersionClock, len(c))
	for n, v := range c {
		out[n] = v
	}
	return out
}

// Merge returns a new clock holding the pointwise maximum of c and other.
func (c VersionClock) Merge(other VersionClock) VersionClock {
	out := c.Clone()
	for n, v := range other {
		if v > out[n] {
			out[n] = v
		}
	}
	return out
}

// Compare reports how c relates to other under the vector clock partial
// order. Missing nodes count as zero.
func (c VersionClock) Compare(other VersionClock) Ordering {
	var less, greater bool
	for n, v := range c {
		o := other[n]
		if v < o {
			less = true
		} else if v > o {
			greater = true
		}
	}
	for n, o := range other {
		if _, ok := c[n]; ok {
			continue
		}
		if o > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Nodes returns the node ids with a non-zero counter, sorted.
func (c VersionClock) Nodes() []string {
	nodes := make([]string, 0, len(c))
	for n, v := range c {
		if v > 0 {
			nodes = append(nodes, n)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// String renders the clock deterministically, e.g. "{a:2,b:1}".
func (c VersionClock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, n := range c.Nodes() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%d", n, c[n])
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON always emits an object, never null.
func (c VersionClock) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]uint64(c))
}

// UnmarshalJSON decodes an object of node -> counter.
func (c *VersionClock) UnmarshalJSON(b []byte) error {
	m := map[string]uint64{}
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("decode version clock: %w", err)
	}
	*c = VersionClock(m)
	return nil
}

// Parse decodes a clock from its JSON form.
func Parse(s string) (VersionClock, error) {
	var c VersionClock
	if strings.TrimSpace(s) == "" {
		return New(), nil
	}
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, err
	}
	return c, nil
}
