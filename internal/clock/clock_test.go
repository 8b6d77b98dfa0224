package clock

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b VersionClock
		want Ordering
	}{
		{"both empty", VersionClock{}, VersionClock{}, Equal},
		{"nil vs empty", nil, VersionClock{}, Equal},
		{"zero entries ignored", VersionClock{"a": 0}, VersionClock{}, Equal},
		{"same", VersionClock{"a": 1, "b": 2}, VersionClock{"a": 1, "b": 2}, Equal},
		{"before", VersionClock{"a": 1}, VersionClock{"a": 2}, Before},
		{"before missing node", VersionClock{"a": 1}, VersionClock{"a": 1, "b": 1}, Before},
		{"after", VersionClock{"a": 3, "b": 1}, VersionClock{"a": 2, "b": 1}, After},
		{"after missing node", VersionClock{"a": 1, "b": 1}, VersionClock{"a": 1}, After},
		{"concurrent", VersionClock{"node-a": 1}, VersionClock{"node-b": 1}, Concurrent},
		{"concurrent mixed", VersionClock{"a": 2, "b": 1}, VersionClock{"a": 1, "b": 2}, Concurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestIncrement(t *testing.T) {
	c := New()
	c.Increment("a")
	c.Increment("a")
	c.Increment("b")

	assert.Equal(t, uint64(2), c.Get("a"))
	assert.Equal(t, uint64(1), c.Get("b"))
	assert.Equal(t, uint64(0), c.Get("missing"))
	assert.Equal(t, "{a:2,b:1}", c.String())
}

func TestMergeDoesNotMutate(t *testing.T) {
	a := VersionClock{"a": 2}
	b := VersionClock{"a": 1, "b": 4}

	m := a.Merge(b)

	assert.Equal(t, VersionClock{"a": 2, "b": 4}, m)
	assert.Equal(t, VersionClock{"a": 2}, a)
	assert.Equal(t, VersionClock{"a": 1, "b": 4}, b)
}

func TestJSON(t *testing.T) {
	b, err := json.Marshal(VersionClock(nil))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))

	c, err := Parse(`{"node-a":3,"node-b":1}`)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.Get("node-a"))

	empty, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, Equal, empty.Compare(nil))

	_, err = Parse(`{"a":"x"}`)
	assert.Error(t, err)
}

func genClock() gopter.Gen {
	return gen.MapOf(
		gen.OneConstOf("a", "b", "c", "d"),
		gen.UInt64Range(0, 5),
	)
}

func TestMergeSemilatticeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("merge is commutative", prop.ForAll(
		func(a, b map[string]uint64) bool {
			x, y := VersionClock(a), VersionClock(b)
			return x.Merge(y).Compare(y.Merge(x)) == Equal
		},
		genClock(), genClock(),
	))

	properties.Property("merge is associative", prop.ForAll(
		func(a, b, c map[string]uint64) bool {
			x, y, z := VersionClock(a), VersionClock(b), VersionClock(c)
			return x.Merge(y).Merge(z).Compare(x.Merge(y.Merge(z))) == Equal
		},
		genClock(), genClock(), genClock(),
	))

	properties.Property("merge is idempotent", prop.ForAll(
		func(a map[string]uint64) bool {
			x := VersionClock(a)
			return x.Merge(x).Compare(x) == Equal
		},
		genClock(),
	))

	properties.Property("a is never after merge(a, b)", prop.ForAll(
		func(a, b map[string]uint64) bool {
			x, y := VersionClock(a), VersionClock(b)
			return x.Compare(x.Merge(y)) != After
		},
		genClock(), genClock(),
	))

	properties.Property("compare is antisymmetric", prop.ForAll(
		func(a, b map[string]uint64) bool {
			x, y := VersionClock(a), VersionClock(b)
			switch x.Compare(y) {
			case Before:
				return y.Compare(x) == After
			case After:
				return y.Compare(x) == Before
			default:
				return y.Compare(x) == x.Compare(y)
			}
		},
		genClock(), genClock(),
	))

	properties.TestingRun(t)
}
