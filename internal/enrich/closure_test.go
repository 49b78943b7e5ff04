package enrich

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

// fakeRef is an in-memory Reference used across the package tests.
type fakeRef struct {
	parents  map[string][]string
	capecs   map[string][]string
	mappings map[string]string
	panicOn  string
}

func (f fakeRef) Parents(id string) []string {
	if id == f.panicOn && id != "" {
		panic("corrupt graph node " + id)
	}
	return f.parents[id]
}

func (f fakeRef) RelatedCapec(id string) []string { return f.capecs[id] }
func (f fakeRef) Mapping(id string) string        { return f.mappings[id] }

func TestClosureExample(t *testing.T) {
	g := fakeRef{parents: map[string][]string{"79": {"74"}, "74": {}}}
	assert.Equal(t, []string{"74", "79"}, Closure([]string{"79"}, g))
}

func TestClosureUnknownID(t *testing.T) {
	g := fakeRef{}
	assert.Equal(t, []string{"1337"}, Closure([]string{"1337"}, g))
	assert.Empty(t, Closure(nil, g))
}

func TestClosureCycleTerminates(t *testing.T) {
	g := fakeRef{parents: map[string][]string{
		"1": {"2"},
		"2": {"3"},
		"3": {"1", "4"},
		"4": {"4"},
	}}
	assert.Equal(t, []string{"1", "2", "3", "4"}, Closure([]string{"1"}, g))
}

func TestClosureDiamond(t *testing.T) {
	g := fakeRef{parents: map[string][]string{
		"89":  {"943", "74"},
		"943": {"74"},
		"74":  {"707"},
	}}
	assert.Equal(t, []string{"707", "74", "89", "943"}, Closure([]string{"89"}, g))
}

func TestClosureProperties(t *testing.T) {
	graphs := map[string]fakeRef{
		"chain": {parents: map[string][]string{"a": {"b"}, "b": {"c"}}},
		"cycle": {parents: map[string][]string{"a": {"b"}, "b": {"a"}, "c": {"a"}}},
		"self":  {parents: map[string][]string{"a": {"a"}}},
		"wide":  {parents: map[string][]string{"a": {"b", "c", "d"}, "d": {"e"}, "x": {"e"}}},
		"empty": {},
	}
	inputs := [][]string{{"a"}, {"c"}, {"a", "x"}, {"zzz"}, {}}

	for name, g := range graphs {
		for _, in := range inputs {
			once := Closure(in, g)
			for _, id := range in {
				assert.Contains(t, once, id, "%s: closure must contain its input", name)
			}
			twice := Closure(once, g)
			if diff := cmp.Diff(once, twice); diff != "" {
				t.Errorf("%s: closure is not idempotent for %v (-once +twice):\n%s", name, in, diff)
			}
		}
	}
}
