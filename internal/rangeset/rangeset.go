package rangeset

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// MaxExpand bounds how many indices a single lo-hi term expands into a set.
// Wider terms are kept as intervals.
const MaxExpand = 100000

var spanPattern = regexp.MustCompile(`^(\d+)\s*-\s*(\d+)$`)

type interval struct {
	lo, hi int
}

// Spec is a parsed range specification: either every index or a finite set.
type Spec struct {
	All  bool
	set  map[int]struct{}
	wide []interval
}

// Parse reads a comma separated list of integers and inclusive lo-hi spans.
// Blank input matches every index; malformed terms are skipped.
func Parse(raw string) Spec {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{All: true}
	}
	out := Spec{set: map[int]struct{}{}}
	for _, part := range strings.Split(s, ",") {
		term := strings.TrimSpace(part)
		if term == "" {
			continue
		}
		if m := spanPattern.FindStringSubmatch(term); m != nil {
			a, errA := strconv.Atoi(m[1])
			b, errB := strconv.Atoi(m[2])
			if errA != nil || errB != nil {
				continue
			}
			lo, hi := min(a, b), max(a, b)
			if hi-lo >= MaxExpand {
				out.wide = append(out.wide, interval{lo: lo, hi: hi})
				continue
			}
			for i := lo; i <= hi; i++ {
				out.set[i] = struct{}{}
			}
			continue
		}
		n, err := strconv.Atoi(term)
		if err != nil || n < 0 {
			continue
		}
		out.set[n] = struct{}{}
	}
	return out
}

func (s Spec) Contains(index int) bool {
	if s.All {
		return true
	}
	if _, ok := s.set[index]; ok {
		return true
	}
	for _, iv := range s.wide {
		if index >= iv.lo && index <= iv.hi {
			return true
		}
	}
	return false
}

// Values lists the expanded members in ascending order. It is empty for an
// All spec.
func (s Spec) Values() []int {
	out := make([]int, 0, len(s.set))
	for v := range s.set {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Cache memoizes Parse per literal spec string. One Cache is meant to live
// for a single rule-selection pass.
type Cache struct {
	parsed map[string]Spec
}

func NewCache() *Cache {
	return &Cache{parsed: map[string]Spec{}}
}

func (c *Cache) Parse(raw string) Spec {
	if c == nil {
		return Parse(raw)
	}
	if spec, ok := c.parsed[raw]; ok {
		return spec
	}
	spec := Parse(raw)
	c.parsed[raw] = spec
	return spec
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.parsed)
}
