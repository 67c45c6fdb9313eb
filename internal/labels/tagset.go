package labels

import (
	"sort"
	"strings"
)

// TagSet is an unordered set of local tag names.
type TagSet map[string]bool

// NewTagSet returns a set containing the given tags.
func NewTagSet(tags ...string) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		s[t] = true
	}
	return s
}

// Add inserts a tag into the set.
func (s TagSet) Add(tag string) {
	s[tag] = true
}

// Has reports whether the set contains the tag.
func (s TagSet) Has(tag string) bool {
	return s[tag]
}

// Clone returns an independent copy of the set.
func (s TagSet) Clone() TagSet {
	c := make(TagSet, len(s))
	for t := range s {
		c[t] = true
	}
	return c
}

// Equal reports whether both sets contain exactly the same tags.
func (s TagSet) Equal(other TagSet) bool {
	if len(s) != len(other) {
		return false
	}
	for t := range s {
		if !other[t] {
			return false
		}
	}
	return true
}

// Subtract returns the tags present in s but not in other.
func (s TagSet) Subtract(other TagSet) TagSet {
	d := NewTagSet()
	for t := range s {
		if !other[t] {
			d[t] = true
		}
	}
	return d
}

// Sorted returns the tags in lexical order.
func (s TagSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// String renders the set as space-separated sorted tags, for logging.
func (s TagSet) String() string {
	return strings.Join(s.Sorted(), " ")
}
