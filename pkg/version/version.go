// Package version parses and orders the release tags this controller
// reconciles packages against. A tag is a dotted 2-4 component integer
// tuple with an optional "v" or "ver" prefix; both the original tag text
// (needed to look up the matching git ref) and the parsed numeric tuple
// (needed to order releases) are retained.
package version

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Version is a parsed release tag. Friendly preserves the exact tag text
// it was parsed from, so RepositoryManager can look the ref back up by
// name without re-deriving it from the numeric components.
type Version struct {
	Friendly   string
	Components []int
}

// Parse parses a tag string into a Version. It strips a single leading "v"
// or "ver" prefix (case-insensitive) and requires 2-4 dot-separated integer
// components. Returns an error if the tag doesn't match that grammar.
func Parse(tag string) (Version, error) {
	trimmed := tag
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "ver"):
		trimmed = trimmed[3:]
	case strings.HasPrefix(lower, "v"):
		trimmed = trimmed[1:]
	}

	parts := strings.Split(trimmed, ".")
	if len(parts) < 2 || len(parts) > 4 {
		return Version{}, fmt.Errorf("version: %q is not a 2-4 component dotted version", tag)
	}

	components := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("version: %q has a non-numeric component %q", tag, p)
		}
		components[i] = n
	}

	return Version{Friendly: tag, Components: components}, nil
}

// MustParse panics on an unparseable tag; used for constants in tests.
func MustParse(tag string) Version {
	v, err := Parse(tag)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or 1 according to whether v orders before, equal to,
// or after other. Missing trailing components compare as zero, so "1.2"
// equals "1.2.0.0".
func (v Version) Compare(other Version) int {
	n := len(v.Components)
	if len(other.Components) > n {
		n = len(other.Components)
	}
	for i := 0; i < n; i++ {
		a, b := 0, 0
		if i < len(v.Components) {
			a = v.Components[i]
		}
		if i < len(other.Components) {
			b = other.Components[i]
		}
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether v orders strictly before other.
func (v Version) Less(other Version) bool { return v.Compare(other) < 0 }

// Equal reports whether v and other have the same numeric ordering,
// regardless of friendly-string spelling ("1.2.0" == "v1.2.0").
func (v Version) Equal(other Version) bool { return v.Compare(other) == 0 }

// IsZero reports whether v is the zero value (unset).
func (v Version) IsZero() bool { return v.Components == nil }

// String returns the friendly form.
func (v Version) String() string { return v.Friendly }

// SortDescending sorts versions in place, highest first. Ties keep their
// relative input order (stable), which matters when two tags parse to the
// same numeric tuple.
func SortDescending(versions []Version) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[j].Less(versions[i])
	})
}

// ParseTags parses every tag in tags, silently skipping any that don't
// match the version grammar, and returns the parsed set sorted descending.
// The result slice is pre-sized to len(tags) even though some entries may
// be dropped, matching the "pre-size, then sort in place" contract
// RepositoryManager.AvailableVersions relies on for large tag sets.
func ParseTags(tags []string) []Version {
	out := make([]Version, 0, len(tags))
	for _, t := range tags {
		v, err := Parse(t)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	SortDescending(out)
	return out
}

// Set is an ordered set of versions, used for DeploymentState.Applied and
// .Failed: membership tests are by numeric equality, but iteration order
// (ascending) is preserved for deterministic JSON round-tripping.
type Set struct {
	ordered []Version
}

// NewSet builds a Set from friendly version strings, ignoring unparseable
// entries the same way ParseTags does.
func NewSet(friendly ...string) Set {
	var s Set
	for _, f := range friendly {
		if v, err := Parse(f); err == nil {
			s.Add(v)
		}
	}
	return s
}

// Add inserts v if not already present, keeping ascending order.
func (s *Set) Add(v Version) {
	idx := sort.Search(len(s.ordered), func(i int) bool { return !s.ordered[i].Less(v) })
	if idx < len(s.ordered) && s.ordered[idx].Equal(v) {
		return
	}
	s.ordered = append(s.ordered, Version{})
	copy(s.ordered[idx+1:], s.ordered[idx:])
	s.ordered[idx] = v
}

// Remove deletes v from the set if present.
func (s *Set) Remove(v Version) {
	idx := sort.Search(len(s.ordered), func(i int) bool { return !s.ordered[i].Less(v) })
	if idx < len(s.ordered) && s.ordered[idx].Equal(v) {
		s.ordered = append(s.ordered[:idx], s.ordered[idx+1:]...)
	}
}

// Contains reports whether v is a member.
func (s Set) Contains(v Version) bool {
	idx := sort.Search(len(s.ordered), func(i int) bool { return !s.ordered[i].Less(v) })
	return idx < len(s.ordered) && s.ordered[idx].Equal(v)
}

// Versions returns the ascending-ordered members.
func (s Set) Versions() []Version {
	out := make([]Version, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Friendly returns the friendly-string form of every member, ascending.
func (s Set) Friendly() []string {
	out := make([]string, len(s.ordered))
	for i, v := range s.ordered {
		out[i] = v.Friendly
	}
	return out
}

// Union returns a new Set containing every member of both sets.
func (s Set) Union(other Set) Set {
	out := Set{ordered: append([]Version(nil), s.ordered...)}
	for _, v := range other.ordered {
		out.Add(v)
	}
	return out
}
