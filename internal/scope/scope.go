// Package scope implements memo visibility tags.
//
// A memo with no scopes is visible to every caller of its project. A memo
// with scopes is visible only to callers whose permitted set shares at
// least one tag with it.
package scope

import (
	"strings"
	"unicode"

	"github.com/kalambet/scopedrag/internal/apperr"
)

const (
	MaxTagLength = 128
	MaxTags      = 64
)

// Set is an ordered set of scope tags. Order is the order of first
// appearance; duplicates are dropped.
type Set []string

// Normalize trims tags, drops empties and duplicates, and validates each
// tag. It returns a ValidationError for the first invalid tag.
func Normalize(tags []string) (Set, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make(Set, 0, len(tags))
	for _, raw := range tags {
		tag := strings.TrimSpace(raw)
		if tag == "" {
			continue
		}
		if err := validateTag(tag); err != nil {
			return nil, err
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) > MaxTags {
		return nil, apperr.Validation("scopes", "at most %d tags allowed, got %d", MaxTags, len(out))
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func validateTag(tag string) error {
	if len(tag) > MaxTagLength {
		return apperr.Validation("scopes", "tag longer than %d bytes", MaxTagLength)
	}
	for _, r := range tag {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return apperr.Validation("scopes", "tag %q contains whitespace or control characters", tag)
		}
	}
	return nil
}

// Contains reports whether tag is in s.
func (s Set) Contains(tag string) bool {
	for _, t := range s {
		if t == tag {
			return true
		}
	}
	return false
}

// Intersects reports whether s and other share a tag.
func (s Set) Intersects(other Set) bool {
	if len(s) == 0 || len(other) == 0 {
		return false
	}
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	idx := make(map[string]struct{}, len(large))
	for _, t := range large {
		idx[t] = struct{}{}
	}
	for _, t := range small {
		if _, ok := idx[t]; ok {
			return true
		}
	}
	return false
}

// Visible decides whether a memo tagged with memoScopes may be returned to
// a caller holding permitted.
func Visible(memoScopes, permitted Set) bool {
	if len(memoScopes) == 0 {
		return true
	}
	return memoScopes.Intersects(permitted)
}
