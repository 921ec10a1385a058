// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package key

import (
	"strings"
)

// Scope is an ordered sequence of Segments. The zero-length Scope is the
// global scope. Scope is immutable: every method that "changes" a Scope
// returns a new one.
type Scope []Segment

// GlobalScope returns the empty scope.
func GlobalScope() Scope {
	return nil
}

// ScopeFromSegment returns a single-element Scope.
func ScopeFromSegment(s Segment) Scope {
	return Scope{s}
}

// ParseScope validates and parses s (segments joined by Separator) into a
// Scope. The empty string parses to the global scope.
func ParseScope(s string) (Scope, error) {
	if s == "" {
		return GlobalScope(), nil
	}
	parts := strings.Split(s, string(Separator))
	segments := make(Scope, 0, len(parts))
	for _, p := range parts {
		seg, err := ParseSegment(p)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// String renders the Scope in its canonical form: segments joined by
// Separator. The global scope renders as "".
func (s Scope) String() string {
	parts := make([]string, len(s))
	for i, seg := range s {
		parts[i] = string(seg)
	}
	return strings.Join(parts, string(Separator))
}

// IsGlobal reports whether s is the empty (global) scope.
func (s Scope) IsGlobal() bool {
	return len(s) == 0
}

// StartsWith reports whether prefix is a (non-strict) prefix of s.
func (s Scope) StartsWith(prefix Scope) bool {
	if len(prefix) > len(s) {
		return false
	}
	for i := range prefix {
		if s[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Matches reports whether one of s and other is a prefix of the other.
func (s Scope) Matches(other Scope) bool {
	n := len(s)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Equal reports whether s and other contain exactly the same segments.
func (s Scope) Equal(other Scope) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// SubScopes returns every non-empty prefix of s, in increasing length.
func (s Scope) SubScopes() []Scope {
	out := make([]Scope, 0, len(s))
	for i := 1; i <= len(s); i++ {
		sub := make(Scope, i)
		copy(sub, s[:i])
		out = append(out, sub)
	}
	return out
}

// WithSubScope returns a new Scope with seg appended to the end.
func (s Scope) WithSubScope(seg Segment) Scope {
	out := make(Scope, len(s)+1)
	copy(out, s)
	out[len(s)] = seg
	return out
}

// WithSuperScope returns a new Scope with seg inserted at the front.
func (s Scope) WithSuperScope(seg Segment) Scope {
	out := make(Scope, len(s)+1)
	out[0] = seg
	copy(out[1:], s)
	return out
}

// Compare orders scopes lexicographically by segment, suitable for sorting
// list_scopes results (I6).
func (s Scope) Compare(other Scope) int {
	n := len(s)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if s[i] < other[i] {
			return -1
		}
		if s[i] > other[i] {
			return 1
		}
	}
	switch {
	case len(s) < len(other):
		return -1
	case len(s) > len(other):
		return 1
	default:
		return 0
	}
}

// Clone returns an independent copy of s.
func (s Scope) Clone() Scope {
	out := make(Scope, len(s))
	copy(out, s)
	return out
}
