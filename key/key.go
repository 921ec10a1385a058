// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package key

import "strings"

// Key identifies a stored entry within a namespace: a Scope plus a Segment
// name.
type Key struct {
	Scope Scope
	Name  Segment
}

// NewKey returns a Key with the given scope and name.
func NewKey(scope Scope, name Segment) Key {
	return Key{Scope: scope, Name: name}
}

// NewGlobalKey returns a Key in the global scope.
func NewGlobalKey(name Segment) Key {
	return Key{Scope: GlobalScope(), Name: name}
}

// ParseKey parses s into a Key. Splitting is done on Separator; every
// component including the last is validated as a Segment, and the last
// component becomes the Key's name.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, string(Separator))
	segments := make([]Segment, 0, len(parts))
	for _, p := range parts {
		seg, err := ParseSegment(p)
		if err != nil {
			return Key{}, &InvalidKeyError{Input: s, Cause: err}
		}
		segments = append(segments, seg)
	}
	name := segments[len(segments)-1]
	scope := Scope(segments[:len(segments)-1])
	return Key{Scope: scope, Name: name}, nil
}

// String renders the Key in its canonical form: "name" if the scope is
// global, otherwise "scope/name".
func (k Key) String() string {
	if k.Scope.IsGlobal() {
		return string(k.Name)
	}
	return k.Scope.String() + string(Separator) + string(k.Name)
}

// WithSubScope returns a new Key with seg appended to the scope.
func (k Key) WithSubScope(seg Segment) Key {
	return Key{Scope: k.Scope.WithSubScope(seg), Name: k.Name}
}

// WithSuperScope returns a new Key with seg inserted at the front of the
// scope.
func (k Key) WithSuperScope(seg Segment) Key {
	return Key{Scope: k.Scope.WithSuperScope(seg), Name: k.Name}
}

// Equal reports whether k and other identify the same (scope, name) pair.
func (k Key) Equal(other Key) bool {
	return k.Name == other.Name && k.Scope.Equal(other.Scope)
}
