// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package key implements the validated path components used throughout the
// storage layer: segments, namespaces, scopes, and keys.
package key

import (
	"fmt"
	"strings"
)

// Separator splits a Scope's string form into Segments.
const Separator = '/'

// Segment is a single, validated path component. A Segment is nonempty, does
// not start or end with ASCII whitespace, and never contains Separator.
// Internal whitespace is permitted.
type Segment string

// ParseSegment validates s and returns it as a Segment.
func ParseSegment(s string) (Segment, error) {
	if len(s) == 0 {
		return "", invalidSegmentError(SegmentEmpty, "segment must be nonempty")
	}
	if isASCIISpace(s[0]) || isASCIISpace(s[len(s)-1]) {
		return "", invalidSegmentError(SegmentTrailingWhitespace, "segment %q must not start or end with whitespace", s)
	}
	if strings.ContainsRune(s, Separator) {
		return "", invalidSegmentError(SegmentContainsSeparator, "segment %q must not contain %q", s, Separator)
	}
	return Segment(s), nil
}

// MustParseSegment panics if s is not a valid Segment. It exists for
// constructing static reserved segments (e.g. queue scope names).
func MustParseSegment(s string) Segment {
	seg, err := ParseSegment(s)
	if err != nil {
		panic(err)
	}
	return seg
}

func (s Segment) String() string {
	return string(s)
}

func isASCIISpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n'
}

var _ = fmt.Stringer(Segment(""))
