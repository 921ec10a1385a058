// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package key

import "testing"

func TestKeyRoundTrip(t *testing.T) {
	cases := []string{"a", "a/b/c/name", "name with spaces"}
	for _, s := range cases {
		k, err := ParseKey(s)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", s, err)
		}
		if k.String() != s {
			t.Fatalf("round trip mismatch: got %q want %q", k.String(), s)
		}
		k2, err := ParseKey(k.String())
		if err != nil {
			t.Fatalf("re-parse failed: %v", err)
		}
		if !k.Equal(k2) {
			t.Fatalf("re-parsed key not equal: %v vs %v", k, k2)
		}
	}
}

func TestParseKeyGlobal(t *testing.T) {
	k, err := ParseKey("name")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !k.Scope.IsGlobal() {
		t.Fatal("expected global scope")
	}
	if k.Name != "name" {
		t.Fatalf("got name %q", k.Name)
	}
}

func TestParseKeyInvalidSegment(t *testing.T) {
	if _, err := ParseKey("a/ bad/name"); err == nil {
		t.Fatal("expected error for invalid segment")
	}
}

func TestKeyWithSubScope(t *testing.T) {
	k := NewGlobalKey(MustParseSegment("n"))
	k2 := k.WithSubScope(MustParseSegment("a"))
	if k2.String() != "a/n" {
		t.Fatalf("got %q", k2.String())
	}
}
