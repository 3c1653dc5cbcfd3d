package pmatch_test

import (
	"testing"

	"github.com/muscleserver/muscle/pmatch"
)

func TestGetPathDepth(t *testing.T) {
	cases := map[string]int{
		"":          0,
		"/":         0,
		"foo":       1,
		"/foo":      1,
		"foo/bar":   2,
		"/foo/bar/": 2,
		"a/b/c":     3,
	}
	for in, want := range cases {
		if got := pmatch.GetPathDepth(in); got != want {
			t.Errorf("GetPathDepth(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestMatcherLiteralAndGlob(t *testing.T) {
	m := pmatch.New()
	if err := m.Put("foo/*", nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !m.MatchesPath("foo/hello", nil) {
		t.Error("expected foo/* to match foo/hello")
	}
	if m.MatchesPath("foo/hello/world", nil) {
		t.Error("foo/* must not match a deeper path")
	}
	if m.MatchesPath("bar/hello", nil) {
		t.Error("foo/* must not match a different first clause")
	}
}

func TestMatcherStarClause(t *testing.T) {
	m := pmatch.New()
	if err := m.Put("*/settings", nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !m.MatchesPath("host1/settings", nil) {
		t.Error("expected */settings to match host1/settings")
	}
}

func TestMatcherCharacterClass(t *testing.T) {
	m := pmatch.New()
	if err := m.Put("item[0-9]", nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !m.MatchesPath("item5", nil) {
		t.Error("expected item[0-9] to match item5")
	}
	if m.MatchesPath("itemX", nil) {
		t.Error("item[0-9] must not match itemX")
	}
}

func TestCanWildcardStringMatchMultipleValues(t *testing.T) {
	cases := map[string]bool{
		"literal":  false,
		"foo*":     true,
		"fo?":      true,
		"[abc]":    true,
		"a.b":      true,
		"plain123": false,
	}
	for in, want := range cases {
		if got := pmatch.CanWildcardStringMatchMultipleValues(in); got != want {
			t.Errorf("CanWildcardStringMatchMultipleValues(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMatcherRemove(t *testing.T) {
	m := pmatch.New()
	_ = m.Put("a/b", nil)
	if !m.Remove("a/b") {
		t.Fatal("expected Remove to succeed")
	}
	if !m.IsEmpty() {
		t.Fatal("expected matcher to be empty after removing its only entry")
	}
}
