// Package pmatch implements the path matcher of spec.md §4.2: a
// slash-separated clause language (literal / "*" / glob / regex
// fragment), bucketed by depth, with an optional content filter per
// entry.
//
// Grounded on original source regex/PathMatcher.cpp and PathMatcher.h
// (kept files): same per-depth bucketing strategy (there, a
// Hashtable<uint32, Hashtable<String, PathMatcherEntry>>; here, a
// map[int]map[string]*Entry), same GetPathDepth/GetPathClause semantics,
// same "clause == '*'" shortcut for an always-true single-clause matcher.
/*
 * Copyright (c) 2018-2022, NVIDIA CORPORATION. All rights reserved.
 */
package pmatch

import (
	"path"
	"regexp"
	"strings"

	"github.com/muscleserver/muscle/cmn/merr"
	"github.com/muscleserver/muscle/message"
)

// QueryFilter evaluates an optional content predicate over a node's
// payload Message, per spec.md §4.2's "optional query filter predicate".
type QueryFilter interface {
	Matches(msg *message.Message) bool
}

// QueryFilterFunc adapts a function to QueryFilter.
type QueryFilterFunc func(msg *message.Message) bool

func (f QueryFilterFunc) Matches(msg *message.Message) bool { return f(msg) }

// ClauseMatcher matches one slash-separated path clause.
type ClauseMatcher interface {
	Match(clause string) bool
	String() string
}

type anyClause struct{}

func (anyClause) Match(string) bool { return true }
func (anyClause) String() string    { return "*" }

type literalClause string

func (l literalClause) Match(c string) bool { return string(l) == c }
func (l literalClause) String() string      { return string(l) }

type globClause string

func (g globClause) Match(c string) bool {
	ok, err := path.Match(string(g), c)
	return err == nil && ok
}
func (g globClause) String() string { return string(g) }

type regexClause struct {
	re  *regexp.Regexp
	src string
}

func (r regexClause) Match(c string) bool { return r.re.MatchString(c) }
func (r regexClause) String() string      { return r.src }

const globMeta = "?*["
const regexMeta = "^$+()|.\\{}"

// CanWildcardStringMatchMultipleValues reports whether clause contains any
// glob or regex metacharacter, per spec.md §4.2; the data-tree traversal
// uses this to pick O(1) child lookup vs. linear scan.
func CanWildcardStringMatchMultipleValues(clause string) bool {
	return strings.ContainsAny(clause, globMeta+regexMeta)
}

// CompileClause compiles one path clause into a ClauseMatcher.
func CompileClause(clause string) (ClauseMatcher, error) {
	if clause == "*" {
		return anyClause{}, nil
	}
	if strings.ContainsAny(clause, globMeta) {
		// validate eagerly so bad globs fail at registration time
		if _, err := path.Match(clause, ""); err != nil {
			return nil, merr.New(merr.KindMalformedInput, "bad glob clause %q: %v", clause, err)
		}
		return globClause(clause), nil
	}
	if strings.ContainsAny(clause, regexMeta) {
		re, err := regexp.Compile("^" + clause + "$")
		if err != nil {
			return nil, merr.New(merr.KindMalformedInput, "bad regex clause %q: %v", clause, err)
		}
		return regexClause{re: re, src: clause}, nil
	}
	return literalClause(clause), nil
}

// GetPathDepth returns the number of non-empty slash-separated clauses,
// ignoring a leading slash.
func GetPathDepth(p string) int {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return 0
	}
	depth := 0
	for _, c := range strings.Split(p, "/") {
		if c != "" {
			depth++
		}
	}
	return depth
}

// SplitClauses returns the non-empty clauses of p in order.
func SplitClauses(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, c := range parts {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// GetPathClause returns the depth'th (0-indexed) clause of path, or ""
// if path is shorter than depth+1 clauses.
func GetPathClause(depth int, p string) string {
	clauses := SplitClauses(p)
	if depth < 0 || depth >= len(clauses) {
		return ""
	}
	return clauses[depth]
}

// Entry is a compiled path expression plus its optional content filter.
type Entry struct {
	Path     string
	Matchers []ClauseMatcher
	Filter   QueryFilter
}

func (e *Entry) matchesClauses(clauses []string) bool {
	if len(clauses) != len(e.Matchers) {
		return false
	}
	for i, m := range e.Matchers {
		if !m.Match(clauses[i]) {
			return false
		}
	}
	return true
}

// Matcher stores compiled path entries bucketed by depth, per spec.md
// §4.2: "a matcher stores entries bucketed by depth; a path matches an
// entry iff depths are equal and every compiled clause matches".
type Matcher struct {
	byDepth map[int]map[string]*Entry
	nFilter int
}

// New returns an empty Matcher.
func New() *Matcher {
	return &Matcher{byDepth: make(map[int]map[string]*Entry)}
}

// Put compiles and registers path with an optional filter, replacing any
// existing entry for the identical path string.
func (pm *Matcher) Put(pathStr string, filter QueryFilter) error {
	clauses := SplitClauses(pathStr)
	matchers := make([]ClauseMatcher, len(clauses))
	for i, c := range clauses {
		cm, err := CompileClause(c)
		if err != nil {
			return err
		}
		matchers[i] = cm
	}
	depth := len(clauses)
	bucket, ok := pm.byDepth[depth]
	if !ok {
		bucket = make(map[string]*Entry)
		pm.byDepth[depth] = bucket
	}
	if old, exists := bucket[pathStr]; exists && old.Filter != nil {
		pm.nFilter--
	}
	bucket[pathStr] = &Entry{Path: pathStr, Matchers: matchers, Filter: filter}
	if filter != nil {
		pm.nFilter++
	}
	return nil
}

// Remove deletes the entry registered under the exact path string.
func (pm *Matcher) Remove(pathStr string) bool {
	depth := GetPathDepth(pathStr)
	bucket, ok := pm.byDepth[depth]
	if !ok {
		return false
	}
	e, ok := bucket[pathStr]
	if !ok {
		return false
	}
	if e.Filter != nil {
		pm.nFilter--
	}
	delete(bucket, pathStr)
	if len(bucket) == 0 {
		delete(pm.byDepth, depth)
	}
	return true
}

// SetFilter updates the filter on an already-registered path entry.
func (pm *Matcher) SetFilter(pathStr string, filter QueryFilter) bool {
	depth := GetPathDepth(pathStr)
	bucket, ok := pm.byDepth[depth]
	if !ok {
		return false
	}
	e, ok := bucket[pathStr]
	if !ok {
		return false
	}
	hadFilter := e.Filter != nil
	e.Filter = filter
	switch {
	case hadFilter && filter == nil:
		pm.nFilter--
	case !hadFilter && filter != nil:
		pm.nFilter++
	}
	return true
}

// NumFilters reports how many registered entries carry a content filter.
func (pm *Matcher) NumFilters() int { return pm.nFilter }

// IsEmpty reports whether the matcher has no registered entries.
func (pm *Matcher) IsEmpty() bool { return len(pm.byDepth) == 0 }

// EntriesAtDepth returns every entry registered at the given clause depth,
// regardless of whether it matches; callers that need the match test use
// MatchesPath.
func (pm *Matcher) EntriesAtDepth(depth int) []*Entry {
	bucket := pm.byDepth[depth]
	out := make([]*Entry, 0, len(bucket))
	for _, e := range bucket {
		out = append(out, e)
	}
	return out
}

// MatchesPath reports whether any registered entry matches path, applying
// its filter (if any) against optMessage.
func (pm *Matcher) MatchesPath(pathStr string, optMessage *message.Message) bool {
	return pm.firstMatch(pathStr, optMessage) != nil
}

// firstMatch returns the first entry (in map-iteration order) whose
// clauses and filter both match, or nil.
func (pm *Matcher) firstMatch(pathStr string, optMessage *message.Message) *Entry {
	clauses := SplitClauses(pathStr)
	bucket := pm.byDepth[len(clauses)]
	for _, e := range bucket {
		if !e.matchesClauses(clauses) {
			continue
		}
		if e.Filter == nil || optMessage == nil || e.Filter.Matches(optMessage) {
			return e
		}
	}
	return nil
}
