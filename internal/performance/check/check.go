// Package check provides named response predicates for load test iterations.
//
// A check never aborts an iteration. Its outcome is recorded as a pass/fail
// sample against the check's name and reported alongside the other metrics.
package check

import (
	"net/http"
	"sort"
	"time"
)

// Response is the view of an HTTP exchange that predicates evaluate.
//
// StatusCode is 0 when the request failed at the transport level; Err then
// holds the cause.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	Err        error
}

// Predicate reports whether a response satisfies a condition.
type Predicate func(r *Response) bool

// Set maps check names to predicates.
type Set map[string]Predicate

// Result is the labeled outcome of one predicate.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// Evaluate runs every predicate in the set against r.
//
// Results are ordered by name so callers get a stable report. A nil response
// fails every check.
func (s Set) Evaluate(r *Response) []Result {
	if len(s) == 0 {
		return nil
	}

	names := s.Names()
	results := make([]Result, 0, len(names))
	for _, name := range names {
		passed := false
		if r != nil {
			passed = s[name](r)
		}
		results = append(results, Result{Name: name, Passed: passed})
	}
	return results
}

// Names returns the check names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge returns a new set containing the checks of s and other.
// Checks in other win on name collisions.
func (s Set) Merge(other Set) Set {
	merged := make(Set, len(s)+len(other))
	for name, p := range s {
		merged[name] = p
	}
	for name, p := range other {
		merged[name] = p
	}
	return merged
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
