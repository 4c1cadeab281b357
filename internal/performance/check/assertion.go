package check

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wesleyorama2/surge/internal/performance/config"
)

// FromAssertion builds a named predicate from an assertion config.
//
// When the assertion has no name, one is derived from its fields, for example
// "status eq 200" or "body $.id ne ''".
func FromAssertion(a config.AssertionConfig) (string, Predicate, error) {
	name := a.Name
	if name == "" {
		name = defaultName(a)
	}

	switch a.Type {
	case "status":
		return name, func(r *Response) bool {
			ok, err := Compare(strconv.Itoa(r.StatusCode), a.Condition, a.Value)
			return err == nil && ok
		}, nil

	case "body":
		if a.Path != "" {
			return name, JSONPath(a.Path, a.Condition, a.Value), nil
		}
		return name, func(r *Response) bool {
			ok, err := Compare(string(r.Body), a.Condition, a.Value)
			return err == nil && ok
		}, nil

	case "header":
		if a.Path == "" {
			return "", nil, fmt.Errorf("header assertion %q: header name is required", name)
		}
		return name, func(r *Response) bool {
			if r.Header == nil {
				return false
			}
			ok, err := Compare(r.Header.Get(a.Path), a.Condition, a.Value)
			return err == nil && ok
		}, nil

	case "duration":
		limit, err := config.ParseDurationString(a.Value)
		if err != nil {
			return "", nil, fmt.Errorf("duration assertion %q: %w", name, err)
		}
		return name, func(r *Response) bool {
			if r.Err != nil {
				return false
			}
			ok, err := Compare(
				strconv.FormatInt(r.Duration.Nanoseconds(), 10),
				a.Condition,
				strconv.FormatInt(limit.Nanoseconds(), 10),
			)
			return err == nil && ok
		}, nil

	case "schema":
		p, err := MatchesSchema(a.Value)
		if err != nil {
			return "", nil, fmt.Errorf("schema assertion %q: %w", name, err)
		}
		return name, p, nil

	default:
		return "", nil, fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// FromAssertions builds a Set from a list of assertions.
func FromAssertions(assertions []config.AssertionConfig) (Set, error) {
	if len(assertions) == 0 {
		return nil, nil
	}
	set := make(Set, len(assertions))
	for _, a := range assertions {
		name, p, err := FromAssertion(a)
		if err != nil {
			return nil, err
		}
		set[name] = p
	}
	return set, nil
}

func defaultName(a config.AssertionConfig) string {
	parts := []string{a.Type}
	if a.Path != "" {
		parts = append(parts, a.Path)
	}
	if a.Type == "schema" {
		return strings.Join(append(parts, "valid"), " ")
	}
	parts = append(parts, a.Condition, a.Value)
	return strings.Join(parts, " ")
}
