package check

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// StatusIs passes when the response carries the given status code.
func StatusIs(code int) Predicate {
	return func(r *Response) bool {
		return r.StatusCode == code
	}
}

// StatusIn passes when the status code is one of codes.
func StatusIn(codes ...int) Predicate {
	return func(r *Response) bool {
		for _, c := range codes {
			if r.StatusCode == c {
				return true
			}
		}
		return false
	}
}

// HeaderEquals passes when header key has exactly the given value.
func HeaderEquals(key, value string) Predicate {
	return func(r *Response) bool {
		return r.Header != nil && r.Header.Get(key) == value
	}
}

// BodyContains passes when the body contains substr.
func BodyContains(substr string) Predicate {
	return func(r *Response) bool {
		return bytes.Contains(r.Body, []byte(substr))
	}
}

// DurationBelow passes when the request completed faster than limit.
func DurationBelow(limit time.Duration) Predicate {
	return func(r *Response) bool {
		return r.Err == nil && r.Duration < limit
	}
}

// JSONPath passes when the value at path satisfies cond against want.
//
// The path uses JSONPath notation ($.user.name, $.items[0]).
func JSONPath(path, cond, want string) Predicate {
	gpath := ToGJSONPath(path)
	return func(r *Response) bool {
		if len(r.Body) == 0 || !gjson.ValidBytes(r.Body) {
			return false
		}
		res := gjson.GetBytes(r.Body, gpath)
		if !res.Exists() {
			return false
		}
		ok, err := Compare(res.String(), cond, want)
		return err == nil && ok
	}
}

// MatchesSchema passes when the body validates against the JSON schema.
// The schema is compiled once; an invalid schema is reported as an error.
func MatchesSchema(schema string) (Predicate, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	return func(r *Response) bool {
		var doc interface{}
		if err := json.Unmarshal(r.Body, &doc); err != nil {
			return false
		}
		return compiled.Validate(doc) == nil
	}, nil
}

// ToGJSONPath converts a JSONPath expression to gjson syntax.
//
//	$.users[0].name -> users.0.name
func ToGJSONPath(path string) string {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return "@this"
	}

	path = strings.NewReplacer(`['`, ".", `']`, "", `["`, ".", `"]`, "").Replace(path)
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	return strings.TrimPrefix(path, ".")
}

// Compare applies an assertion condition to a string value.
//
// Numeric conditions (gt, lt, gte, lte) parse both sides as floats.
func Compare(actual, cond, want string) (bool, error) {
	switch cond {
	case "eq":
		return actual == want, nil
	case "ne":
		return actual != want, nil
	case "contains":
		return strings.Contains(actual, want), nil
	case "matches":
		re, err := regexp.Compile(want)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", want, err)
		}
		return re.MatchString(actual), nil
	case "gt", "lt", "gte", "lte":
		var a, w float64
		if _, err := fmt.Sscanf(actual, "%g", &a); err != nil {
			return false, fmt.Errorf("value %q is not numeric", actual)
		}
		if _, err := fmt.Sscanf(want, "%g", &w); err != nil {
			return false, fmt.Errorf("expected value %q is not numeric", want)
		}
		switch cond {
		case "gt":
			return a > w, nil
		case "lt":
			return a < w, nil
		case "gte":
			return a >= w, nil
		default:
			return a <= w, nil
		}
	default:
		return false, fmt.Errorf("unknown condition: %s", cond)
	}
}
