// Package callscan extracts call sites to a set of target function
// names from decompiled, C-like source text.
package callscan

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Call is a single call site: the function name exactly as it appears
// in the text, and the raw argument text between the parentheses,
// untrimmed.
type Call struct {
	Name string
	Args string
}

// PatternError reports that the search pattern could not be built or
// applied for a target set.
type PatternError struct {
	Targets []string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("callscan: cannot match targets %v: %v", e.Targets, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// Extract returns every call site to one of the target names found in
// text, in order of appearance. Matching is case-insensitive, and a
// name only matches as a whole identifier, so target "exec" never
// matches inside "execve". Whitespace between the name and the opening
// parenthesis is allowed.
//
// The argument span is matched non-greedily (newlines included) up to
// the first closing parenthesis, so an argument list that itself
// contains a parenthesized sub-expression is truncated there:
// system(foo(bar)) yields the argument text "foo(bar". That is a known
// limitation of the extraction rule and part of its contract.
//
// Extract never panics. A fault while building or applying the pattern
// yields an empty result and a *PatternError; empty text or an empty
// target set yield an empty result and no error.
func Extract(text string, targets []string) (calls []Call, err error) {
	if text == "" || len(targets) == 0 {
		return nil, nil
	}

	defer func() {
		if r := recover(); r != nil {
			calls = nil
			err = &PatternError{Targets: targets, Err: fmt.Errorf("%v", r)}
		}
	}()

	names := make([]string, 0, len(targets))
	for _, t := range targets {
		if t == "" {
			continue
		}
		names = append(names, regexp.QuoteMeta(t))
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)

	pattern := fmt.Sprintf(`(?is)\b(%s)\b\s*\((.*?)\)`, strings.Join(names, "|"))
	re, compileErr := regexp.Compile(pattern)
	if compileErr != nil {
		return nil, &PatternError{Targets: targets, Err: compileErr}
	}

	for _, m := range re.FindAllStringSubmatch(text, -1) {
		calls = append(calls, Call{Name: m[1], Args: m[2]})
	}
	return calls, nil
}

// UniqueNames returns the sorted set of distinct matched names,
// lower-cased so that SYSTEM and system collapse to one entry.
func UniqueNames(calls []Call) []string {
	seen := make(map[string]struct{}, len(calls))
	var names []string
	for _, c := range calls {
		name := strings.ToLower(c.Name)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
