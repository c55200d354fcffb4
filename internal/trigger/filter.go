// Package trigger decides whether a VCS event starts a pipeline run.
package trigger

import (
	"regexp"
	"strings"

	"stagerun/internal/errdefs"
)

// DefaultBranchToken matches the VCS root's default branch in a filter.
const DefaultBranchToken = "<default>"

// Rule is one include or exclude line of a filter.
type Rule struct {
	Include bool
	Pattern string

	re      *regexp.Regexp
	capture bool
}

// Filter is an ordered list of rules; the last matching rule wins.
type Filter struct {
	raw   string
	rules []Rule
}

// ParseFilter parses a branch filter matched against logical branch names.
// Rules are separated by newlines: "+:pattern" includes, "-:pattern" excludes
// and a bare pattern includes. '*' matches any run of characters.
func ParseFilter(spec string) (*Filter, error) {
	return parse(spec, false)
}

// ParseBranchSpec parses a VCS root branch spec matched against full refs.
// Each rule may contain one "(*)" group naming the logical branch.
func ParseBranchSpec(spec string) (*Filter, error) {
	return parse(spec, true)
}

// MustParseFilter is ParseFilter for static filters; it panics on error.
func MustParseFilter(spec string) *Filter {
	f, err := ParseFilter(spec)
	if err != nil {
		panic(err)
	}
	return f
}

func parse(spec string, allowCapture bool) (*Filter, error) {
	f := &Filter{raw: strings.TrimSpace(spec)}
	for i, line := range strings.Split(spec, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseRule(line, allowCapture)
		if err != nil {
			return nil, errdefs.Configuration(errdefs.ReasonInvalidFilter, "", "filter line %d %q: %s", i+1, line, err.Error())
		}
		f.rules = append(f.rules, rule)
	}
	return f, nil
}

type ruleError string

func (e ruleError) Error() string { return string(e) }

func parseRule(line string, allowCapture bool) (Rule, error) {
	rule := Rule{Include: true}
	switch {
	case strings.HasPrefix(line, "+:"):
		line = line[2:]
	case strings.HasPrefix(line, "-:"):
		rule.Include = false
		line = line[2:]
	case strings.HasPrefix(line, "+"), strings.HasPrefix(line, "-"):
		return Rule{}, ruleError("prefix must be '+:' or '-:'")
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return Rule{}, ruleError("empty pattern")
	}
	if strings.ContainsAny(line, " \t") {
		return Rule{}, ruleError("pattern must not contain whitespace")
	}
	rule.Pattern = line
	if line == DefaultBranchToken {
		return rule, nil
	}
	if strings.ContainsAny(line, "<>") {
		return Rule{}, ruleError("only " + DefaultBranchToken + " may use angle brackets")
	}

	if strings.ContainsAny(line, "()") {
		if !allowCapture {
			return Rule{}, ruleError("capture groups are only allowed in branch specs")
		}
		if strings.Count(line, "(*)") != 1 || strings.Count(line, "(") != 1 || strings.Count(line, ")") != 1 {
			return Rule{}, ruleError("at most one '(*)' group is allowed")
		}
		rule.capture = true
	}

	var b strings.Builder
	b.WriteString("^")
	rest := line
	for rest != "" {
		switch {
		case strings.HasPrefix(rest, "(*)"):
			b.WriteString("(.*)")
			rest = rest[3:]
		case rest[0] == '*':
			b.WriteString(".*")
			rest = rest[1:]
		default:
			n := strings.IndexAny(rest, "*(")
			if n < 0 {
				n = len(rest)
			}
			b.WriteString(regexp.QuoteMeta(rest[:n]))
			rest = rest[n:]
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return Rule{}, err
	}
	rule.re = re
	return rule, nil
}

// Empty reports whether the filter has no rules.
func (f *Filter) Empty() bool { return f == nil || len(f.rules) == 0 }

// Rules returns a copy of the parsed rules.
func (f *Filter) Rules() []Rule {
	if f == nil {
		return nil
	}
	return append([]Rule(nil), f.rules...)
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.raw
}

// Match reports whether the logical branch passes the filter. Patterns that
// start with "refs/" are matched against ref instead. An empty filter matches
// everything; otherwise a name no rule matches is rejected.
func (f *Filter) Match(branch, ref, defaultBranch string) bool {
	if f.Empty() {
		return true
	}
	matched, include := false, false
	for _, r := range f.rules {
		if r.matches(branch, ref, defaultBranch) {
			matched, include = true, r.Include
		}
	}
	return matched && include
}

func (r Rule) matches(branch, ref, defaultBranch string) bool {
	if r.Pattern == DefaultBranchToken {
		return defaultBranch != "" && branch == defaultBranch
	}
	if strings.HasPrefix(r.Pattern, "refs/") {
		return r.re.MatchString(ref)
	}
	return r.re.MatchString(branch)
}

// resolve applies the filter to a full ref as a branch spec. It returns the
// logical name selected by the last matching rule and whether that rule
// includes the ref.
func (f *Filter) resolve(ref string) (string, bool) {
	name, included := "", false
	for _, r := range f.rules {
		if r.Pattern == DefaultBranchToken {
			continue
		}
		m := r.re.FindStringSubmatch(ref)
		if m == nil {
			continue
		}
		included = r.Include
		if r.capture && len(m) > 1 {
			name = m[1]
		} else {
			name = shortName(ref)
		}
	}
	return name, included
}
