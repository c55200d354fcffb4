package artifact

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"stagerun/internal/errdefs"
)

// OptionalPrefix marks a rule that may match nothing.
const OptionalPrefix = "?:"

const ruleSeparator = "=>"

// Rule maps a source glob onto a destination directory.
//
// Paths captured by Source are kept relative to its static prefix, the
// segments before the first wildcard. A source naming a directory captures
// its whole tree.
type Rule struct {
	Source   string
	Dest     string
	Optional bool
}

// ParseRule parses "[?:]source [=> destination]".
func ParseRule(s string) (Rule, error) {
	raw := strings.TrimSpace(s)
	r := Rule{}
	if rest, ok := strings.CutPrefix(raw, OptionalPrefix); ok {
		r.Optional = true
		raw = strings.TrimSpace(rest)
	}
	src, dst, _ := strings.Cut(raw, ruleSeparator)
	src = strings.TrimSpace(src)
	dst = strings.TrimSpace(dst)
	if src == "" {
		return Rule{}, invalidRule(s, "empty source")
	}

	var err error
	if r.Source, err = cleanRelative(src); err != nil {
		return Rule{}, invalidRule(s, err.Error())
	}
	if !doublestar.ValidatePattern(r.Source) {
		return Rule{}, invalidRule(s, "malformed glob")
	}
	if dst != "" {
		if r.Dest, err = cleanRelative(dst); err != nil {
			return Rule{}, invalidRule(s, err.Error())
		}
		if hasMeta(r.Dest) {
			return Rule{}, invalidRule(s, "destination must not contain wildcards")
		}
	}
	if r.Dest == "." {
		r.Dest = ""
	}
	return r, nil
}

// ParseRules parses every rule, stopping at the first error.
func ParseRules(specs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (r Rule) String() string {
	var b strings.Builder
	if r.Optional {
		b.WriteString(OptionalPrefix)
	}
	b.WriteString(r.Source)
	if r.Dest != "" {
		b.WriteString(" => ")
		b.WriteString(r.Dest)
	}
	return b.String()
}

// Target returns where the slash separated path rel lands when r is applied,
// relative to the destination root, and whether r captures rel at all.
func (r Rule) Target(rel string) (string, bool) {
	if r.Source == "." {
		return path.Join(r.Dest, rel), true
	}
	if !hasMeta(r.Source) {
		switch {
		case rel == r.Source:
			return path.Join(r.Dest, path.Base(rel)), true
		case strings.HasPrefix(rel, r.Source+"/"):
			return path.Join(r.Dest, strings.TrimPrefix(rel, r.Source+"/")), true
		}
		return "", false
	}

	base := staticPrefix(r.Source)
	if ok, _ := doublestar.Match(r.Source, rel); ok {
		return path.Join(r.Dest, trimBase(rel, base)), true
	}
	// a wildcard that names a directory captures everything below it
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if ok, _ := doublestar.Match(r.Source, dir); ok {
			return path.Join(r.Dest, trimBase(rel, base)), true
		}
	}
	return "", false
}

// Footprint is the destination path r writes into: the named file or
// directory for a literal source, the destination directory for a glob.
func (r Rule) Footprint() string {
	if r.Source == "." || hasMeta(r.Source) {
		return normDest(r.Dest)
	}
	return path.Join(r.Dest, path.Base(r.Source))
}

// Overlaps reports whether two destination directories are equal or nested.
func Overlaps(a, b string) bool {
	a, b = normDest(a), normDest(b)
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

func normDest(d string) string {
	d = path.Clean(d)
	if d == "." {
		return ""
	}
	return d
}

func staticPrefix(pattern string) string {
	var keep []string
	for _, seg := range strings.Split(pattern, "/") {
		if hasMeta(seg) {
			break
		}
		keep = append(keep, seg)
	}
	return strings.Join(keep, "/")
}

func trimBase(rel, base string) string {
	if base == "" {
		return rel
	}
	return strings.TrimPrefix(rel, base+"/")
}

func hasMeta(s string) bool { return strings.ContainsAny(s, `*?[{\`) }

func cleanRelative(p string) (string, error) {
	p = path.Clean(p)
	if path.IsAbs(p) {
		return "", errString("absolute paths are not allowed")
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", errString("path escapes the working directory")
	}
	return p, nil
}

type errString string

func (e errString) Error() string { return string(e) }

func invalidRule(rule, msg string) error {
	return errdefs.Configuration(errdefs.ReasonInvalidArtifactRule, "", "artifact rule %q: %s", rule, msg)
}
