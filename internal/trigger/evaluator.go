package trigger

import (
	"fmt"
	"strings"
)

// EventKind is the kind of VCS event.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventTag         EventKind = "tag"
	EventPullRequest EventKind = "pull_request"
)

const (
	headsPrefix = "refs/heads/"
	tagsPrefix  = "refs/tags/"
	pullPrefix  = "refs/pull/"
)

// Event is an incoming VCS event.
type Event struct {
	Ref    string    `json:"ref"`
	Kind   EventKind `json:"kind"`
	Commit string    `json:"commit"`
}

// VCSRoot describes which refs of a repository are monitored.
type VCSRoot struct {
	DefaultBranch string
	// BranchSpec lists the monitored refs. Nil monitors all branches.
	BranchSpec *Filter
	// UseTagsAsBranches makes tag refs and pull request head refs eligible
	// and subject to the same filters as branches.
	UseTagsAsBranches bool
}

// Decision is the result of evaluating an event.
type Decision struct {
	Start  bool   `json:"start"`
	Ref    string `json:"ref"`
	Branch string `json:"branch,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NormalizeRef expands short refs to full refs according to the event kind:
// "main" on a push becomes "refs/heads/main", "v1" on a tag event becomes
// "refs/tags/v1" and "12" on a pull request becomes "refs/pull/12/head".
func NormalizeRef(ev Event) string {
	ref := strings.TrimSpace(ev.Ref)
	if ref == "" || strings.HasPrefix(ref, "refs/") {
		return ref
	}
	switch ev.Kind {
	case EventTag:
		return tagsPrefix + ref
	case EventPullRequest:
		return pullPrefix + strings.TrimSuffix(ref, "/head") + "/head"
	default:
		return headsPrefix + ref
	}
}

// DefaultLogical returns the logical name of the default branch.
func (r VCSRoot) DefaultLogical() string {
	return shortName(NormalizeRef(Event{Ref: r.DefaultBranch, Kind: EventPush}))
}

// Logical maps a full ref to its logical branch name and reports whether the
// ref is monitored at all.
func (r VCSRoot) Logical(ref string) (string, bool) {
	isDefault := r.DefaultBranch != "" && ref == NormalizeRef(Event{Ref: r.DefaultBranch, Kind: EventPush})
	switch {
	case strings.HasPrefix(ref, headsPrefix):
	case strings.HasPrefix(ref, tagsPrefix), isPullHead(ref):
		if !r.UseTagsAsBranches {
			return "", false
		}
	default:
		return "", false
	}

	if r.BranchSpec.Empty() {
		return shortName(ref), true
	}
	name, included := r.BranchSpec.resolve(ref)
	if !included {
		if isDefault {
			return shortName(ref), true
		}
		return "", false
	}
	return name, true
}

// Evaluate decides whether ev starts a run. It never fails: malformed filters
// are rejected when they are parsed.
func Evaluate(ev Event, root VCSRoot, filter *Filter) Decision {
	ref := NormalizeRef(ev)
	if ref == "" {
		return Decision{Ref: ref, Reason: "event has no ref"}
	}
	branch, ok := root.Logical(ref)
	if !ok {
		return Decision{Ref: ref, Reason: fmt.Sprintf("ref %s is not monitored", ref)}
	}
	if !filter.Match(branch, ref, root.DefaultLogical()) {
		return Decision{Ref: ref, Branch: branch, Reason: fmt.Sprintf("branch %s is excluded by filter", branch)}
	}
	return Decision{Start: true, Ref: ref, Branch: branch}
}

// shortName strips the well-known ref prefixes: branches and tags lose
// "refs/heads/" and "refs/tags/", anything else loses "refs/".
func shortName(ref string) string {
	for _, p := range []string{headsPrefix, tagsPrefix} {
		if strings.HasPrefix(ref, p) {
			return ref[len(p):]
		}
	}
	return strings.TrimPrefix(ref, "refs/")
}

func isPullHead(ref string) bool {
	if !strings.HasPrefix(ref, pullPrefix) {
		return false
	}
	rest := strings.TrimPrefix(ref, pullPrefix)
	num, tail, ok := strings.Cut(rest, "/")
	if !ok || tail != "head" || num == "" {
		return false
	}
	for _, c := range num {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
