package models

import (
	"fmt"
	"regexp"
)

// Decision is the outcome of a permission check.
type Decision string

const (
	Allow Decision = "allow"
	Ask   Decision = "ask"
	Deny  Decision = "deny"
)

// PermissionProfile holds ordered, pre-compiled allow/ask regex lists.
// Patterns are anchored to the full action string and matched case
// sensitively; they do not match across newlines (§4.1).
type PermissionProfile struct {
	Name  string
	allow []*regexp.Regexp
	ask   []*regexp.Regexp
}

// NewPermissionProfile compiles allow/ask patterns. An invalid regex is a
// fatal construction error, matching §4.1 ("an invalid regex is a fatal
// construction error").
func NewPermissionProfile(name string, allow, ask []string) (*PermissionProfile, error) {
	p := &PermissionProfile{Name: name}
	for _, pat := range allow {
		re, err := compileAnchored(pat)
		if err != nil {
			return nil, fmt.Errorf("permission profile %q: invalid allow pattern %q: %w", name, pat, err)
		}
		p.allow = append(p.allow, re)
	}
	for _, pat := range ask {
		re, err := compileAnchored(pat)
		if err != nil {
			return nil, fmt.Errorf("permission profile %q: invalid ask pattern %q: %w", name, pat, err)
		}
		p.ask = append(p.ask, re)
	}
	return p, nil
}

// compileAnchored wraps pattern so matching is anchored to the full
// action string. Deliberately does not set the "s" (dot-matches-newline)
// flag: a detail string containing a newline will fail to match any
// pattern that does not itself account for it (§4.1).
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`\A(?:` + pattern + `)\z`)
}

// AllowPatterns returns the source patterns of the allow list, in order.
func (p *PermissionProfile) AllowPatterns() []string { return patternStrings(p.allow) }

// AskPatterns returns the source patterns of the ask list, in order.
func (p *PermissionProfile) AskPatterns() []string { return patternStrings(p.ask) }

func patternStrings(res []*regexp.Regexp) []string {
	out := make([]string, len(res))
	for i, re := range res {
		out[i] = re.String()
	}
	return out
}

// AllowRegexps and AskRegexps expose the compiled regex slices to the
// permission engine package; they are exported methods, kept here since
// PermissionProfile owns compilation per §4.1: "Patterns compile at
// profile construction").
func (p *PermissionProfile) AllowRegexps() []*regexp.Regexp { return p.allow }
func (p *PermissionProfile) AskRegexps() []*regexp.Regexp   { return p.ask }
