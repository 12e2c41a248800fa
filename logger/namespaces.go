package logger

import (
	"regexp"
	"strings"
)

// Namespaces holds the compiled include/exclude patterns derived from a
// PERCY_DEBUG-style spec string.
type Namespaces struct {
	Include []*regexp.Regexp
	Exclude []*regexp.Regexp
	String  string
}

var matchAll = regexp.MustCompile(`^.*$`)

// DefaultNamespaces matches every namespace and excludes none.
func DefaultNamespaces() Namespaces {
	return Namespaces{Include: []*regexp.Regexp{matchAll}}
}

// ParseNamespaces compiles a comma or whitespace separated namespace spec.
// Within each token `*` expands to `.*?`, `:*` to `:?.*?`, and a leading `-`
// marks the token as an exclusion.
func ParseNamespaces(spec string) Namespaces {
	ns := Namespaces{String: spec}
	for _, token := range strings.FieldsFunc(spec, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	}) {
		exclude := false
		if strings.HasPrefix(token, "-") {
			exclude = true
			token = token[1:]
		}
		if token == "" {
			continue
		}
		pattern := regexp.QuoteMeta(token)
		pattern = strings.ReplaceAll(pattern, `:\*`, `:?.*?`)
		pattern = strings.ReplaceAll(pattern, `\*`, `.*?`)
		re, err := regexp.Compile("^" + pattern + "$")
		if err != nil {
			continue
		}
		if exclude {
			ns.Exclude = append(ns.Exclude, re)
		} else {
			ns.Include = append(ns.Include, re)
		}
	}
	if len(ns.Include) == 0 && len(ns.Exclude) == 0 && spec == "" {
		return DefaultNamespaces()
	}
	return ns
}

// Match reports whether name passes the namespace filter: no exclude pattern
// matches and at least one include pattern does.
func (ns Namespaces) Match(name string) bool {
	for _, re := range ns.Exclude {
		if re.MatchString(name) {
			return false
		}
	}
	for _, re := range ns.Include {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
