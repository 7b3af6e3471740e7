package heimdall

import (
	"bufio"
	"io"
	"strings"
)

// PSL holds the Public Suffix List rules and answers registrable-domain
// lookups. Rules come in three kinds: normal ("com"), wildcard
// ("*.ck") and exception ("!www.ck"). Built once, then read-only.
type PSL struct {
	rules map[string]pslRuleKind
}

type pslRuleKind uint8

const (
	pslNormal pslRuleKind = iota
	pslWildcard
	pslException
)

// NewPSL builds a list from textual rules, one per line. Comments
// ("//") and empty lines are skipped.
func NewPSL(lines []string) *PSL {
	p := &PSL{rules: make(map[string]pslRuleKind, len(lines))}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		// Only the first token matters, the official list has no
		// trailing content but be lenient.
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			line = line[:i]
		}
		line = strings.ToLower(line)
		switch {
		case strings.HasPrefix(line, "!"):
			p.rules[line[1:]] = pslException
		case strings.HasPrefix(line, "*."):
			p.rules[line[2:]] = pslWildcard
		default:
			p.rules[line] = pslNormal
		}
	}
	return p
}

// ReadPSL builds a list from a reader over the textual list format.
func ReadPSL(r io.Reader) (*PSL, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return NewPSL(lines), nil
}

// A minimal fallback used when no list file is configured.
// The real list is published at https://publicsuffix.org.
var defaultPSLRules = []string{
	"com", "net", "org", "edu", "gov", "mil", "int", "io", "dev", "app",
	"co.uk", "org.uk", "ac.uk", "gov.uk",
	"com.au", "net.au", "org.au",
	"co.jp", "ne.jp", "or.jp",
	"com.br", "net.br",
	"co.za", "co.in", "co.nz",
	"de", "fr", "nl", "it", "es", "se", "no", "fi", "pl", "ru", "ch", "at", "be",
	"ca", "us", "uk", "au", "jp", "br", "in", "nz", "za", "cn", "kr", "mx",
}

// DefaultPSL returns the bundled minimal list.
func DefaultPSL() *PSL {
	return NewPSL(defaultPSLRules)
}

// PublicSuffix returns the public suffix of the name per the PSL
// matching algorithm: the prevailing rule is the matching exception
// rule if any, otherwise the longest matching rule, otherwise the
// implicit "*" rule (the bare TLD).
func (p *PSL) PublicSuffix(name string) string {
	labels := splitName(name)
	if len(labels) == 0 {
		return ""
	}
	var (
		best      string
		bestCount int
	)
	for i := 0; i < len(labels); i++ {
		suffix := strings.Join(labels[i:], ".")
		if kind, ok := p.rules[suffix]; ok {
			switch kind {
			case pslException:
				// Exception prevails: its public suffix is the rule
				// with the leftmost label removed.
				return strings.Join(labels[i+1:], ".")
			case pslNormal:
				if n := len(labels) - i; n > bestCount {
					best, bestCount = suffix, n
				}
			}
		}
		// A wildcard rule at the parent makes this whole suffix public.
		parent := strings.Join(labels[i+1:], ".")
		if kind, ok := p.rules[parent]; ok && kind == pslWildcard {
			if n := len(labels) - i; n > bestCount {
				best, bestCount = suffix, n
			}
		}
	}
	if best == "" {
		// Implicit "*" rule: the TLD itself.
		best = labels[len(labels)-1]
	}
	return best
}

// RegistrableDomain returns the name immediately below the public
// suffix of the given name, or "" when the name is itself at or above
// the public suffix.
func (p *PSL) RegistrableDomain(name string) string {
	labels := splitName(name)
	if len(labels) == 0 {
		return ""
	}
	ps := p.PublicSuffix(name)
	psCount := len(strings.Split(ps, "."))
	if len(labels) <= psCount {
		return ""
	}
	return strings.Join(labels[len(labels)-psCount-1:], ".")
}

func splitName(name string) []string {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if name == "" {
		return nil
	}
	return strings.Split(name, ".")
}
