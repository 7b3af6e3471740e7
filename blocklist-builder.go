package heimdall

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

// RuleSource couples a loader with the name its rules are tagged with.
type RuleSource struct {
	// Name used in logs and match results.
	Name string

	Loader BlocklistLoader

	// When enabled, plain hostnames from this source block their
	// subdomains as well, as if written as wildcards.
	BlockSubdomains bool
}

// NewTrieDB loads all sources and builds the arena-backed trie. A nil
// PSL falls back to the bundled minimal list.
func NewTrieDB(psl *PSL, sources ...RuleSource) (*TrieDB, error) {
	if psl == nil {
		psl = DefaultPSL()
	}
	db := &TrieDB{sources: sources, psl: psl}
	if err := db.build(); err != nil {
		return nil, err
	}
	return db, nil
}

// Reload re-runs all loaders and builds a fresh database. The old one
// stays valid for readers holding it.
func (m *TrieDB) Reload() (BlocklistDB, error) {
	fresh := &TrieDB{sources: m.sources, psl: m.psl}
	if err := fresh.build(); err != nil {
		return nil, err
	}
	return fresh, nil
}

type blockRule struct {
	name     string // lowercase, no trailing dot
	wildcard bool
	source   uint8
}

func (m *TrieDB) build() error {
	if len(m.sources) > 255 {
		return errors.New("too many blocklist sources")
	}
	rules := make(map[string]*blockRule)
	m.sourceNames = make([]string, len(m.sources))
	for i, src := range m.sources {
		m.sourceNames[i] = src.Name
		lines, err := src.Loader.Load()
		if err != nil {
			return errors.Wrapf(err, "failed to load blocklist %q", src.Name)
		}
		for _, line := range lines {
			name, wildcard, ok := parseRuleLine(line)
			if !ok {
				continue
			}
			if src.BlockSubdomains {
				wildcard = true
			}
			r, exists := rules[name]
			if !exists {
				rules[name] = &blockRule{name: name, wildcard: wildcard, source: uint8(i)}
				continue
			}
			// A wildcard wins over an exact rule for the same name.
			if wildcard && !r.wildcard {
				r.wildcard = true
				r.source = uint8(i)
			}
		}
	}

	m.dedup(rules)

	arena := NewArenaBuilder(estimateArenaSize(rules))
	root := &trieNode{}
	for _, r := range rules {
		labels := strings.Split(r.name, ".")
		n := root
		for i := len(labels) - 1; i >= 0; i-- {
			n = n.findOrAddChild(arena, labels[i])
			if n == nil {
				return errors.Errorf("blocklist label too long in %q", r.name)
			}
		}
		if r.wildcard {
			n.wildcard = true
			n.wildcardSource = r.source
		} else {
			n.terminal = true
			n.exactSource = r.source
		}
	}
	m.arena = arena.Seal()
	m.root = root
	m.ruleCount = len(rules)
	Log.WithField("rules", m.ruleCount).WithField("arena-bytes", len(m.arena.Bytes())).
		Debug("built blocklist trie")
	return nil
}

// dedup drops rules shadowed by a wildcard ancestor. Folding stops at
// the registrable-domain boundary: a wildcard at or above a public
// suffix never swallows rules below a different registration.
func (m *TrieDB) dedup(rules map[string]*blockRule) {
	for name := range rules {
		reg := m.psl.RegistrableDomain(name)
		if reg == "" || reg == name {
			continue
		}
		// Walk ancestors from the parent down to the registrable
		// domain, inclusive.
		ancestor := name
		for {
			i := strings.IndexByte(ancestor, '.')
			if i < 0 {
				break
			}
			ancestor = ancestor[i+1:]
			if len(ancestor) < len(reg) {
				break
			}
			if a, ok := rules[ancestor]; ok && a.wildcard {
				// Shadowed: a wildcard ancestor already blocks this
				// name and everything below it.
				delete(rules, name)
				break
			}
			if ancestor == reg {
				break
			}
		}
	}
}

// parseRuleLine extracts a domain from one blocklist line. Plain
// domains, "*.domain" wildcards and hosts-file lines ("0.0.0.0 domain")
// are accepted; comments and invalid names are skipped.
func parseRuleLine(line string) (name string, wildcard bool, ok bool) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	switch len(fields) {
	case 0:
		return "", false, false
	case 1:
		name = fields[0]
	default:
		// Hosts-file form, the address field is discarded.
		if net.ParseIP(fields[0]) == nil {
			return "", false, false
		}
		name = fields[1]
	}
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if strings.HasPrefix(name, "*.") {
		wildcard = true
		name = name[2:]
	}
	if !validHostname(name) {
		return "", false, false
	}
	return name, wildcard, true
}

func estimateArenaSize(rules map[string]*blockRule) int {
	var size int
	for name := range rules {
		size += len(name)
	}
	return size
}
