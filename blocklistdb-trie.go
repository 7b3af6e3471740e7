package heimdall

import (
	"strings"
)

// The blocklist trie stores reversed-label paths, TLDs at the root.
// Node labels are (offset, length) references into a shared arena, so
// a built trie holds no per-label allocations and is safe for
// concurrent lookups without synchronization.

// Fanout at which a node's linear child list is replaced by a map.
const trieFanoutThreshold = 8

type trieNode struct {
	labelOff uint32
	labelLen uint16

	// This label path is blocked.
	terminal bool
	// This and all deeper names are blocked.
	wildcard bool

	// Indexes into the database's source list.
	exactSource    uint8
	wildcardSource uint8

	children []*trieNode
	childMap map[string]*trieNode
}

// child finds the child carrying the given label. Small fanouts scan
// the slice comparing against arena bytes; larger ones use the map
// built during the build phase.
func (n *trieNode) child(arena *SharedArena, label string) *trieNode {
	if n.childMap != nil {
		return n.childMap[label]
	}
	for _, c := range n.children {
		if bytesEqualFold(arena.Get(c.labelOff, c.labelLen), label) {
			return c
		}
	}
	return nil
}

// Labels are lowercased during the build; query labels are lowercased
// before the walk, so this is a plain byte comparison.
func bytesEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if b[i] != s[i] {
			return false
		}
	}
	return true
}

// TrieDB is an arena-backed blocklist database.
type TrieDB struct {
	sources []RuleSource
	psl     *PSL

	arena       *SharedArena
	root        *trieNode
	sourceNames []string
	ruleCount   int
}

var _ BlocklistDB = &TrieDB{}

// Match walks the reversed labels of the question name through the
// trie. Any wildcard node passed on the way blocks the name; the final
// node blocks it when terminal.
func (m *TrieDB) Match(q Question) (BlockVerdict, *BlocklistMatch) {
	labels := splitName(q.Name)
	n := m.root
	for i := len(labels) - 1; i >= 0; i-- {
		c := n.child(m.arena, labels[i])
		if c == nil {
			return NotBlocked, nil
		}
		if c.wildcard {
			return BlockedWildcard, &BlocklistMatch{
				List: m.sourceNames[c.wildcardSource],
				Rule: "*." + strings.Join(labels[i:], "."),
			}
		}
		if i == 0 && c.terminal {
			return BlockedExact, &BlocklistMatch{
				List: m.sourceNames[c.exactSource],
				Rule: strings.Join(labels, "."),
			}
		}
		n = c
	}
	return NotBlocked, nil
}

// Len returns the number of rules in the database.
func (m *TrieDB) Len() int {
	return m.ruleCount
}

func (m *TrieDB) String() string {
	return "Trie"
}

// Insertion-side node operations, used only during the build.

func (n *trieNode) findOrAddChild(arena *ArenaBuilder, label string) *trieNode {
	if n.childMap != nil {
		if c, ok := n.childMap[label]; ok {
			return c
		}
	} else {
		for _, c := range n.children {
			if bytesEqualFold(arena.Get(c.labelOff, c.labelLen), label) {
				return c
			}
		}
	}
	off, ln, ok := arena.Add([]byte(label))
	if !ok {
		return nil
	}
	c := &trieNode{labelOff: off, labelLen: ln}
	n.children = append(n.children, c)
	if n.childMap != nil {
		n.childMap[label] = c
	} else if len(n.children) > trieFanoutThreshold {
		n.childMap = make(map[string]*trieNode, len(n.children))
		for _, existing := range n.children {
			n.childMap[string(arena.Get(existing.labelOff, existing.labelLen))] = existing
		}
	}
	return c
}
