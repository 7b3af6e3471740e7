package heimdall

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func question(name string) Question {
	return Question{Name: Fqdn(name), Qtype: TypeA, Qclass: ClassINET}
}

func TestTrieDBMatch(t *testing.T) {
	db, err := NewTrieDB(nil, RuleSource{
		Name: "testlist",
		Loader: NewStaticLoader([]string{
			"ads.tracking.com",
			"*.banners.net",
			"0.0.0.0 hosts-entry.org # from a hosts file",
			"# a comment",
			"not a domain !!",
		}),
	})
	require.NoError(t, err)

	// Exact match.
	verdict, match := db.Match(question("ads.tracking.com"))
	require.Equal(t, BlockedExact, verdict)
	require.Equal(t, "testlist", match.List)
	require.Equal(t, "ads.tracking.com", match.Rule)

	// Case-insensitive.
	verdict, _ = db.Match(question("ADS.Tracking.COM"))
	require.Equal(t, BlockedExact, verdict)

	// Subdomains of an exact rule are not blocked.
	verdict, _ = db.Match(question("sub.ads.tracking.com"))
	require.Equal(t, NotBlocked, verdict)

	// Wildcard blocks the name and everything below it.
	for _, name := range []string{"banners.net", "x.banners.net", "a.b.c.banners.net"} {
		verdict, match = db.Match(question(name))
		require.Equal(t, BlockedWildcard, verdict, "name: %s", name)
		require.Equal(t, "*.banners.net", match.Rule)
	}

	// Hosts-file entry.
	verdict, _ = db.Match(question("hosts-entry.org"))
	require.Equal(t, BlockedExact, verdict)

	// Unrelated names pass.
	for _, name := range []string{"tracking.com", "example.com", "net"} {
		verdict, _ = db.Match(question(name))
		require.Equal(t, NotBlocked, verdict, "name: %s", name)
	}
}

func TestTrieDBSubdomainMode(t *testing.T) {
	db, err := NewTrieDB(nil, RuleSource{
		Name:            "strict",
		Loader:          NewStaticLoader([]string{"ads.tracking.com"}),
		BlockSubdomains: true,
	})
	require.NoError(t, err)

	// With subdomain blocking, exact entries behave like wildcards;
	// the verdict is closed under descent.
	for _, name := range []string{"ads.tracking.com", "sub.ads.tracking.com", "a.b.sub.ads.tracking.com"} {
		verdict, _ := db.Match(question(name))
		require.Equal(t, BlockedWildcard, verdict, "name: %s", name)
	}
}

func TestTrieDBDedup(t *testing.T) {
	// The descendant rules are folded into the wildcard during the
	// build; matching is unchanged.
	db, err := NewTrieDB(nil, RuleSource{
		Name: "list",
		Loader: NewStaticLoader([]string{
			"*.evil.co.uk",
			"tracker.evil.co.uk",
			"deep.down.tracker.evil.co.uk",
			"other.co.uk",
		}),
	})
	require.NoError(t, err)
	require.Equal(t, 2, db.Len())

	for _, name := range []string{"evil.co.uk", "tracker.evil.co.uk", "deep.down.tracker.evil.co.uk"} {
		verdict, _ := db.Match(question(name))
		require.Equal(t, BlockedWildcard, verdict, "name: %s", name)
	}
	verdict, _ := db.Match(question("other.co.uk"))
	require.Equal(t, BlockedExact, verdict)
}

func TestTrieDBDedupPublicSuffixBoundary(t *testing.T) {
	// A wildcard on a public suffix must not fold rules of separate
	// registrations below it.
	db, err := NewTrieDB(nil, RuleSource{
		Name: "list",
		Loader: NewStaticLoader([]string{
			"*.co.uk",
			"victim.co.uk",
		}),
	})
	require.NoError(t, err)
	require.Equal(t, 2, db.Len())
}

func TestTrieDBLargeFanout(t *testing.T) {
	// More children than the linear-scan threshold flips nodes to map
	// lookups; results must not change.
	var rules []string
	for i := 0; i < 40; i++ {
		rules = append(rules, "host"+uitoa(uint32(i))+".example.com")
	}
	db, err := NewTrieDB(nil, RuleSource{Name: "list", Loader: NewStaticLoader(rules)})
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		verdict, _ := db.Match(question("host" + uitoa(uint32(i)) + ".example.com"))
		require.Equal(t, BlockedExact, verdict)
	}
	verdict, _ := db.Match(question("host99.example.com"))
	require.Equal(t, NotBlocked, verdict)
}

func TestBlocklistResolver(t *testing.T) {
	var ci ClientInfo
	db, err := NewTrieDB(nil, RuleSource{
		Name:            "list",
		Loader:          NewStaticLoader([]string{"ads.tracking.com"}),
		BlockSubdomains: true,
	})
	require.NoError(t, err)

	r := aAnswer(300, "192.0.2.1")
	b, err := NewBlocklist("test-blocklist", r, BlocklistOptions{BlocklistDB: db})
	require.NoError(t, err)

	// Unblocked query is passed through to the resolver.
	q := new(Packet)
	q.SetQuestion("test.com.", TypeA)
	_, err = b.Resolve(q, ci)
	require.NoError(t, err)
	require.Equal(t, 1, r.HitCount())

	// A blocked subdomain comes back as NXDOMAIN with no answers.
	q = new(Packet)
	q.SetQuestion("sub.ads.tracking.com.", TypeA)
	a, err := b.Resolve(q, ci)
	require.NoError(t, err)
	require.Equal(t, 1, r.HitCount())
	require.Equal(t, RcodeNameError, a.Rcode)
	require.Empty(t, a.Answer)
}

func TestBlocklistModes(t *testing.T) {
	var ci ClientInfo
	newDB := func() BlocklistDB {
		db, err := NewTrieDB(nil, RuleSource{Name: "list", Loader: NewStaticLoader([]string{"blocked.com"})})
		require.NoError(t, err)
		return db
	}
	next := aAnswer(300, "192.0.2.1")

	q := new(Packet)
	q.SetQuestion("blocked.com.", TypeA)

	// Zero-IP mode answers with the unspecified address.
	b, err := NewBlocklist("zero", next, BlocklistOptions{BlocklistDB: newDB(), Mode: BlockModeZeroIP})
	require.NoError(t, err)
	a, err := b.Resolve(q, ci)
	require.NoError(t, err)
	require.Equal(t, RcodeSuccess, a.Rcode)
	require.Len(t, a.Answer, 1)
	require.Equal(t, "0.0.0.0", a.Answer[0].Data.(*A).IP.String())

	// Refused mode.
	b, err = NewBlocklist("refused", next, BlocklistOptions{BlocklistDB: newDB(), Mode: BlockModeRefused})
	require.NoError(t, err)
	a, err = b.Resolve(q, ci)
	require.NoError(t, err)
	require.Equal(t, RcodeRefused, a.Rcode)
}

func TestArena(t *testing.T) {
	builder := NewArenaBuilder(64)
	off1, len1, ok := builder.Add([]byte("example"))
	require.True(t, ok)
	off2, len2, ok := builder.Add([]byte("com"))
	require.True(t, ok)
	require.Equal(t, uint32(0), off1)
	require.Equal(t, uint32(7), off2)

	arena := builder.Seal()
	require.Equal(t, []byte("example"), arena.Get(off1, len1))
	require.Equal(t, []byte("com"), arena.Get(off2, len2))

	// Out-of-bounds handles return nil.
	require.Nil(t, arena.Get(8, 100))
}
