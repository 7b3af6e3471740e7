package heimdall

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalName(t *testing.T) {
	require.Equal(t, "example.com.", CanonicalName("EXAMPLE.Com"))
	require.Equal(t, "example.com.", CanonicalName("example.com."))
	require.Equal(t, ".", CanonicalName("."))
}

func TestValidHostname(t *testing.T) {
	valid := []string{
		"example.com",
		"example.com.",
		"a.b-c.d-e.com",
		"xn--nxasmq6b.example",
		strings.Repeat("a", 63) + ".com",
	}
	for _, name := range valid {
		require.True(t, validHostname(name), "name: %s", name)
	}

	invalid := []string{
		"",
		".",
		"..",
		"ex ample.com",
		"exam!ple.com",
		"a.b-c.d_e.com",
		strings.Repeat("a", 64) + ".com",
		strings.Repeat("abcdefgh.", 29), // over the length limit
	}
	for _, name := range invalid {
		require.False(t, validHostname(name), "name: %s", name)
	}
}
