package heimdall

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPSLPublicSuffix(t *testing.T) {
	psl := NewPSL([]string{
		"// comment line",
		"",
		"com",
		"co.uk",
		"uk",
		"*.ck",
		"!www.ck",
	})

	tests := []struct {
		name   string
		suffix string
	}{
		{"www.example.com", "com"},
		{"example.com", "com"},
		{"com", "com"},
		{"example.co.uk", "co.uk"},
		{"www.example.co.uk", "co.uk"},
		{"foo.bar.ck", "bar.ck"}, // wildcard rule
		{"www.ck", "ck"},         // exception rule
		{"sub.www.ck", "ck"},
		{"example.zz", "zz"}, // implicit "*" rule
	}
	for _, test := range tests {
		require.Equal(t, test.suffix, psl.PublicSuffix(test.name), "name: %s", test.name)
	}
}

func TestPSLRegistrableDomain(t *testing.T) {
	psl := NewPSL([]string{"com", "co.uk", "*.ck", "!www.ck"})

	tests := []struct {
		name string
		reg  string
	}{
		{"www.example.com", "example.com"},
		{"example.com", "example.com"},
		{"a.b.c.example.co.uk", "example.co.uk"},
		{"foo.bar.ck", "foo.bar.ck"}, // public suffix is bar.ck via the wildcard
		{"www.ck", "www.ck"},
		{"com", ""},
		{"co.uk", ""},
		{"", ""},
	}
	for _, test := range tests {
		require.Equal(t, test.reg, psl.RegistrableDomain(test.name), "name: %s", test.name)
	}
}
