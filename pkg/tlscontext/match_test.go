package tlscontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestMatchHostnamePattern(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		pattern  string
		expected bool
	}{
		{"wildcard matches one label", "foo.example.com", "*.example.com", true},
		{"wildcard does not absorb the dot", "example.com", "*.example.com", false},
		{"wildcard covers a single label only", "a.b.example.com", "*.example.com", false},
		{"exact match", "foo.example.com", "foo.example.com", true},
		{"case insensitive", "FOO.Example.COM", "foo.example.com", true},
		{"case insensitive pattern", "foo.example.com", "FOO.EXAMPLE.COM", true},
		{"wildcard after prefix", "foo.example.com", "f*.example.com", true},
		{"wildcard mid pattern", "foo.example.com", "foo.*.com", true},
		{"host longer than pattern", "foo.example.com.evil", "foo.example.com", false},
		{"pattern longer than host", "foo", "foo.example.com", false},
		{"empty hostname", "", "*.example.com", false},
		{"empty pattern", "foo.example.com", "", false},
		{"plain mismatch", "bar.example.com", "foo.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MatchHostnamePattern(tt.hostname, tt.pattern))
		})
	}
}

func TestMatchHostnamePatternProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		label := rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(t, "label")
		extra := rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(t, "extra")
		domain := rapid.StringMatching(`[a-z0-9]{1,12}\.[a-z]{2,6}`).Draw(t, "domain")

		// A literal pattern matches exactly itself.
		host := label + "." + domain
		assert.True(t, MatchHostnamePattern(host, host))

		// A head wildcard matches exactly one extra label.
		pattern := "*." + domain
		assert.True(t, MatchHostnamePattern(host, pattern))
		assert.False(t, MatchHostnamePattern(domain, pattern))
		assert.False(t, MatchHostnamePattern(extra+"."+label+"."+domain, pattern))
	})
}
