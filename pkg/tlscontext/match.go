package tlscontext

// MatchHostnamePattern reports whether hostname matches pattern under
// certificate name-matching rules. Comparison is ASCII case-insensitive. A
// '*' in the pattern matches zero or more characters of the hostname up to,
// but not including, the next '.'. The pattern must account for the whole
// hostname: "*.example.com" matches "foo.example.com" but neither
// "example.com" nor "a.b.example.com".
func MatchHostnamePattern(hostname, pattern string) bool {
	if hostname == "" || pattern == "" {
		return false
	}

	j := 0
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			for j < len(hostname) && hostname[j] != '.' {
				j++
			}
			continue
		}
		if j >= len(hostname) || lowerASCII(pattern[i]) != lowerASCII(hostname[j]) {
			return false
		}
		j++
	}
	return j == len(hostname)
}

func lowerASCII(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}
