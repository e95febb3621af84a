package approval

// platformAliases maps the spellings users type to canonical platform names.
var platformAliases = map[string]string{
	"ios":     "ios",
	"iphone":  "ios",
	"ipad":    "ios",
	"android": "android",
	"win":     "windows",
	"windows": "windows",
	"mac":     "macos",
	"macos":   "macos",
	"osx":     "macos",
	"linux":   "linux",
}

// NormalizePlatform canonicalizes a platform name, returning "" for unknown
// input.
func NormalizePlatform(name string) string {
	return platformAliases[normalizeKey(name)]
}

// KnownPlatforms returns the canonical platform names in a stable order.
func KnownPlatforms() []string {
	return []string{"android", "ios", "windows", "macos", "linux"}
}

func normalizeKey(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		case c == ' ' || c == '\t':
			// skip
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
