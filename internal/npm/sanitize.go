package npm

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// maxSanitizedLen keeps sanitized names under the tightest common
	// filesystem limit (255 bytes) with room for a suffix added by the
	// caller.
	maxSanitizedLen = 200

	componentSep = "+"
	digestSep    = "~"
)

// SanitizeFilename maps a Package to a filesystem-safe file name.
//
// The mapping is injective: each of scope, name and version is escaped
// so it contains only [A-Za-z0-9._-] and '%', then the three are joined
// with "+", which can never appear inside an escaped component.  Names
// therefore never collide and never start with '.' or '-'.
//
// Inputs whose encoding exceeds maxSanitizedLen fall back to a
// truncated prefix plus a SHA-256 digest of the full triple, which
// remains collision-free but is not reversible.
func SanitizeFilename(p Package) string {
	s := escapeComponent(p.Scope) + componentSep +
		escapeComponent(p.Name) + componentSep +
		escapeComponent(p.Version)

	if len(s) <= maxSanitizedLen {
		return s
	}

	sum := sha256.Sum256([]byte(p.Scope + "\x00" + p.Name + "\x00" + p.Version))
	digest := hex.EncodeToString(sum[:])
	keep := maxSanitizedLen - len(digestSep) - len(digest)
	return s[:keep] + digestSep + digest
}

// ParseSanitized inverts SanitizeFilename for names produced without
// the digest fallback.  It reports ok=false for digest-form or
// otherwise unparsable names.
func ParseSanitized(s string) (Package, bool) {
	if strings.Contains(s, digestSep) {
		return Package{}, false
	}
	parts := strings.Split(s, componentSep)
	if len(parts) != 3 {
		return Package{}, false
	}

	scope, ok1 := unescapeComponent(parts[0])
	name, ok2 := unescapeComponent(parts[1])
	version, ok3 := unescapeComponent(parts[2])
	if !ok1 || !ok2 || !ok3 {
		return Package{}, false
	}
	return Package{Scope: scope, Name: name, Version: version}, true
}

func isSafeByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '.' || c == '_' || c == '-':
		return true
	}
	return false
}

const hexDigits = "0123456789ABCDEF"

func escapeComponent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		// a leading '.' or '-' is unsafe as a file name prefix
		if isSafeByte(c) && !(i == 0 && (c == '.' || c == '-')) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

func unescapeComponent(s string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", false
		}
		hi := hexValue(s[i+1])
		lo := hexValue(s[i+2])
		if hi < 0 || lo < 0 {
			return "", false
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), true
}

func hexValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}
