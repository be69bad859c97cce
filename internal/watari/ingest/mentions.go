package ingest

import (
	"strings"

	"github.com/ajisai/watari/internal/watari/store"
)

// mentionsByText reports whether body contains an @-token addressing the
// mapped agent, by localpart or by name. Names are compared with
// non-alphanumeric characters stripped, so "@MeridianV2" still reaches the
// agent named "Meridian-v2".
func mentionsByText(body string, m *store.AgentMapping) bool {
	if body == "" {
		return false
	}
	wantName := normalizeMention(m.AgentName)
	wantLocal := localpart(m.MatrixUserID)

	rest := body
	for {
		at := strings.IndexByte(rest, '@')
		if at < 0 {
			return false
		}
		rest = rest[at+1:]

		token := mentionToken(rest)
		if token == "" {
			continue
		}
		if token == wantLocal {
			return true
		}
		if wantName != "" && normalizeMention(token) == wantName {
			return true
		}
	}
}

// mentionToken extracts the mention token starting at s: the run of
// characters valid in localparts and names, with trailing punctuation
// stripped.
func mentionToken(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		case r == '.' || r == '_' || r == '-':
			return false
		}
		return true
	})
	if end >= 0 {
		s = s[:end]
	}
	return strings.TrimRight(s, ".-_")
}

// normalizeMention lowercases and strips everything outside [a-z0-9].
func normalizeMention(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// localpart extracts the localpart of an MXID string, or "" when malformed.
func localpart(mxid string) string {
	if !strings.HasPrefix(mxid, "@") {
		return ""
	}
	if colon := strings.IndexByte(mxid, ':'); colon > 1 {
		return mxid[1:colon]
	}
	return ""
}
