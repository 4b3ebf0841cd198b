// Package identity derives dedup keys for source feeds.
//
// A feed may be known under several strings over its lifetime ("@name", "name",
// its numeric id). All of them form the feed's alias set and must be kept in sync
// in the dedup store, otherwise a rename silently resets the high-water mark.
package identity

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/BTreeMap/RelayPipe/internal/models"
)

// UsernameMarker prefixes usernames in canonical keys.
const UsernameMarker = "@"

// ResolveKey returns the primary dedup key for a feed: "@username" when the
// feed has a username, else its numeric id, else the fallback handle.
// The boolean is false when no key can be derived; callers skip the feed.
func ResolveKey(e models.Entity, fallback string) (string, bool) {
	if name := normalizeUsername(e.Username); name != "" {
		return UsernameMarker + name, true
	}
	if e.ID != 0 {
		return strconv.FormatInt(e.ID, 10), true
	}
	if fb := strings.TrimSpace(fallback); fb != "" {
		return fb, true
	}
	slog.Debug("identity.ResolveKey: no key derivable", "title", e.Title)
	return "", false
}

// AliasSet returns every key under which the feed may have been recorded:
// the username with and without the marker, each known handle normalized
// both ways (numeric handles verbatim), and the numeric id.
// The result is deduplicated and sorted.
func AliasSet(e models.Entity, known ...string) []string {
	set := make(map[string]struct{})
	add := func(k string) {
		if k != "" {
			set[k] = struct{}{}
		}
	}

	if name := normalizeUsername(e.Username); name != "" {
		add(UsernameMarker + name)
		add(name)
	}
	for _, h := range known {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if isNumeric(h) {
			add(h)
			continue
		}
		name := normalizeUsername(h)
		add(name)
		add(UsernameMarker + name)
	}
	if e.ID != 0 {
		add(strconv.FormatInt(e.ID, 10))
	}

	aliases := make([]string, 0, len(set))
	for k := range set {
		aliases = append(aliases, k)
	}
	sort.Strings(aliases)
	return aliases
}

func normalizeUsername(s string) string {
	return strings.TrimLeft(strings.TrimSpace(s), UsernameMarker)
}

func isNumeric(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}
