// Package transform rewrites a source post before it is relayed.
//
// The stages are pure and total: empty input comes back unchanged, and no stage
// returns an error. Pipeline.Apply runs them in order: signature stripping,
// identity rewriting, then long-text tagging.
package transform

import (
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/RelayPipe/internal/identity"
)

// DefaultMinTagLength is the rune length from which a body gets the identity tag appended.
const DefaultMinTagLength = 200

const (
	// space covers ASCII and Unicode separators; RE2's \s is ASCII only.
	space = `[\s\p{Z}]`
	// glyph is anything that is not a letter, digit, underscore or space:
	// emoji, pictographs, punctuation and the variation selectors that follow them.
	glyph = `[^\p{L}\p{N}_\s\p{Z}]`
)

var (
	blankRunRe = regexp.MustCompile(`\n` + space + `*\n` + space + `*\n`)
	patterns   sync.Map // cache key -> *regexp.Regexp
)

// cachedRegexp compiles the pattern built by build once per key.
func cachedRegexp(key string, build func() string) *regexp.Regexp {
	if re, ok := patterns.Load(key); ok {
		return re.(*regexp.Regexp)
	}
	re, _ := patterns.LoadOrStore(key, regexp.MustCompile(build()))
	return re.(*regexp.Regexp)
}

func signatureRegexp(phrase string) *regexp.Regexp {
	return cachedRegexp("signature:"+phrase, func() string {
		words := strings.Fields(phrase)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		return `(?i)` + glyph + `*` + space + `*` +
			strings.Join(words, space+`*`) +
			space + `*` + glyph + `*`
	})
}

// mentionKey is the cache key of the mention pattern for username.
// The pattern is case-insensitive, so keys are too.
func mentionKey(username string) string {
	return "mention:" + strings.ToLower(username)
}

func mentionRegexp(username string) *regexp.Regexp {
	return cachedRegexp(mentionKey(username), func() string {
		return `(?i)` + regexp.QuoteMeta(identity.UsernameMarker+username)
	})
}

// StripSignature removes every occurrence of phrase together with the icons
// hugging it, collapses runs of blank lines to a single blank line and trims
// the result. Words of the phrase may be separated by any amount of space,
// including none.
func StripSignature(text, phrase string) string {
	if text == "" || strings.TrimSpace(phrase) == "" {
		return text
	}
	text = signatureRegexp(phrase).ReplaceAllString(text, "")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// ReplaceIdentity rewrites whole-word "@old" mentions, in any letter case, to "@new".
// A mention followed by another word rune ("@oldnews" for old "old") is left alone.
func ReplaceIdentity(text, old, new string) string {
	old = strings.TrimLeft(old, identity.UsernameMarker)
	new = strings.TrimLeft(new, identity.UsernameMarker)
	if text == "" || old == "" || new == "" {
		return text
	}

	matches := mentionRegexp(old).FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		if next, _ := utf8.DecodeRuneInString(text[m[1]:]); m[1] < len(text) && isWordRune(next) {
			continue
		}
		b.WriteString(text[last:m[0]])
		b.WriteString(identity.UsernameMarker)
		b.WriteString(new)
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

// TagLongText appends "@tag" to bodies of at least minLen runes that do not
// already end with it. A body ending in a line break gets the tag on the next
// line; any other body gets a blank line before the tag.
func TagLongText(text, tag string, minLen int) string {
	tag = strings.TrimLeft(tag, identity.UsernameMarker)
	if text == "" || tag == "" {
		return text
	}
	if minLen <= 0 {
		minLen = DefaultMinTagLength
	}
	if utf8.RuneCountInString(text) < minLen {
		return text
	}

	mention := identity.UsernameMarker + tag
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	if strings.HasSuffix(trimmed, mention) {
		return text
	}
	if strings.HasSuffix(text, "\n") {
		return text + mention
	}
	return trimmed + "\n\n" + mention
}

// Pipeline holds the configured rewrite rules.
type Pipeline struct {
	// Signature is the promotional phrase to strip; empty disables stripping.
	Signature string
	// Replacements are old identity tokens to rewrite. When empty, the source
	// feed's own username is rewritten instead.
	Replacements []string
	// NewUsername is the replacement token. Rewriting and tagging are skipped when empty.
	NewUsername string
	// MinTagLength defaults to DefaultMinTagLength.
	MinTagLength int
}

// Apply runs every stage on text. sourceUsername is the username of the feed
// the post came from.
func (p Pipeline) Apply(text, sourceUsername string) string {
	text = StripSignature(text, p.Signature)
	if p.NewUsername == "" {
		return text
	}

	if len(p.Replacements) > 0 {
		for _, old := range p.Replacements {
			text = ReplaceIdentity(text, old, p.NewUsername)
		}
	} else if sourceUsername != "" {
		text = ReplaceIdentity(text, sourceUsername, p.NewUsername)
	}

	return TagLongText(text, p.NewUsername, p.MinTagLength)
}
