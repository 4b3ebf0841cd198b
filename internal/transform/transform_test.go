package transform

import (
	"strings"
	"testing"
	"unicode/utf8"
)

const testSignature = "کانال رسمی روزنامه دنیای اقتصاد"

func TestStripSignature(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"icons on both sides", "Hello 🎉 کانال رسمی روزنامه دنیای اقتصاد 🎉", "Hello"},
		{"start of text", "📢کانال رسمی روزنامه دنیای اقتصاد📢\nخبر مهم", "خبر مهم"},
		{"squeezed spacing", "خبر\n\n🔻کانال رسمیروزنامه دنیای  اقتصاد🔻", "خبر"},
		{"variation selector emoji", "Body\n\n❤️ کانال رسمی روزنامه دنیای اقتصاد ❤️", "Body"},
		{"middle of text", "line one\n\n🆔 کانال رسمی روزنامه دنیای اقتصاد\n\n\n\nline two", "line one\n\nline two"},
		{"no signature", "  just text  ", "just text"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripSignature(tt.in, testSignature); got != tt.want {
				t.Errorf("StripSignature(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripSignature_CaseInsensitive(t *testing.T) {
	got := StripSignature("News ★ Official Channel ★\nmore", "official channel")
	// Space before the leading icon is not part of the match.
	if got != "News \nmore" {
		t.Errorf("unexpected result %q", got)
	}
}

func TestStripSignature_EmptyPhraseKeepsText(t *testing.T) {
	in := "  keep\n\n\n\nme  "
	if got := StripSignature(in, ""); got != in {
		t.Errorf("expected text unchanged, got %q", got)
	}
}

func TestStripSignature_CollapsesBlankRuns(t *testing.T) {
	got := StripSignature("a\n\n \n\t\nb", testSignature)
	if got != "a\n\nb" {
		t.Errorf("expected blank runs collapsed, got %q", got)
	}
}

func TestReplaceIdentity(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		old, new string
		want     string
	}{
		{"simple", "follow @oldnews today", "oldnews", "newTok", "follow @newTok today"},
		{"case insensitive", "@OldNews and @OLDNEWS", "@oldnews", "@newTok", "@newTok and @newTok"},
		{"word boundary", "@oldnews_archive and @oldnewsx", "oldnews", "newTok", "@oldnews_archive and @oldnewsx"},
		{"persian suffix is a word rune", "@oldnewsخبر", "oldnews", "newTok", "@oldnewsخبر"},
		{"punctuation ends the word", "(@oldnews), @oldnews.", "oldnews", "newTok", "(@newTok), @newTok."},
		{"end of text", "🆔 @oldnews", "oldnews", "newTok", "🆔 @newTok"},
		{"no at sign", "oldnews", "oldnews", "newTok", "oldnews"},
		{"empty old", "@oldnews", "", "newTok", "@oldnews"},
		{"empty text", "", "oldnews", "newTok", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReplaceIdentity(tt.text, tt.old, tt.new); got != tt.want {
				t.Errorf("ReplaceIdentity(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestReplaceIdentity_ReusesCompiledPattern(t *testing.T) {
	if got := ReplaceIdentity("see @OldChannel", "oldchannel", "newTok"); got != "see @newTok" {
		t.Fatalf("unexpected rewrite %q", got)
	}
	first, ok := patterns.Load(mentionKey("oldchannel"))
	if !ok {
		t.Fatal("expected mention pattern cached after first use")
	}

	if got := ReplaceIdentity("@OLDCHANNEL!", "OldChannel", "newTok"); got != "@newTok!" {
		t.Fatalf("unexpected rewrite %q", got)
	}
	second, _ := patterns.Load(mentionKey("OldChannel"))
	if first != second {
		t.Error("expected differently cased usernames to share one compiled pattern")
	}
}

func TestTagLongText(t *testing.T) {
	long := strings.Repeat("a", 250)

	got := TagLongText(long, "newTok", 200)
	if !strings.HasSuffix(got, "\n\n@newTok") {
		t.Errorf("expected blank-line tag suffix, got tail %q", got[len(got)-12:])
	}
	if !strings.HasPrefix(got, long) {
		t.Error("expected body preserved")
	}

	short := strings.Repeat("a", 199)
	if got := TagLongText(short, "newTok", 200); got != short {
		t.Error("expected short text untouched")
	}

	tagged := long + "\n\n@newTok"
	if got := TagLongText(tagged, "@newTok", 200); got != tagged {
		t.Errorf("expected already-tagged text untouched, got %q", got)
	}

	withBreak := long + "\n"
	if got := TagLongText(withBreak, "newTok", 200); got != withBreak+"@newTok" {
		t.Errorf("expected tag directly after line break, got tail %q", got[len(got)-10:])
	}

	trailingSpace := long + "   "
	if got := TagLongText(trailingSpace, "newTok", 200); got != long+"\n\n@newTok" {
		t.Errorf("expected trailing space trimmed before tag")
	}
}

func TestTagLongText_CountsRunes(t *testing.T) {
	// 150 Persian letters are 300 bytes but only 150 characters.
	persian := strings.Repeat("خ", 150)
	if got := TagLongText(persian, "newTok", 200); got != persian {
		t.Errorf("expected no tag for %d runes", utf8.RuneCountInString(persian))
	}
	persian = strings.Repeat("خ", 200)
	if got := TagLongText(persian, "newTok", 0); !strings.HasSuffix(got, "\n\n@newTok") {
		t.Error("expected default threshold to apply")
	}
}

func TestPipeline_Apply(t *testing.T) {
	p := Pipeline{Signature: testSignature, NewUsername: "newTok", MinTagLength: 200}

	if got := p.Apply("Hello 🎉 کانال رسمی روزنامه دنیای اقتصاد 🎉", "source"); got != "Hello" {
		t.Errorf("expected %q, got %q", "Hello", got)
	}

	// Without a replacement list the source feed's own username is rewritten.
	if got := p.Apply("via @source", "source"); got != "via @newTok" {
		t.Errorf("expected source username rewritten, got %q", got)
	}

	p.Replacements = []string{"alpha", "@beta"}
	if got := p.Apply("@alpha @beta @source", "source"); got != "@newTok @newTok @source" {
		t.Errorf("expected only listed tokens rewritten, got %q", got)
	}

	body := strings.Repeat("b", 250)
	if got := p.Apply(body, "source"); !strings.HasSuffix(got, "\n\n@newTok") {
		t.Error("expected long text tagged")
	}
}

func TestPipeline_NoNewUsernameOnlyStrips(t *testing.T) {
	p := Pipeline{Signature: testSignature}
	body := strings.Repeat("c", 300) + " @source"
	if got := p.Apply(body, "source"); got != body {
		t.Errorf("expected body untouched apart from stripping")
	}
}
