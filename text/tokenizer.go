package text

import (
	"strings"
	"unicode"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/unicode/norm"
)

// Tokenizer splits a string into an ordered sequence of sub-tokens.
type Tokenizer interface {
	Tokenize(s string) []string
}

// TokenizerFunc adapts a plain function to Tokenizer.
type TokenizerFunc func(string) []string

func (f TokenizerFunc) Tokenize(s string) []string { return f(s) }

// basicPattern matches runs of letters, runs of digits, or a single symbol.
const basicPattern = `\p{L}+(?:'\p{L}+)?|\p{N}+|[^\s\p{L}\p{N}]`

// BasicTokenizer lower-cases and splits text into words, numbers and
// punctuation. It is used to build a vocabulary from the training split
// when no pretrained table is available.
type BasicTokenizer struct {
	re *regexp2.Regexp
}

// NewBasicTokenizer compiles the word pattern.
func NewBasicTokenizer() *BasicTokenizer {
	return &BasicTokenizer{re: regexp2.MustCompile(basicPattern, regexp2.None)}
}

// Tokenize implements Tokenizer.
func (b *BasicTokenizer) Tokenize(s string) []string {
	s = strings.ToLower(s)
	var out []string
	m, err := b.re.FindStringMatch(s)
	for err == nil && m != nil {
		out = append(out, m.String())
		m, err = b.re.FindNextMatch(m)
	}
	return out
}

// WordPiece is an uncased BERT-style tokenizer: text cleanup, lower-casing,
// accent stripping, whitespace/punctuation splitting, then greedy
// longest-match-first sub-word lookup against a pretrained vocabulary.
type WordPiece struct {
	vocab         *Vocabulary
	unk           string
	maxWordLength int
}

// NewWordPiece builds a tokenizer over vocab.
func NewWordPiece(vocab *Vocabulary) *WordPiece {
	return &WordPiece{vocab: vocab, unk: UnkToken, maxWordLength: 100}
}

// Tokenize implements Tokenizer.
func (w *WordPiece) Tokenize(s string) []string {
	var out []string
	for _, word := range w.basicSplit(s) {
		out = append(out, w.wordPieces(word)...)
	}
	return out
}

func (w *WordPiece) basicSplit(s string) []string {
	s = cleanText(s)
	s = strings.ToLower(s)
	s = removeAccents(norm.NFD.String(s))

	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			flush()
		case isPunctuation(r) || isCJK(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

func (w *WordPiece) wordPieces(word string) []string {
	runes := []rune(word)
	if len(runes) > w.maxWordLength {
		return []string{w.unk}
	}

	var pieces []string
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := ""
		for start < end {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := w.vocab.ID(sub); ok {
				found = sub
				break
			}
			end--
		}
		if found == "" {
			return []string{w.unk}
		}
		pieces = append(pieces, found)
		start = end
	}
	return pieces
}

func cleanText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == 0 || r == 0xFFFD || isControl(r) {
			continue
		}
		if isWhitespace(r) {
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r)
}

// isPunctuation treats every non-alphanumeric ASCII symbol as punctuation,
// as BERT does, in addition to the Unicode P* classes.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}

func removeAccents(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !unicode.Is(unicode.Mn, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
