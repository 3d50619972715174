package text

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Reserved symbols. NewVocabulary seeds them at ids 0..4 in this order.
const (
	PadToken  = "[PAD]"
	UnkToken  = "[UNK]"
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	MaskToken = "[MASK]"
)

// ReservedTokens lists the reserved symbols in id order.
var ReservedTokens = []string{PadToken, UnkToken, ClsToken, SepToken, MaskToken}

// ErrVocabularyFrozen is returned by Add once a vocabulary has been frozen.
var ErrVocabularyFrozen = errors.New("vocabulary is frozen")

// Vocabulary is a bidirectional token/id table. Ids are dense and assigned
// in insertion order.
type Vocabulary struct {
	stoi   map[string]int
	itos   []string
	frozen bool
}

// NewVocabulary returns a vocabulary holding only the reserved symbols.
func NewVocabulary() *Vocabulary {
	v := NewEmptyVocabulary()
	_ = v.Add(ReservedTokens...)
	return v
}

// NewEmptyVocabulary returns a vocabulary with no symbols at all. Used when
// a pretrained table supplies its own reserved symbols.
func NewEmptyVocabulary() *Vocabulary {
	return &Vocabulary{stoi: make(map[string]int)}
}

// Add assigns the next free id to every token not already present.
// Re-adding a known token is a no-op.
func (v *Vocabulary) Add(tokens ...string) error {
	if v.frozen {
		return ErrVocabularyFrozen
	}
	for _, tok := range tokens {
		if _, ok := v.stoi[tok]; ok {
			continue
		}
		v.stoi[tok] = len(v.itos)
		v.itos = append(v.itos, tok)
	}
	return nil
}

// Freeze makes the vocabulary immutable.
func (v *Vocabulary) Freeze() {
	v.frozen = true
}

// Frozen reports whether Add is disabled.
func (v *Vocabulary) Frozen() bool {
	return v.frozen
}

// Size returns the number of symbols.
func (v *Vocabulary) Size() int {
	return len(v.itos)
}

// ID returns the id of token.
func (v *Vocabulary) ID(token string) (int, bool) {
	id, ok := v.stoi[token]
	return id, ok
}

// Token returns the symbol with the given id.
func (v *Vocabulary) Token(id int) (string, bool) {
	if id < 0 || id >= len(v.itos) {
		return "", false
	}
	return v.itos[id], true
}

// IDOrUnknown returns the id of token, falling back to the [UNK] id.
// A vocabulary without [UNK] maps unknown tokens to 0.
func (v *Vocabulary) IDOrUnknown(token string) int {
	if id, ok := v.stoi[token]; ok {
		return id
	}
	return v.stoi[UnkToken]
}

// Tokens returns a copy of the id-ordered symbol list.
func (v *Vocabulary) Tokens() []string {
	out := make([]string, len(v.itos))
	copy(out, v.itos)
	return out
}

// LoadVocabularyFile reads a pretrained vocab.txt (one token per line, the
// line number is the id) into a frozen vocabulary.
func LoadVocabularyFile(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer f.Close()

	v := NewEmptyVocabulary()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		tok := strings.TrimRight(scanner.Text(), "\r\n")
		if _, dup := v.stoi[tok]; dup {
			return nil, fmt.Errorf("duplicate token %q at line %d", tok, line+1)
		}
		_ = v.Add(tok)
		line++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}
	if _, ok := v.stoi[UnkToken]; !ok {
		return nil, fmt.Errorf("vocabulary %s has no %s token", path, UnkToken)
	}
	if _, ok := v.stoi[ClsToken]; !ok {
		return nil, fmt.Errorf("vocabulary %s has no %s token", path, ClsToken)
	}

	v.Freeze()
	return v, nil
}

// WriteVocabularyFile writes v in the vocab.txt layout read by LoadVocabularyFile.
func WriteVocabularyFile(v *Vocabulary, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create vocabulary file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, tok := range v.itos {
		if _, err := w.WriteString(tok + "\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// BuildVocabulary tokenizes every text and adds the tokens, in order of
// first appearance, to a fresh vocabulary seeded with the reserved symbols.
func BuildVocabulary(texts []string, tok Tokenizer) *Vocabulary {
	v := NewVocabulary()
	for _, s := range texts {
		_ = v.Add(tok.Tokenize(s)...)
	}
	v.Freeze()
	return v
}
