package engine

import (
	"strings"
	"unicode"
)

// WordTokenizer splits on anything that is not a letter or digit and
// lowercases the result.
type WordTokenizer struct{}

func (WordTokenizer) Name() string { return "default" }

func (WordTokenizer) Tokenize(text string) []string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return words
}

// WhitespaceTokenizer splits on whitespace and keeps case.
type WhitespaceTokenizer struct{}

func (WhitespaceTokenizer) Name() string { return "whitespace" }

func (WhitespaceTokenizer) Tokenize(text string) []string {
	return strings.Fields(text)
}

func init() {
	FullTextFactories.Register("default", func() (FullTextFactory, error) {
		return WordTokenizer{}, nil
	}, "com.qizx.api.fulltext.DefaultFullTextFactory")
	FullTextFactories.Register("whitespace", func() (FullTextFactory, error) {
		return WhitespaceTokenizer{}, nil
	})
}
