package classify

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball/english"
)

// Stemmer reduces a lowercase token to its root form.
type Stemmer interface {
	Stem(word string) string
}

// StemmerFunc adapts a plain function.
type StemmerFunc func(string) string

func (f StemmerFunc) Stem(w string) string { return f(w) }

// Snowball is the English Porter2 stemmer.
func Snowball() Stemmer {
	return StemmerFunc(func(w string) string { return english.Stem(w, false) })
}

// Identity leaves tokens unchanged.
func Identity() Stemmer {
	return StemmerFunc(func(w string) string { return w })
}

// StemmerByName maps the classifier.stemmer config value.
func StemmerByName(name string) Stemmer {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "identity":
		return Identity()
	default:
		return Snowball()
	}
}

// Tokenize lowercases text and splits it on anything that is not a letter or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
