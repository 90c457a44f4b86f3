package transform

import (
	"strings"
	"unicode/utf8"
)

// minConceptLen is the shortest concept accepted from a vocabulary match.
const minConceptLen = 3

// Vocabulary is a controlled set of business concepts.
type Vocabulary map[string]struct{}

// NewVocabulary builds a vocabulary from terms.
func NewVocabulary(terms ...string) Vocabulary {
	v := make(Vocabulary, len(terms))
	for _, t := range terms {
		v[t] = struct{}{}
	}
	return v
}

// Contains reports whether term is in the vocabulary.
func (v Vocabulary) Contains(term string) bool {
	_, ok := v[term]
	return ok
}

// FirstConcept returns the first whitespace-separated token of s, in
// left-to-right order, that belongs to the vocabulary.
func (v Vocabulary) FirstConcept(s string) (string, bool) {
	for _, tok := range strings.Fields(s) {
		if v.Contains(tok) {
			return tok, true
		}
	}
	return "", false
}

// Classifier maps free text onto the controlled vocabularies.
type Classifier struct {
	abbreviations map[string]string
	exclusions    map[string]struct{}
	reasons       Vocabulary
	items         Vocabulary
}

// NewClassifier builds a Classifier from a lexicon.
func NewClassifier(lex Lexicon) *Classifier {
	c := &Classifier{
		abbreviations: make(map[string]string, len(lex.Abbreviations)),
		exclusions:    make(map[string]struct{}, len(lex.Exclusions)),
		reasons:       NewVocabulary(lex.ReasonTerms...),
		items:         NewVocabulary(lex.ItemTerms...),
	}
	for k, v := range lex.Abbreviations {
		c.abbreviations[k] = v
	}
	for _, e := range lex.Exclusions {
		c.exclusions[strings.ToUpper(strings.TrimSpace(e))] = struct{}{}
	}
	return c
}

// Expand replaces known abbreviations token by token. Whitespace is
// normalized to single spaces.
func (c *Classifier) Expand(s string) string {
	toks := strings.Fields(s)
	for i, tok := range toks {
		if full, ok := c.abbreviations[tok]; ok {
			toks[i] = full
		}
	}
	return strings.Join(toks, " ")
}

// Excluded reports whether a reason is one of the non-informative categories
// that are never loaded. Comparison is case-insensitive and ignores
// surrounding whitespace.
func (c *Classifier) Excluded(reason string) bool {
	_, ok := c.exclusions[strings.ToUpper(strings.TrimSpace(reason))]
	return ok
}

// PurchaseReason standardizes a purchase reason to a reason concept.
func (c *Classifier) PurchaseReason(s string) (string, bool) {
	return c.standardize(s, c.reasons)
}

// Item standardizes an item description to an item concept.
func (c *Classifier) Item(s string) (string, bool) {
	return c.standardize(s, c.items)
}

func (c *Classifier) standardize(s string, vocab Vocabulary) (string, bool) {
	text, ok := NormalizeText(s)
	if !ok {
		return "", false
	}
	text = c.Expand(text)
	if text == "" {
		return "", false
	}
	concept, ok := vocab.FirstConcept(text)
	if !ok {
		return "", false
	}
	concept = strings.TrimSpace(concept)
	if utf8.RuneCountInString(concept) < minConceptLen {
		return "", false
	}
	return concept, true
}

// RescheduleReason canonicalizes an already-cleaned rescheduling reason. The
// text is lowercased, accent-folded and abbreviation-expanded; if any token
// names a part in the item vocabulary the first such part is the reason,
// otherwise the expanded text itself is.
func (c *Classifier) RescheduleReason(reason string) string {
	text := c.Expand(FoldAccents(strings.ToLower(reason)))
	if concept, ok := c.items.FirstConcept(text); ok && utf8.RuneCountInString(concept) >= minConceptLen {
		return concept
	}
	return text
}
