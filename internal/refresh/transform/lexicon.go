package transform

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var defaultVocabulary []byte

// Lexicon holds the abbreviation table, the exclusion list and the controlled
// vocabularies used to classify free text.
type Lexicon struct {
	Abbreviations map[string]string `yaml:"abreviaciones"`
	Exclusions    []string          `yaml:"exclusiones"`
	ReasonTerms   []string          `yaml:"terminos_motivos"`
	ItemTerms     []string          `yaml:"terminos_items"`
}

// DefaultLexicon returns the embedded vocabulary.
func DefaultLexicon() Lexicon {
	var lex Lexicon
	if err := yaml.Unmarshal(defaultVocabulary, &lex); err != nil {
		// The embedded file is part of the build.
		panic(eris.Wrap(err, "transform: parse embedded vocabulary"))
	}
	return lex
}

// LoadLexicon reads a YAML override file. Keys absent from the file keep the
// embedded defaults. An empty path returns the defaults.
func LoadLexicon(path string) (Lexicon, error) {
	lex := DefaultLexicon()
	if path == "" {
		return lex, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Lexicon{}, eris.Wrapf(err, "transform: read vocabulary %s", path)
	}

	var override Lexicon
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Lexicon{}, eris.Wrapf(err, "transform: parse vocabulary %s", path)
	}

	if override.Abbreviations != nil {
		lex.Abbreviations = override.Abbreviations
	}
	if override.Exclusions != nil {
		lex.Exclusions = override.Exclusions
	}
	if override.ReasonTerms != nil {
		lex.ReasonTerms = override.ReasonTerms
	}
	if override.ItemTerms != nil {
		lex.ItemTerms = override.ItemTerms
	}
	return lex, nil
}
