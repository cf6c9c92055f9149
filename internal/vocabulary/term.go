package vocabulary

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Term kinds.
const (
	KindClass    = "class"
	KindProperty = "property"
)

// Term is one class or property of an RDF vocabulary.
type Term struct {
	URI         string `yaml:"uri" json:"uri"`
	Prefix      string `yaml:"prefix" json:"prefix"`
	Label       string `yaml:"label" json:"label"`
	Description string `yaml:"description" json:"description,omitempty"`
	Kind        string `yaml:"kind" json:"kind"`
	Domain      string `yaml:"domain,omitempty" json:"domain,omitempty"`
	Range       string `yaml:"range,omitempty" json:"range,omitempty"`
	Parent      string `yaml:"parent,omitempty" json:"parent,omitempty"`
}

// Prefixed returns the compact form, e.g. "schema:birthDate".
func (t Term) Prefixed() string {
	if t.Prefix == "" {
		return t.Label
	}
	return t.Prefix + ":" + t.Label
}

// SearchText is the text embedded for similarity search.
func (t Term) SearchText() string {
	parts := []string{t.Label}
	if t.Description != "" {
		parts = append(parts, t.Description)
	}
	if t.Domain != "" {
		parts = append(parts, "applies to "+t.Domain)
	}
	if t.Range != "" {
		parts = append(parts, "value is "+t.Range)
	}
	return strings.Join(parts, " | ")
}

// vocabularyFile is the YAML layout of a terms file.
type vocabularyFile struct {
	Vocabularies []struct {
		Prefix    string `yaml:"prefix"`
		Namespace string `yaml:"namespace"`
		Terms     []Term `yaml:"terms"`
	} `yaml:"vocabularies"`
}

//go:embed schema.yaml
var defaultTermsYAML []byte

// DefaultTerms returns the built-in schema.org subset.
func DefaultTerms() []Term {
	terms, err := ParseTerms(defaultTermsYAML)
	if err != nil {
		panic(fmt.Sprintf("vocabulary: built-in terms: %v", err))
	}
	return terms
}

// LoadTerms reads a YAML terms file.
func LoadTerms(path string) ([]Term, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open terms file: %w", err)
	}
	defer f.Close()
	return ReadTerms(f)
}

// ReadTerms decodes terms from r.
func ReadTerms(r io.Reader) ([]Term, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read terms: %w", err)
	}
	return ParseTerms(data)
}

// ParseTerms decodes a YAML terms document. Each term inherits the prefix
// of its vocabulary and gets a URI from the namespace when none is given.
func ParseTerms(data []byte) ([]Term, error) {
	var vf vocabularyFile
	if err := yaml.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("failed to parse terms: %w", err)
	}

	var out []Term
	for _, v := range vf.Vocabularies {
		if v.Prefix == "" {
			return nil, fmt.Errorf("vocabulary without prefix")
		}
		for i, t := range v.Terms {
			if t.Label == "" {
				return nil, fmt.Errorf("%s term %d has no label", v.Prefix, i)
			}
			if t.Kind != KindClass && t.Kind != KindProperty {
				return nil, fmt.Errorf("%s:%s has kind %q, want class or property", v.Prefix, t.Label, t.Kind)
			}
			if t.Prefix == "" {
				t.Prefix = v.Prefix
			}
			if t.URI == "" {
				t.URI = v.Namespace + t.Label
			}
			out = append(out, t)
		}
	}
	return out, nil
}
