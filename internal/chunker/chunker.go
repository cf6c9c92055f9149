// Package chunker splits a source document into section-aware chunks.
package chunker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// DefaultSection names text that precedes the first heading.
const DefaultSection = "Introduction"

// ErrInvalidConfig is returned for unusable size settings.
var ErrInvalidConfig = errors.New("invalid chunker config")

// Config controls splitting.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	// MinChunkSize drops chunks shorter than this many bytes after trimming.
	MinChunkSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 2000
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = 0
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: overlap %d must be smaller than chunk size %d", ErrInvalidConfig, c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

// Section is a heading found in the source.
type Section struct {
	Level      int
	Title      string
	Breadcrumb string
	Start      int
	End        int
}

// Chunk is a piece of source text with its position and section context.
type Chunk struct {
	Index        int
	Total        int
	Text         string
	Breadcrumb   string
	SectionTitle string
	Start        int
	End          int
}

// Num is the 1-based chunk number.
func (c Chunk) Num() int { return c.Index + 1 }

// Content renders the chunk as stored in the ledger: a context header, a
// separator and the unchanged source text.
func (c Chunk) Content() string {
	return fmt.Sprintf("**Context:** %s\n**Chunk:** %d of %d\n\n---\n\n%s\n", c.Breadcrumb, c.Num(), c.Total, c.Text)
}

var headerPattern = regexp.MustCompile(`(?m)^(={2,6})\s*(.+?)\s*(={2,6})\s*$`)

// Sections parses "== Heading ==" markers into a hierarchy. Deeper headings
// nest under the closest shallower one.
func Sections(text string) []Section {
	type level struct {
		depth int
		title string
	}
	var (
		out  []Section
		path []level
	)
	for _, m := range headerPattern.FindAllStringSubmatchIndex(text, -1) {
		open, closing := text[m[2]:m[3]], text[m[6]:m[7]]
		if open != closing {
			continue
		}
		depth := len(open)
		title := strings.TrimSpace(text[m[4]:m[5]])
		for len(path) > 0 && path[len(path)-1].depth >= depth {
			path = path[:len(path)-1]
		}
		path = append(path, level{depth, title})

		titles := make([]string, len(path))
		for i, l := range path {
			titles[i] = l.title
		}
		out = append(out, Section{
			Level:      depth,
			Title:      title,
			Breadcrumb: strings.Join(titles, " > "),
			Start:      m[0],
			End:        m[1],
		})
	}
	return out
}

// sectionAt returns the section active at pos.
func sectionAt(pos int, sections []Section) (title, breadcrumb string) {
	title, breadcrumb = DefaultSection, DefaultSection
	for _, s := range sections {
		if s.Start > pos {
			break
		}
		title, breadcrumb = s.Title, s.Breadcrumb
	}
	return title, breadcrumb
}

// Split chunks text and attaches a "Title > Section > Subsection"
// breadcrumb to every chunk.
func Split(title, text string, cfg Config) ([]Chunk, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.ChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
	)
	raw, err := splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("splitting text: %w", err)
	}

	kept := raw[:0]
	for _, r := range raw {
		trimmed := strings.TrimSpace(r)
		if trimmed != "" && len(trimmed) >= cfg.MinChunkSize {
			kept = append(kept, r)
		}
	}

	sections := Sections(text)
	chunks := make([]Chunk, len(kept))
	cursor := 0
	for i, r := range kept {
		start := strings.Index(text[cursor:], r)
		if start < 0 {
			start = cursor
		} else {
			start += cursor
		}
		secTitle, crumb := sectionAt(start, sections)
		chunks[i] = Chunk{
			Index:        i,
			Total:        len(kept),
			Text:         r,
			Breadcrumb:   title + " > " + crumb,
			SectionTitle: secTitle,
			Start:        start,
			End:          start + len(r),
		}
		if start+1 <= len(text) {
			cursor = start + 1
		}
	}
	return chunks, nil
}

// Link is a markdown link found in text.
type Link struct {
	Label string
	URL   string
}

var linkPattern = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)

// Links returns the markdown links in text, in order, without duplicates.
// Relative URLs are resolved against base when base is set.
func Links(text, base string) []Link {
	var out []Link
	seen := make(map[Link]struct{})
	for _, m := range linkPattern.FindAllStringSubmatch(text, -1) {
		l := Link{Label: strings.TrimSpace(m[1]), URL: m[2]}
		if base != "" && strings.HasPrefix(l.URL, "/") {
			l.URL = strings.TrimSuffix(base, "/") + l.URL
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

// StripLinks replaces markdown links with their labels.
func StripLinks(text string) string {
	return linkPattern.ReplaceAllString(text, "$1")
}
