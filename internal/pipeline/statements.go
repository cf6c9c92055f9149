package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/ontoledger/internal/emission"
)

// Statement is one self-contained factual sentence. Index is 1-based within
// its chunk.
type Statement struct {
	Index int
	Text  string
}

// ID is the statement id the agent must quote when emitting triples.
func (s Statement) ID() string { return strconv.Itoa(s.Index) }

// Key identifies the statement across the whole run: "<chunk>_<index>".
func (s Statement) Key(chunk int) string { return StatementKey(chunk, s.Index) }

// StatementKey formats the run-wide key of statement idx in chunk.
func StatementKey(chunk, idx int) string {
	return fmt.Sprintf("%d_%d", chunk, idx)
}

var (
	bulletPattern  = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.):])\s+(.+?)\s*$`)
	listingPattern = regexp.MustCompile(`^\[(\d+)\]\s?(.*)$`)
)

// ParseStatements extracts the bulleted or numbered items of an LLM facts
// response. Lines that are not list items are ignored.
func ParseStatements(text string) []Statement {
	var out []Statement
	for _, line := range strings.Split(text, "\n") {
		m := bulletPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, Statement{Index: len(out) + 1, Text: m[1]})
	}
	return out
}

// FormatListing renders statements as "[1] text" lines.
func FormatListing(stmts []Statement) string {
	lines := make([]string, len(stmts))
	for i, s := range stmts {
		lines[i] = fmt.Sprintf("[%d] %s", s.Index, s.Text)
	}
	return strings.Join(lines, "\n")
}

// ParseListing reads back the output of FormatListing. Continuation lines are
// appended to the previous statement.
func ParseListing(listing string) []Statement {
	var out []Statement
	for _, line := range strings.Split(listing, "\n") {
		if m := listingPattern.FindStringSubmatch(line); m != nil {
			idx, _ := strconv.Atoi(m[1])
			out = append(out, Statement{Index: idx, Text: strings.TrimSpace(m[2])})
			continue
		}
		if line = strings.TrimSpace(line); line != "" && len(out) > 0 {
			out[len(out)-1].Text += " " + line
		}
	}
	return out
}

// Header renders the context header shared by chunk and facts units.
func Header(breadcrumb string, num, total int) string {
	return fmt.Sprintf("**Context:** %s\n**Chunk:** %d of %d\n\n---\n\n", breadcrumb, num, total)
}

// SplitHeader separates the breadcrumb and body of a unit rendered with
// Header. Content without a header is returned unchanged as body.
func SplitHeader(content string) (breadcrumb, body string) {
	head, rest, ok := strings.Cut(content, "\n---\n")
	if !ok {
		return "", content
	}
	for _, line := range strings.Split(head, "\n") {
		if v, found := strings.CutPrefix(line, "**Context:**"); found {
			breadcrumb = strings.TrimSpace(v)
		}
	}
	if breadcrumb == "" {
		return "", content
	}
	return breadcrumb, strings.Trim(rest, "\n")
}

// TriplesContent renders the output unit of one statement.
func TriplesContent(chunk int, s Statement, triples []emission.Triple) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Statement [%d.%d]: %s\n", chunk, s.Index, s.Text)
	if len(triples) == 0 {
		b.WriteString("# No triples emitted for this statement\n")
		return b.String()
	}
	b.WriteString(emission.TriplesToTurtle(triples))
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}
