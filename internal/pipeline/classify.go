package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Classification labels.
const (
	LabelGood = "GOOD"
	LabelBad  = "BAD"
)

// notClassified is the reason given to statements the judge skipped.
const notClassified = "Not explicitly classified"

// Classification is the judge's verdict on one statement. Index is the
// statement index it refers to.
type Classification struct {
	Index     int    `json:"index"`
	Statement string `json:"statement"`
	Label     string `json:"classification"`
	Reason    string `json:"reason"`
}

// IsGood reports whether the statement was judged GOOD.
func (c Classification) IsGood() bool { return c.Label == LabelGood }

var (
	verdictPattern = regexp.MustCompile(`(?i)^\s*\[?(\d+)\]?\s*[:.)]?\s*\**\s*(good|bad)\b\**\s*(?:[-:\x{2013}\x{2014}]\s*)?(.*)$`)
	missingPattern = regexp.MustCompile(`(?i)^\s*\**missing facts:?\**\s*:?\s*(.*)$`)
)

// ParseClassifications reads the judge's answer for stmts. Statements without
// a verdict are classified BAD; verdicts for unknown indices are kept with an
// empty statement. The result is ordered by index. missing is the text of the
// "Missing facts:" line, empty when the judge reported none.
func ParseClassifications(raw string, stmts []Statement) (out []Classification, missing string) {
	text := make(map[int]string, len(stmts))
	for _, s := range stmts {
		text[s.Index] = s.Text
	}

	seen := make(map[int]bool)
	for _, line := range strings.Split(raw, "\n") {
		if m := missingPattern.FindStringSubmatch(line); m != nil {
			missing = strings.TrimSpace(m[1])
			continue
		}
		m := verdictPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, Classification{
			Index:     idx,
			Statement: text[idx],
			Label:     strings.ToUpper(m[2]),
			Reason:    strings.TrimSpace(m[3]),
		})
	}

	for _, s := range stmts {
		if !seen[s.Index] {
			out = append(out, Classification{Index: s.Index, Statement: s.Text, Label: LabelBad, Reason: notClassified})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	if strings.EqualFold(strings.Trim(missing, " ."), "none") {
		missing = ""
	}
	return out, missing
}

// Score returns the fraction of GOOD verdicts, 0 when cls is empty.
func Score(cls []Classification) float64 {
	if len(cls) == 0 {
		return 0
	}
	good := 0
	for _, c := range cls {
		if c.IsGood() {
			good++
		}
	}
	return float64(good) / float64(len(cls))
}

// ClassificationsContent renders the classification unit of a chunk as a
// markdown table.
func ClassificationsContent(breadcrumb string, num, total int, cls []Classification, missing string) string {
	good := 0
	for _, c := range cls {
		if c.IsGood() {
			good++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Context:** %s\n**Chunk:** %d of %d\n", breadcrumb, num, total)
	fmt.Fprintf(&b, "**Score:** %.1f%% (%d/%d GOOD)\n\n---\n\n", Score(cls)*100, good, len(cls))
	b.WriteString("| # | Classification | Statement | Reason |\n")
	b.WriteString("|---|----------------|-----------|--------|\n")
	for _, c := range cls {
		mark := "❌"
		if c.IsGood() {
			mark = "✅"
		}
		fmt.Fprintf(&b, "| %d | %s %s | %s | %s |\n", c.Index, mark, c.Label,
			cell(c.Statement, 60), cell(c.Reason, 40))
	}
	if missing == "" {
		missing = "none"
	}
	fmt.Fprintf(&b, "\n**Missing facts:** %s\n", missing)
	return b.String()
}

// cell shortens s to n runes and escapes table pipes.
func cell(s string, n int) string {
	if r := []rune(s); len(r) > n {
		s = string(r[:n]) + "..."
	}
	return strings.ReplaceAll(s, "|", `\|`)
}
