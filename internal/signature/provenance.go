package signature

import (
	"fmt"
	"strings"
)

// turtlePrefixes heads every provenance export.
var turtlePrefixes = []string{
	"# Provenance metadata (REPRODUCE-ME / PROV-O)",
	"@prefix prov: <" + NamespacePROV + "> .",
	"@prefix repro: <" + NamespaceREPRO + "> .",
	"@prefix pplan: <" + NamespacePPLAN + "> .",
	"@prefix dcterms: <" + NamespaceDCTERMS + "> .",
	"@prefix xsd: <" + NamespaceXSD + "> .",
}

// Turtle renders signatures as PROV-O Turtle, one subject block per record.
// Records without an id are skipped.
func Turtle(sigs []Signature) string {
	var b strings.Builder
	for _, line := range turtlePrefixes {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	for _, s := range sigs {
		if s.ID == "" {
			continue
		}
		fmt.Fprintf(&b, "<%s>\n", s.ID)
		fmt.Fprintf(&b, "    a %s ;\n", s.TypeString())
		fmt.Fprintf(&b, "    dcterms:identifier %s ;\n", quoteLiteral(s.Identifier))
		if s.DerivedFrom == "" {
			fmt.Fprintf(&b, "    prov:label %s .\n\n", quoteLiteral(s.Label))
			continue
		}
		fmt.Fprintf(&b, "    prov:label %s ;\n", quoteLiteral(s.Label))
		fmt.Fprintf(&b, "    prov:wasDerivedFrom <%s> .\n\n", s.DerivedFrom)
	}
	return b.String()
}

func quoteLiteral(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)
	return `"` + r.Replace(s) + `"`
}

// Issue describes a broken link in a provenance chain.
type Issue struct {
	Index       int
	ID          string
	Label       string
	DerivedFrom string
}

func (i Issue) String() string {
	return fmt.Sprintf("#%d %s (%s) derives from unknown %s", i.Index, i.Label, i.ID, i.DerivedFrom)
}

// Report is the outcome of Verify.
type Report struct {
	Checked int
	Roots   int
	Issues  []Issue
}

// OK reports whether every derivation resolved.
func (r Report) OK() bool {
	return len(r.Issues) == 0
}

// Verify walks chain in order and checks that every derivedFrom refers to a
// signature seen earlier in the chain.
func Verify(chain []Signature) Report {
	seen := make(map[string]struct{}, len(chain))
	var report Report
	for i, s := range chain {
		report.Checked++
		if s.IsRoot() {
			report.Roots++
		} else if _, ok := seen[s.DerivedFrom]; !ok {
			report.Issues = append(report.Issues, Issue{
				Index:       i,
				ID:          s.ID,
				Label:       s.Label,
				DerivedFrom: s.DerivedFrom,
			})
		}
		seen[s.ID] = struct{}{}
	}
	return report
}
