package pipeline

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

var factsTemplate = template.Must(template.New("facts").Parse(`You are an expert at extracting factual information from text while preserving entity references.

Given text from a Wikipedia article (with markdown links to entity pages), extract standalone factual statements. Each output sentence must be fully interpretable in isolation - it will be processed independently for RDF conversion.

CRITICAL: Preserve all markdown links from the source text. Links like [Albert Einstein](/wiki/Albert_Einstein) contain the entity's Wikipedia URI which is essential for RDF generation.

Requirements for every output sentence:
- PRESERVE markdown links: Copy [link text](url) exactly as they appear in the source
- For entities without links in the source, add a link if you know the Wikipedia page: [Entity Name](/wiki/Entity_Name)
- Explicitly name all entities (people, organizations, events, objects, times, places) in the same sentence
- Never rely on earlier text, other statements, or omitted material for identification
- Do not use any expression whose correct interpretation depends on context:
  * NO pronouns (he, she, it, they, who, which, that, himself, etc.)
  * NO demonstratives (this, that, these, those, such, the former, the latter)
  * NO definite descriptions that refer to something from context (e.g., "the man," "the company")
  * NO verb phrase anaphora (do so, do it, did too, did the same)
  * NO cross-sentence connectors (therefore, however, in this case, for this reason)
- Each sentence must contain all the lexical material needed to understand what it asserts
- Be verifiable from the source text
- Avoid opinions, interpretations, or hedged language

Example input:
"[Albert Einstein](/wiki/Albert_Einstein) was born in [Ulm](/wiki/Ulm) in the [German Empire](/wiki/German_Empire) on 14 March 1879."

Example output:
- [Albert Einstein](/wiki/Albert_Einstein) was born on 14 March 1879.
- [Albert Einstein](/wiki/Albert_Einstein) was born in [Ulm](/wiki/Ulm).
- [Ulm](/wiki/Ulm) was part of the [German Empire](/wiki/German_Empire) in 1879.

Source URL: {{.SourceURL}}
Section context: {{.Breadcrumb}}

Known entities (use these exact names and URIs for consistency):
{{.KnownEntities}}

---
{{.Text}}
---

Extract self-contained factual statements as a bulleted list, preserving all markdown links:
`))

// SystemPrompt instructs the triple extraction agent.
const SystemPrompt = `You are an expert at converting factual statements to RDF triples.

The statements contain markdown links like [Entity Name](/wiki/Entity_Name) that provide Wikipedia URIs for entities.
Convert these to proper RDF URIs using: <https://en.wikipedia.org/wiki/Entity_Name>

You have access to these tools:

LOOKUP TOOLS (use first to find correct vocabulary):
- find_rdf_class: Find the best schema.org class/type for an entity
- find_rdf_property: Find the best predicate for a relationship

OUTPUT TOOLS (use to emit your triples - MUST include statement_id):
- emit_triple: Output a single triple with statement_id
- emit_triples: Output multiple triples at once (more efficient)

WORKFLOW:
1. For each statement, extract entities from markdown links: [Label](/wiki/Path) → <https://en.wikipedia.org/wiki/Path>
2. Use find_rdf_class and find_rdf_property to look up appropriate schema.org terms
3. Use emit_triple or emit_triples to output RDF triples, INCLUDING the statement_id

URI RULES:
- For entities with Wikipedia links like [Albert Einstein](/wiki/Albert_Einstein):
  Use: <https://en.wikipedia.org/wiki/Albert_Einstein>
- For entities in the Entity Registry: Use their provided URI
- For new entities not in either: Use fragment URIs like <#entity_name>
- NEVER invent Wikidata URIs (wd:Q...) unless explicitly provided

IMPORTANT:
- Do NOT write Turtle syntax in your response - use the emit tools instead
- ALWAYS include the statement_id when emitting triples (e.g., "1", "2", "3")
- Use schema.org terms you looked up (e.g., schema:Person, schema:birthDate)
- For URIs, use angle brackets: <https://...> or fragment references: <#entity_id>
- For literals, use quotes with optional datatype: "value"^^xsd:date or "text"@en
- For prefixed terms as objects, just use the prefix: schema:Person
- Each statement is self-contained - extract all facts from each one`

var triplesTemplate = template.Must(template.New("triples").Parse(`Convert these factual statements to RDF triples.

Source: {{.SourceURL}}
Section context: {{.Breadcrumb}}

Entity Registry (use these URIs for known entities):
{{.Registry}}

Statements to convert (each has a unique ID you must include when emitting triples):
{{.Statements}}

IMPORTANT: Statements contain markdown links like [Entity](/wiki/Path). Convert these to Wikipedia URIs:
[Albert Einstein](/wiki/Albert_Einstein) → <https://en.wikipedia.org/wiki/Albert_Einstein>

For EACH statement:
1. Extract entity URIs from markdown links
2. Look up appropriate schema.org classes and properties
3. Emit triples using emit_triple or emit_triples, ALWAYS including the statement_id

Process all statements, then provide a brief summary.`))

var classifyTemplate = template.Must(template.New("classify").Parse(`You are judging extracted factual statements against their source text.

Section context: {{.Breadcrumb}}

Source text:
---
{{.Text}}
---

Extracted statements:
{{.Statements}}

Classify every statement as GOOD or BAD. A GOOD statement is supported by the source text, names all of its entities explicitly and can be understood in isolation. A BAD statement is unsupported, relies on pronouns or context, or is not a factual claim.

Answer with one line per statement in the form:
<number>: GOOD - <short reason>
<number>: BAD - <short reason>

Finish with one line listing important facts from the source text that no statement covers:
Missing facts: <facts, or none>
`))

// FactsInput fills the facts extraction prompt.
type FactsInput struct {
	SourceURL     string
	Breadcrumb    string
	KnownEntities string
	Text          string
}

// FactsPrompt renders the facts extraction prompt.
func FactsPrompt(in FactsInput) (string, error) {
	return render(factsTemplate, in)
}

// TriplesInput fills the triple extraction prompt.
type TriplesInput struct {
	SourceURL  string
	Breadcrumb string
	Registry   string
	Statements []Statement
}

// TriplesPrompt renders the human turn of the triple extraction agent.
func TriplesPrompt(in TriplesInput) (string, error) {
	return render(triplesTemplate, struct {
		SourceURL  string
		Breadcrumb string
		Registry   string
		Statements string
	}{in.SourceURL, in.Breadcrumb, in.Registry, FormatListing(in.Statements)})
}

// ClassifyInput fills the statement classification prompt.
type ClassifyInput struct {
	Breadcrumb string
	Text       string
	Statements []Statement
}

// ClassifyPrompt renders the statement classification prompt.
func ClassifyPrompt(in ClassifyInput) (string, error) {
	return render(classifyTemplate, struct {
		Breadcrumb string
		Text       string
		Statements string
	}{in.Breadcrumb, in.Text, FormatListing(in.Statements)})
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// RDFPrefixes returns the Turtle prefix block of the knowledge graph, with
// relative IRIs resolved against base. An empty base is omitted.
func RDFPrefixes(base string) string {
	var b strings.Builder
	for _, p := range [][2]string{
		{"schema", "https://schema.org/"},
		{"rdfs", "http://www.w3.org/2000/01/rdf-schema#"},
		{"xsd", "http://www.w3.org/2001/XMLSchema#"},
		{"wiki3", "https://wiki3.ai/vocab/"},
		{"prov", "http://www.w3.org/ns/prov#"},
		{"repro", "https://w3id.org/reproduceme#"},
		{"pplan", "http://purl.org/net/p-plan#"},
		{"dcterms", "http://purl.org/dc/terms/"},
	} {
		fmt.Fprintf(&b, "@prefix %s: <%s> .\n", p[0], p[1])
	}
	if base != "" {
		fmt.Fprintf(&b, "@base <%s> .\n", base)
	}
	return b.String()
}
