// Package signature implements the provenance record attached to every
// ledger unit.
//
// A signature names the unit by the CID of its content, points at the CID of
// the unit it was derived from, and carries a coarse classification plus
// pipeline position metadata. Records are written as JSON-LD using the PROV-O
// and REPRODUCE-ME vocabularies; a flat legacy layout is still accepted when
// reading.
package signature

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/ontoledger/internal/cid"
)

// Namespaces used by the JSON-LD context and Turtle export.
const (
	NamespacePROV    = "http://www.w3.org/ns/prov#"
	NamespaceREPRO   = "https://w3id.org/reproduceme#"
	NamespacePPLAN   = "http://purl.org/net/p-plan#"
	NamespaceDCTERMS = "http://purl.org/dc/terms/"
	NamespaceXSD     = "http://www.w3.org/2001/XMLSchema#"
)

// ErrMalformedSignature is returned when a persisted record matches neither
// the structured nor the legacy layout.
var ErrMalformedSignature = errors.New("malformed signature")

// Kind classifies a unit within the provenance chain.
type Kind string

const (
	KindRawInput     Kind = "RawInput"
	KindIntermediate Kind = "IntermediateData"
	KindOutput       Kind = "OutputData"
)

// Class returns the REPRODUCE-ME class for k.
func (k Kind) Class() string {
	switch k {
	case KindRawInput:
		return "repro:InputData"
	case KindOutput:
		return "repro:OutputData"
	default:
		return "repro:Data"
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRawInput, KindIntermediate, KindOutput:
		return true
	}
	return false
}

// kindFromClass maps a REPRODUCE-ME class back to a Kind.
func kindFromClass(class string) (Kind, bool) {
	switch class {
	case "repro:InputData", NamespaceREPRO + "InputData":
		return KindRawInput, true
	case "repro:Data", NamespaceREPRO + "Data":
		return KindIntermediate, true
	case "repro:OutputData", NamespaceREPRO + "OutputData":
		return KindOutput, true
	}
	return "", false
}

// kindFromStage maps the stage tag of legacy records to a Kind.
func kindFromStage(stage string) Kind {
	switch stage {
	case "source":
		return KindRawInput
	case "rdf", "triples":
		return KindOutput
	default:
		return KindIntermediate
	}
}

// Format records which layout a signature was read from.
type Format int

const (
	FormatStructured Format = iota
	FormatLegacy
)

func (f Format) String() string {
	if f == FormatLegacy {
		return "legacy"
	}
	return "structured"
}

// Metadata is pipeline bookkeeping stored in underscore-prefixed fields.
// Zero values are omitted on the wire; chunk and statement positions are
// 1-based.
type Metadata struct {
	Cell     int    // position of the unit within its ledger
	Stage    string // stage tag, e.g. "facts"
	ChunkNum int
	StmtIdx  int
	StmtKey  string // "<chunk>_<statement>"
}

// Signature is an immutable provenance record.
type Signature struct {
	ID          string // CID URI of the unit content
	Identifier  string // bare CID
	Types       []string
	Kind        Kind
	Label       string
	DerivedFrom string // CID URI of the predecessor, empty for raw input
	Meta        Metadata
	Format      Format
}

// Make computes the CID of content and returns its signature. An empty label
// defaults to "<stage>:<cell>".
func Make(kind Kind, content string, derivedFrom string, label string, meta Metadata) Signature {
	if !kind.Valid() {
		kind = KindIntermediate
	}
	id := cid.ComputeString(content)
	if label == "" {
		label = fmt.Sprintf("%s:%d", meta.Stage, meta.Cell)
	}
	return Signature{
		ID:          id.URI(),
		Identifier:  id.String(),
		Types:       []string{"prov:Entity", kind.Class()},
		Kind:        kind,
		Label:       label,
		DerivedFrom: cid.URIFor(derivedFrom),
		Meta:        meta,
		Format:      FormatStructured,
	}
}

// Edited returns the record of content that replaced the unit described by
// s without regeneration. It derives from s and keeps its kind and position.
func Edited(s Signature, content string) Signature {
	return Make(s.Kind, content, s.ID, s.Label+" (edited)", s.Meta)
}

// DerivedFromCID returns the bare predecessor identifier.
func (s Signature) DerivedFromCID() string {
	return cid.TrimScheme(s.DerivedFrom)
}

// IsRoot reports whether s has no predecessor.
func (s Signature) IsRoot() bool {
	return s.DerivedFrom == ""
}

// DerivesFrom reports whether s was derived from predecessorURI. Comparison
// is exact string equality.
func (s Signature) DerivesFrom(predecessorURI string) bool {
	return s.DerivedFrom == predecessorURI
}

// Describes reports whether s is the signature of content.
func (s Signature) Describes(content string) bool {
	return s.ID == cid.ComputeString(content).URI()
}

// CID decodes the unit identifier.
func (s Signature) CID() (cid.CID, error) {
	return cid.FromURI(s.ID)
}

// TypeString renders the type list for Turtle, e.g. "prov:Entity, repro:Data".
func (s Signature) TypeString() string {
	if len(s.Types) == 0 {
		return "prov:Entity, " + s.Kind.Class()
	}
	return strings.Join(s.Types, ", ")
}
