package signature

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/ontoledger/internal/cid"
)

// jsonLDContext is embedded in every structured record.
var jsonLDContext = map[string]any{
	"prov":                NamespacePROV,
	"repro":               NamespaceREPRO,
	"dcterms":             NamespaceDCTERMS,
	"xsd":                 NamespaceXSD,
	"prov:wasDerivedFrom": map[string]string{"@type": "@id"},
	"prov:wasGeneratedBy": map[string]string{"@type": "@id"},
}

type idRef struct {
	ID string `json:"@id"`
}

type structuredRecord struct {
	Context     map[string]any `json:"@context"`
	ID          string         `json:"@id"`
	Type        []string       `json:"@type"`
	Identifier  string         `json:"dcterms:identifier"`
	Label       string         `json:"prov:label"`
	DerivedFrom *idRef         `json:"prov:wasDerivedFrom,omitempty"`
	Cell        int            `json:"_cell"`
	Stage       string         `json:"_type,omitempty"`
	ChunkNum    int            `json:"_chunkNum,omitempty"`
	StmtIdx     int            `json:"_stmtIdx,omitempty"`
	StmtKey     string         `json:"_stmtKey,omitempty"`
}

type legacyRecord struct {
	Cell     int    `json:"cell"`
	Type     string `json:"type"`
	CID      string `json:"cid"`
	FromCID  string `json:"from_cid,omitempty"`
	StmtKey  string `json:"stmt_key,omitempty"`
	ChunkNum int    `json:"chunk_num,omitempty"`
	StmtIdx  int    `json:"stmt_idx,omitempty"`
}

// MarshalJSON writes s in the layout it was read from, so re-saving a ledger
// never rewrites historical records.
func (s Signature) MarshalJSON() ([]byte, error) {
	if s.Format == FormatLegacy {
		return json.Marshal(legacyRecord{
			Cell:     s.Meta.Cell,
			Type:     s.Meta.Stage,
			CID:      s.Identifier,
			FromCID:  s.DerivedFromCID(),
			StmtKey:  s.Meta.StmtKey,
			ChunkNum: s.Meta.ChunkNum,
			StmtIdx:  s.Meta.StmtIdx,
		})
	}

	rec := structuredRecord{
		Context:    jsonLDContext,
		ID:         s.ID,
		Type:       s.Types,
		Identifier: s.Identifier,
		Label:      s.Label,
		Cell:       s.Meta.Cell,
		Stage:      s.Meta.Stage,
		ChunkNum:   s.Meta.ChunkNum,
		StmtIdx:    s.Meta.StmtIdx,
		StmtKey:    s.Meta.StmtKey,
	}
	if len(rec.Type) == 0 {
		rec.Type = []string{"prov:Entity", s.Kind.Class()}
	}
	if s.DerivedFrom != "" {
		rec.DerivedFrom = &idRef{ID: s.DerivedFrom}
	}
	return json.Marshal(rec)
}

// UnmarshalJSON accepts either layout, see Parse.
func (s *Signature) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Parse decodes a persisted signature. Structured JSON-LD records are tried
// first, then the flat legacy layout {cell, type, cid, from_cid}.
func Parse(raw []byte) (Signature, error) {
	raw = bytes.TrimSpace(raw)
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if probe == nil {
		return Signature{}, fmt.Errorf("%w: not an object", ErrMalformedSignature)
	}

	if _, ok := probe["@id"]; ok {
		return parseStructured(probe)
	}
	if _, ok := probe["cid"]; ok {
		return parseLegacy(raw)
	}
	return Signature{}, fmt.Errorf("%w: neither @id nor cid present", ErrMalformedSignature)
}

// ParseString is Parse for text content.
func ParseString(raw string) (Signature, error) {
	return Parse([]byte(raw))
}

func parseStructured(fields map[string]json.RawMessage) (Signature, error) {
	var id string
	if err := json.Unmarshal(fields["@id"], &id); err != nil || id == "" {
		return Signature{}, fmt.Errorf("%w: @id must be a non-empty string", ErrMalformedSignature)
	}
	if !strings.HasPrefix(id, cid.Scheme) {
		return Signature{}, fmt.Errorf("%w: @id %q is not an %s uri", ErrMalformedSignature, id, cid.Scheme)
	}

	sig := Signature{
		ID:     id,
		Kind:   KindIntermediate,
		Format: FormatStructured,
	}

	types, err := stringOrList(fields["@type"])
	if err != nil {
		return Signature{}, fmt.Errorf("%w: @type: %v", ErrMalformedSignature, err)
	}
	sig.Types = types
	for _, t := range types {
		if k, ok := kindFromClass(t); ok {
			sig.Kind = k
		}
	}

	if err := optionalString(fields, "dcterms:identifier", &sig.Identifier); err != nil {
		return Signature{}, err
	}
	if sig.Identifier == "" {
		sig.Identifier = cid.TrimScheme(id)
	}
	if err := optionalString(fields, "prov:label", &sig.Label); err != nil {
		return Signature{}, err
	}

	if ref, ok := fields["prov:wasDerivedFrom"]; ok && !isNull(ref) {
		from, err := parseRef(ref)
		if err != nil {
			return Signature{}, fmt.Errorf("%w: prov:wasDerivedFrom: %v", ErrMalformedSignature, err)
		}
		sig.DerivedFrom = cid.URIFor(from)
	}

	if err := optionalInt(fields, &sig.Meta.Cell, "_cell"); err != nil {
		return Signature{}, err
	}
	if err := optionalString(fields, "_type", &sig.Meta.Stage); err != nil {
		return Signature{}, err
	}
	if err := optionalInt(fields, &sig.Meta.ChunkNum, "_chunkNum", "_chunk_num"); err != nil {
		return Signature{}, err
	}
	if err := optionalInt(fields, &sig.Meta.StmtIdx, "_stmtIdx", "_stmt_idx"); err != nil {
		return Signature{}, err
	}
	if err := optionalString(fields, "_stmtKey", &sig.Meta.StmtKey); err != nil {
		return Signature{}, err
	}
	if sig.Meta.StmtKey == "" {
		if err := optionalString(fields, "_stmt_key", &sig.Meta.StmtKey); err != nil {
			return Signature{}, err
		}
	}
	if sig.Label == "" {
		sig.Label = fmt.Sprintf("%s:%d", sig.Meta.Stage, sig.Meta.Cell)
	}
	return sig, nil
}

func parseLegacy(raw []byte) (Signature, error) {
	var rec legacyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Signature{}, fmt.Errorf("%w: legacy record: %v", ErrMalformedSignature, err)
	}
	if rec.CID == "" {
		return Signature{}, fmt.Errorf("%w: legacy record has empty cid", ErrMalformedSignature)
	}
	kind := kindFromStage(rec.Type)
	return Signature{
		ID:          cid.URIFor(rec.CID),
		Identifier:  cid.TrimScheme(rec.CID),
		Types:       []string{"prov:Entity", kind.Class()},
		Kind:        kind,
		Label:       fmt.Sprintf("%s:%d", rec.Type, rec.Cell),
		DerivedFrom: cid.URIFor(rec.FromCID),
		Meta: Metadata{
			Cell:     rec.Cell,
			Stage:    rec.Type,
			ChunkNum: rec.ChunkNum,
			StmtIdx:  rec.StmtIdx,
			StmtKey:  rec.StmtKey,
		},
		Format: FormatLegacy,
	}, nil
}

// parseRef accepts {"@id": "..."} or a bare string.
func parseRef(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var ref idRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("expected string or {\"@id\": ...}")
	}
	return ref.ID, nil
}

func stringOrList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || isNull(raw) {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("expected string or list of strings")
	}
	return many, nil
}

func optionalString(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s must be a string", ErrMalformedSignature, key)
	}
	return nil
}

// optionalInt reads the first present key among keys.
func optionalInt(fields map[string]json.RawMessage, dst *int, keys ...string) error {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok || isNull(raw) {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("%w: %s must be an integer", ErrMalformedSignature, key)
		}
		return nil
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
