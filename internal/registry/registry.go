// Package registry resolves entity labels to stable identifiers.
//
// Identifiers are derived from a normalized label and a type tag
// ("person_albert_einstein") and turned into URIs by appending them as a
// fragment to the source document URL. Every surface form seen for an entity
// is recorded as a normalized alias; aliases are append-only, so once a form
// resolves to an identifier it keeps resolving to it for the whole run.
//
// The registry is persisted as JSON:
//
//	{
//	  "version": 1,
//	  "source_url": "https://en.wikipedia.org/wiki/Albert_Einstein",
//	  "entities": [{"id": ..., "uri": ..., "label": ..., "type": ...,
//	                "descriptions": [], "source_chunks": [], "aliases": []}],
//	  "aliases": {"albert_einstein": "person_albert_einstein"}
//	}
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"unicode"
)

// Errors for registry operations.
var (
	ErrRegistryCollision = errors.New("registry collision")
	ErrEntityNotFound    = errors.New("entity not found")
	ErrInvalidLabel      = errors.New("invalid label: nothing left after normalization")
	ErrRegistryCorrupted = errors.New("registry file corrupted")
	ErrSourceMismatch    = errors.New("registry belongs to a different source")
)

// FileName is the registry file name inside a run directory.
const FileName = "registry.json"

// DefaultType is used when an entity is resolved without a type.
const DefaultType = "Thing"

const dataVersion = 1

// Entity is the identity record of a named thing.
type Entity struct {
	ID           string   `json:"id"`
	URI          string   `json:"uri"`
	Label        string   `json:"label"`
	Type         string   `json:"type"`
	Descriptions []string `json:"descriptions"`
	SourceChunks []int    `json:"source_chunks"`
	Aliases      []string `json:"aliases"`
	// SameAs lists external URIs for the entity, e.g. linked article pages.
	SameAs []string `json:"same_as,omitempty"`
}

func (e *Entity) clone() Entity {
	c := *e
	c.Descriptions = slices.Clone(e.Descriptions)
	c.SourceChunks = slices.Clone(e.SourceChunks)
	c.Aliases = slices.Clone(e.Aliases)
	c.SameAs = slices.Clone(e.SameAs)
	return c
}

// RegistryData is the persisted registry structure.
type RegistryData struct {
	Version   int               `json:"version"`
	SourceURL string            `json:"source_url"`
	Entities  []*Entity         `json:"entities"`
	Aliases   map[string]string `json:"aliases"` // normalized alias -> entity id
}

// Registry maps labels to entities. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	data     *RegistryData
	byID     map[string]*Entity
	filePath string
}

// New returns an empty in-memory registry for sourceURL.
func New(sourceURL string) *Registry {
	return &Registry{
		data: &RegistryData{
			Version:   dataVersion,
			SourceURL: sourceURL,
			Aliases:   make(map[string]string),
		},
		byID: make(map[string]*Entity),
	}
}

// Open loads the registry stored at path, or starts an empty one bound to
// that path when the file does not exist yet. A non-empty sourceURL must
// match the stored one.
func Open(path, sourceURL string) (*Registry, error) {
	r := New(sourceURL)
	r.filePath = path

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	if err := r.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	if sourceURL != "" && r.data.SourceURL != sourceURL {
		return nil, fmt.Errorf("%w: %s != %s", ErrSourceMismatch, r.data.SourceURL, sourceURL)
	}
	return r, nil
}

// Normalize folds case, trims, and collapses every run of characters that are
// not letters or digits into a single underscore.
func Normalize(label string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// MakeID returns the deterministic identifier for (type, label).
func MakeID(entityType, label string) string {
	t := Normalize(entityType)
	if t == "" {
		t = Normalize(DefaultType)
	}
	return t + "_" + Normalize(label)
}

// Option adds detail to an entity on resolve.
type Option func(*resolveOptions)

type resolveOptions struct {
	description string
	sourceChunk int
	aliases     []string
	sameAs      string
}

// WithDescription records a description of the entity.
func WithDescription(d string) Option {
	return func(o *resolveOptions) { o.description = strings.TrimSpace(d) }
}

// WithSourceChunk records the chunk the entity was seen in (1-based).
func WithSourceChunk(n int) Option {
	return func(o *resolveOptions) { o.sourceChunk = n }
}

// WithAliases registers additional surface forms.
func WithAliases(aliases ...string) Option {
	return func(o *resolveOptions) { o.aliases = append(o.aliases, aliases...) }
}

// WithSameAs records an external URI for the entity.
func WithSameAs(uri string) Option {
	return func(o *resolveOptions) { o.sameAs = strings.TrimSpace(uri) }
}

// Resolve returns the identifier for label. A label whose normalized form is
// already a known alias resolves to that entity regardless of entityType;
// otherwise a new entity is minted from (entityType, label).
func (r *Registry) Resolve(label, entityType string, opts ...Option) (string, error) {
	norm := Normalize(label)
	if norm == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}
	if strings.TrimSpace(entityType) == "" {
		entityType = DefaultType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.data.Aliases[norm]; ok {
		e, ok := r.byID[id]
		if !ok {
			return "", fmt.Errorf("%w: alias %q points at missing entity %q", ErrRegistryCollision, norm, id)
		}
		if err := r.enrich(e, label, o); err != nil {
			return "", err
		}
		return id, nil
	}

	id := MakeID(entityType, label)
	for _, alias := range o.aliases {
		if existing, ok := r.data.Aliases[Normalize(alias)]; ok && existing != id {
			return "", fmt.Errorf("%w: alias %q already resolves to %s", ErrRegistryCollision, alias, existing)
		}
	}
	e, exists := r.byID[id]
	if !exists {
		e = &Entity{
			ID:           id,
			URI:          r.uriLocked(id),
			Label:        strings.TrimSpace(label),
			Type:         entityType,
			Descriptions: []string{},
			SourceChunks: []int{},
			Aliases:      []string{},
		}
		r.byID[id] = e
		r.data.Entities = append(r.data.Entities, e)
	}
	r.data.Aliases[norm] = id
	if err := r.enrich(e, label, o); err != nil {
		return "", err
	}
	return id, nil
}

// enrich merges resolve options into e. Caller holds r.mu.
func (r *Registry) enrich(e *Entity, label string, o resolveOptions) error {
	if o.description != "" && !slices.Contains(e.Descriptions, o.description) {
		e.Descriptions = append(e.Descriptions, o.description)
	}
	if o.sourceChunk > 0 && !slices.Contains(e.SourceChunks, o.sourceChunk) {
		e.SourceChunks = append(e.SourceChunks, o.sourceChunk)
	}
	if o.sameAs != "" && !slices.Contains(e.SameAs, o.sameAs) {
		e.SameAs = append(e.SameAs, o.sameAs)
	}
	surface := append([]string{label}, o.aliases...)
	for _, alias := range surface {
		if err := r.addAliasLocked(e, alias); err != nil {
			return err
		}
	}
	return nil
}

// AddAlias registers alias as another surface form of the entity id.
// Re-pointing an alias that already resolves elsewhere is a collision.
func (r *Registry) AddAlias(id, alias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	return r.addAliasLocked(e, alias)
}

func (r *Registry) addAliasLocked(e *Entity, alias string) error {
	alias = strings.TrimSpace(alias)
	norm := Normalize(alias)
	if norm == "" {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, alias)
	}
	if existing, ok := r.data.Aliases[norm]; ok && existing != e.ID {
		return fmt.Errorf("%w: alias %q already resolves to %s, not %s", ErrRegistryCollision, norm, existing, e.ID)
	}
	r.data.Aliases[norm] = e.ID
	if alias != e.Label && !slices.Contains(e.Aliases, alias) {
		e.Aliases = append(e.Aliases, alias)
	}
	return nil
}

// URI returns the canonical URI of id.
func (r *Registry) URI(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.uriLocked(id)
}

func (r *Registry) uriLocked(id string) string {
	return r.data.SourceURL + "#" + id
}

// SourceURL returns the base document URL.
func (r *Registry) SourceURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data.SourceURL
}

// Lookup finds the entity a label or alias resolves to.
func (r *Registry) Lookup(label string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.data.Aliases[Normalize(label)]
	if !ok {
		return Entity{}, false
	}
	e, ok := r.byID[id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// Get returns the entity with identifier id.
func (r *Registry) Get(id string) (Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	return e.clone(), nil
}

// Entities returns all entities in registration order.
func (r *Registry) Entities() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entity, 0, len(r.data.Entities))
	for _, e := range r.data.Entities {
		out = append(out, e.clone())
	}
	return out
}

// Len returns the number of entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data.Entities)
}

// FormatForPrompt lists entities as Turtle comments for the triple agent.
// Entities with an external URI are listed under that URI.
func (r *Registry) FormatForPrompt() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.data.Entities) == 0 {
		return "# No entities registered yet"
	}
	lines := make([]string, 0, len(r.data.Entities))
	for _, e := range r.data.Entities {
		uri := e.URI
		if len(e.SameAs) > 0 {
			uri = e.SameAs[0]
		}
		lines = append(lines, fmt.Sprintf("<%s> # %s (%s)", uri, e.Label, e.Type))
	}
	return strings.Join(lines, "\n")
}

// KnownEntitiesText lists entities as a bullet list for the facts prompt.
func (r *Registry) KnownEntitiesText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.data.Entities) == 0 {
		return "None yet"
	}
	lines := make([]string, 0, len(r.data.Entities))
	for _, e := range r.data.Entities {
		lines = append(lines, fmt.Sprintf("- %s (%s)", e.Label, e.Type))
	}
	return strings.Join(lines, "\n")
}

// MarshalJSON implements json.Marshaler.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.MarshalIndent(r.data, "", "  ")
}

// UnmarshalJSON replaces the registry contents and checks their integrity.
func (r *Registry) UnmarshalJSON(data []byte) error {
	var rd RegistryData
	if err := json.Unmarshal(data, &rd); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryCorrupted, err)
	}
	if rd.Aliases == nil {
		rd.Aliases = make(map[string]string)
	}
	if rd.Version == 0 {
		rd.Version = dataVersion
	}

	byID := make(map[string]*Entity, len(rd.Entities))
	for _, e := range rd.Entities {
		if e == nil || e.ID == "" {
			return fmt.Errorf("%w: entity without id", ErrRegistryCorrupted)
		}
		if _, dup := byID[e.ID]; dup {
			return fmt.Errorf("%w: duplicate entity id %s", ErrRegistryCollision, e.ID)
		}
		byID[e.ID] = e
	}
	for alias, id := range rd.Aliases {
		if _, ok := byID[id]; !ok {
			return fmt.Errorf("%w: alias %q points at unknown entity %s", ErrRegistryCorrupted, alias, id)
		}
	}
	// Every entity's own label must resolve to it.
	for _, e := range rd.Entities {
		norm := Normalize(e.Label)
		if norm == "" {
			continue
		}
		if id, ok := rd.Aliases[norm]; ok && id != e.ID {
			return fmt.Errorf("%w: label %q maps to both %s and %s", ErrRegistryCollision, norm, id, e.ID)
		}
		rd.Aliases[norm] = e.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = &rd
	r.byID = byID
	return nil
}

// Save writes the registry to the path it was opened from.
func (r *Registry) Save() error {
	if r.filePath == "" {
		return fmt.Errorf("registry has no file path")
	}
	return r.SaveTo(r.filePath)
}

// SaveTo writes the registry atomically to path.
func (r *Registry) SaveTo(path string) error {
	data, err := r.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename registry: %w", err)
	}
	return nil
}

// Path returns the file the registry persists to, if any.
func (r *Registry) Path() string {
	return r.filePath
}
