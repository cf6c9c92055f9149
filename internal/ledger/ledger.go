// Package ledger persists the ordered log of (content, signature) pairs that
// each pipeline stage produces.
//
// A Document is one stage's log. Entries are grouped: a group is the set of
// units that are generated, skipped or replaced together. Error markers
// record failed generations and never carry a signature, so a failed unit is
// always retried on the next run.
package ledger

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/fyrsmithlabs/ontoledger/internal/cid"
	"github.com/fyrsmithlabs/ontoledger/internal/signature"
)

// DocumentVersion is the current on-disk layout version.
const DocumentVersion = 1

// Errors for ledger operations.
var (
	ErrNotFound     = errors.New("ledger not found")
	ErrInvalidStage = errors.New("invalid stage name")
)

// Entry is one unit of content in a stage document.
type Entry struct {
	Key       string               `json:"key"`
	Group     string               `json:"group"`
	Content   string               `json:"content"`
	Signature *signature.Signature `json:"signature,omitempty"`
	Marker    bool                 `json:"marker,omitempty"`
}

// ContentURI returns the CID URI of the entry's current content. It differs
// from the signature identifier once the content has been edited by hand.
func (e Entry) ContentURI() string {
	return cid.ComputeString(e.Content).URI()
}

// Header carries document-level metadata.
type Header struct {
	Title     string    `json:"title,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Document is the ordered log of a single stage.
type Document struct {
	Stage   string  `json:"stage"`
	Version int     `json:"version"`
	Header  Header  `json:"header"`
	Entries []Entry `json:"entries"`
}

// NewDocument returns an empty document for stage.
func NewDocument(stage string) *Document {
	return &Document{Stage: stage, Version: DocumentVersion}
}

// Group returns the signed entries of group g in order.
func (d *Document) Group(g string) []Entry {
	var out []Entry
	for _, e := range d.Entries {
		if e.Group == g && !e.Marker {
			out = append(out, e)
		}
	}
	return out
}

// Signatures returns the signatures of group g in order.
func (d *Document) Signatures(g string) []signature.Signature {
	var out []signature.Signature
	for _, e := range d.Entries {
		if e.Group == g && !e.Marker && e.Signature != nil {
			out = append(out, *e.Signature)
		}
	}
	return out
}

// AllSignatures returns every signature in document order.
func (d *Document) AllSignatures() []signature.Signature {
	out := make([]signature.Signature, 0, len(d.Entries))
	for _, e := range d.Entries {
		if e.Signature != nil {
			out = append(out, *e.Signature)
		}
	}
	return out
}

// Markers returns the error markers recorded for group g.
func (d *Document) Markers(g string) []Entry {
	var out []Entry
	for _, e := range d.Entries {
		if e.Group == g && e.Marker {
			out = append(out, e)
		}
	}
	return out
}

// Lookup finds an entry by key.
func (d *Document) Lookup(key string) (Entry, bool) {
	for _, e := range d.Entries {
		if e.Key == key && !e.Marker {
			return e, true
		}
	}
	return Entry{}, false
}

// Groups returns group names in order of first appearance.
func (d *Document) Groups() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range d.Entries {
		if _, ok := seen[e.Group]; ok {
			continue
		}
		seen[e.Group] = struct{}{}
		out = append(out, e.Group)
	}
	return out
}

// NextCell returns the next unused cell number.
func (d *Document) NextCell() int {
	next := 1
	for _, e := range d.Entries {
		if e.Signature != nil && e.Signature.Meta.Cell >= next {
			next = e.Signature.Meta.Cell + 1
		}
	}
	return next
}

// ReplaceGroup removes every entry and marker of group g and appends
// entries. It returns the removed entries so a failed save can be undone
// with RestoreGroup.
func (d *Document) ReplaceGroup(g string, entries []Entry) []Entry {
	var removed []Entry
	kept := d.Entries[:0:0]
	for _, e := range d.Entries {
		if e.Group == g {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	for i := range entries {
		entries[i].Group = g
	}
	d.Entries = append(kept, entries...)
	return removed
}

// RestoreGroup puts back entries previously returned by ReplaceGroup.
func (d *Document) RestoreGroup(g string, previous []Entry) {
	d.ReplaceGroup(g, previous)
}

// MarkFailed replaces group g with a single error marker and returns the
// removed entries. The group has no signature afterwards, so it is generated
// again on the next run.
func (d *Document) MarkFailed(g, key, text string) []Entry {
	return d.ReplaceGroup(g, []Entry{{Key: key, Content: text, Marker: true}})
}

// Prune drops every group for which keep returns false and reports how many
// entries were removed.
func (d *Document) Prune(keep func(group string) bool) int {
	before := len(d.Entries)
	d.Entries = slices.DeleteFunc(d.Entries, func(e Entry) bool {
		return !keep(e.Group)
	})
	return before - len(d.Entries)
}

// Drift returns signed entries whose content no longer matches their
// signature, i.e. units edited by hand after generation.
func (d *Document) Drift() []Entry {
	var out []Entry
	for _, e := range d.Entries {
		if e.Signature != nil && !e.Signature.Describes(e.Content) {
			out = append(out, e)
		}
	}
	return out
}

// Store loads and saves stage documents. Save must be atomic: after a crash
// either the previous or the new document is visible, never a mix.
type Store interface {
	Load(ctx context.Context, stage string) (*Document, error)
	Save(ctx context.Context, doc *Document) error
	Stages(ctx context.Context) ([]string, error)
	Close() error
}
