// Package emission validates and collects the triples an extraction agent
// emits through tool calls.
//
// Every input either becomes an accepted Triple or is reported back in a
// Rejection naming the missing and invalid fields, so the agent can retry
// only what was wrong. Accepted triples are kept grouped by the statement
// they were derived from.
package emission

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrEmissionRejected marks a triple that failed validation.
var ErrEmissionRejected = errors.New("emission rejected")

// Triple is an accepted subject-predicate-object fact.
type Triple struct {
	StatementID string `json:"statement_id"`
	Subject     string `json:"subject"`
	Predicate   string `json:"predicate"`
	Object      string `json:"object"`
}

// Turtle renders the triple as a single Turtle statement.
func (t Triple) Turtle() string {
	return t.Subject + " " + t.Predicate + " " + t.Object + " ."
}

// Rejection explains why an input was not accepted.
type Rejection struct {
	Index       int      `json:"index"` // position in the batch, -1 for single emits
	StatementID string   `json:"statement_id,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Invalid     []string `json:"invalid,omitempty"`
	Reason      string   `json:"reason"`
}

func (r *Rejection) Error() string {
	if r.Index >= 0 {
		return fmt.Sprintf("%v: record %d: %s", ErrEmissionRejected, r.Index, r.Reason)
	}
	return fmt.Sprintf("%v: %s", ErrEmissionRejected, r.Reason)
}

func (r *Rejection) Unwrap() error {
	return ErrEmissionRejected
}

// BatchResult summarizes an EmitBatch call.
type BatchResult struct {
	Accepted   int         `json:"accepted"`
	Rejected   int         `json:"rejected"`
	Rejections []Rejection `json:"rejections,omitempty"`
}

// Summary renders the result as feedback text for the agent.
func (b BatchResult) Summary() string {
	if b.Rejected == 0 {
		return fmt.Sprintf("Recorded %d triples", b.Accepted)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Recorded %d triples, rejected %d. Fix and resend only the rejected records:", b.Accepted, b.Rejected)
	for _, r := range b.Rejections {
		fmt.Fprintf(&sb, "\n  - record %d: %s", r.Index, r.Reason)
	}
	return sb.String()
}

// Option configures a Collector.
type Option func(*Collector)

// WithStatementIDs restricts accepted statement ids to ids.
func WithStatementIDs(ids ...string) Option {
	return func(c *Collector) { c.setAllowed(ids) }
}

// Collector validates emissions and accumulates accepted triples. It is safe
// for concurrent use.
type Collector struct {
	mu       sync.Mutex
	triples  []Triple
	allowed  map[string]struct{}
	rejected int
}

// NewCollector returns an empty collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetStatementIDs replaces the set of accepted statement ids. An empty list
// accepts any id.
func (c *Collector) SetStatementIDs(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAllowed(ids)
}

func (c *Collector) setAllowed(ids []string) {
	if len(ids) == 0 {
		c.allowed = nil
		return
	}
	c.allowed = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		c.allowed[NormalizeStatementID(id)] = struct{}{}
	}
}

// NormalizeStatementID trims whitespace and the brackets agents copy from
// "[3] ..." statement listings.
func NormalizeStatementID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "[")
	id = strings.TrimSuffix(id, "]")
	return strings.TrimSpace(id)
}

// Emit validates and records one triple. A non-nil error is always a
// *Rejection.
func (c *Collector) Emit(statementID, subject, predicate, object string) error {
	values := map[string]string{
		FieldStatementID: strings.TrimSpace(statementID),
		FieldSubject:     strings.TrimSpace(subject),
		FieldPredicate:   strings.TrimSpace(predicate),
		FieldObject:      strings.TrimSpace(object),
	}
	t, rej := c.check(-1, resolved{values: values})
	c.mu.Lock()
	defer c.mu.Unlock()
	if rej != nil {
		c.rejected++
		return rej
	}
	c.triples = append(c.triples, t)
	return nil
}

// EmitRecord validates and records one batch-style record.
func (c *Collector) EmitRecord(rec map[string]any) error {
	t, rej := c.check(-1, resolveRecord(rec))
	c.mu.Lock()
	defer c.mu.Unlock()
	if rej != nil {
		c.rejected++
		return rej
	}
	c.triples = append(c.triples, t)
	return nil
}

// EmitBatch validates each record independently. Records that are not JSON
// objects are rejected as a whole.
func (c *Collector) EmitBatch(records []any) BatchResult {
	var res BatchResult
	accepted := make([]Triple, 0, len(records))

	for i, raw := range records {
		rec, ok := raw.(map[string]any)
		if !ok {
			res.Rejections = append(res.Rejections, Rejection{
				Index:   i,
				Missing: append([]string(nil), Fields...),
				Reason:  fmt.Sprintf("record is %s, expected an object with %s", describe(raw), strings.Join(Fields, ", ")),
			})
			continue
		}
		t, rej := c.check(i, resolveRecord(rec))
		if rej != nil {
			res.Rejections = append(res.Rejections, *rej)
			continue
		}
		accepted = append(accepted, t)
	}

	res.Accepted = len(accepted)
	res.Rejected = len(res.Rejections)

	c.mu.Lock()
	c.triples = append(c.triples, accepted...)
	c.rejected += res.Rejected
	c.mu.Unlock()
	return res
}

// check applies the canonical shape to resolved values.
func (c *Collector) check(index int, r resolved) (Triple, *Rejection) {
	var missing, invalid, reasons []string

	for _, f := range Fields {
		if problem, bad := r.invalid[f]; bad {
			invalid = append(invalid, f)
			reasons = append(reasons, fmt.Sprintf("%s invalid (%s)", f, problem))
			continue
		}
		if r.values[f] == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		reasons = append([]string{"missing " + strings.Join(missing, ", ")}, reasons...)
	}

	stmtID := NormalizeStatementID(r.values[FieldStatementID])
	if stmtID != "" && !slices.Contains(invalid, FieldStatementID) && !c.allowedID(stmtID) {
		invalid = append(invalid, FieldStatementID)
		reasons = append(reasons, fmt.Sprintf("statement_id %q is not one of %s", stmtID, c.allowedList()))
	}

	if len(missing) > 0 || len(invalid) > 0 {
		return Triple{}, &Rejection{
			Index:       index,
			StatementID: stmtID,
			Missing:     missing,
			Invalid:     invalid,
			Reason:      strings.Join(reasons, "; "),
		}
	}
	return Triple{
		StatementID: stmtID,
		Subject:     r.values[FieldSubject],
		Predicate:   r.values[FieldPredicate],
		Object:      r.values[FieldObject],
	}, nil
}

func (c *Collector) allowedID(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allowed == nil {
		return true
	}
	_, ok := c.allowed[id]
	return ok
}

func (c *Collector) allowedList() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.allowed))
	for id := range c.allowed {
		ids = append(ids, id)
	}
	sortStatementIDs(ids)
	return "[" + strings.Join(ids, ", ") + "]"
}

// Triples returns accepted triples in emission order.
func (c *Collector) Triples() []Triple {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Triple(nil), c.triples...)
}

// Grouped returns accepted triples keyed by statement id, each group in
// emission order.
func (c *Collector) Grouped() map[string][]Triple {
	c.mu.Lock()
	defer c.mu.Unlock()
	return group(c.triples)
}

// ForStatement returns the triples of one statement.
func (c *Collector) ForStatement(id string) []Triple {
	c.mu.Lock()
	defer c.mu.Unlock()
	id = NormalizeStatementID(id)
	var out []Triple
	for _, t := range c.triples {
		if t.StatementID == id {
			out = append(out, t)
		}
	}
	return out
}

// Flush returns the grouped triples and resets the collector.
func (c *Collector) Flush() map[string][]Triple {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := group(c.triples)
	c.triples = nil
	c.rejected = 0
	return out
}

// Reset drops all accepted triples and counters. Allowed ids are kept.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triples = nil
	c.rejected = 0
}

// Len returns the number of accepted triples.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.triples)
}

// Rejected returns the number of rejections since the last reset.
func (c *Collector) Rejected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

func group(triples []Triple) map[string][]Triple {
	out := make(map[string][]Triple)
	for _, t := range triples {
		out[t.StatementID] = append(out[t.StatementID], t)
	}
	return out
}

// TriplesToTurtle renders triples one per line.
func TriplesToTurtle(triples []Triple) string {
	if len(triples) == 0 {
		return "# No triples emitted"
	}
	lines := make([]string, len(triples))
	for i, t := range triples {
		lines[i] = t.Turtle()
	}
	return strings.Join(lines, "\n")
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "a string"
	case []any:
		return "a list"
	case float64:
		return "a number"
	case bool:
		return "a boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
