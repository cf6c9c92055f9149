// Package tools implements the RDF tools offered to the triple extraction
// agent: vocabulary lookup and validated triple emission.
//
// Tool failures never surface as Go errors. They are returned as text
// starting with "ERROR:" so the agent can read the problem and retry.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ontoledger/internal/emission"
	"github.com/fyrsmithlabs/ontoledger/internal/vocabulary"
)

// Tool names.
const (
	FindRDFClass    = "find_rdf_class"
	FindRDFProperty = "find_rdf_property"
	EmitTriple      = "emit_triple"
	EmitTriples     = "emit_triples"
)

// ErrorPrefix starts every corrective tool response.
const ErrorPrefix = "ERROR:"

// Outcomes recorded for each call.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Vocabulary is the lookup surface the find tools need.
type Vocabulary interface {
	FindClass(ctx context.Context, description string, k int) ([]vocabulary.Match, error)
	FindProperty(ctx context.Context, description, subjectType, objectType string, k int) ([]vocabulary.Match, error)
}

// Definition describes a tool for a model: a name, a description and a JSON
// schema for its arguments.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// CallRecord is one entry of the call log.
type CallRecord struct {
	Tool      string        `json:"tool"`
	Arguments string        `json:"arguments"`
	Outcome   string        `json:"outcome"`
	Result    string        `json:"result"`
	Duration  time.Duration `json:"duration"`
}

// Observer is notified after every call.
type Observer func(CallRecord)

// Set binds the tools to a vocabulary index and an emission collector.
type Set struct {
	vocab     Vocabulary
	collector *emission.Collector
	topK      int
	observer  Observer
	logger    *zap.Logger

	mu  sync.Mutex
	log []CallRecord
}

// Option configures a Set.
type Option func(*Set)

// WithTopK sets how many vocabulary matches the find tools return.
func WithTopK(k int) Option {
	return func(s *Set) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithObserver registers a callback for every call.
func WithObserver(o Observer) Option {
	return func(s *Set) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Set) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSet creates a tool set. vocab may be nil, in which case the find tools
// report that no vocabulary is loaded.
func NewSet(vocab Vocabulary, collector *emission.Collector, opts ...Option) *Set {
	if collector == nil {
		collector = emission.NewCollector()
	}
	s := &Set{
		vocab:     vocab,
		collector: collector,
		topK:      vocabulary.DefaultTopK,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collector returns the collector receiving emitted triples.
func (s *Set) Collector() *emission.Collector { return s.collector }

// Definitions returns the tool definitions in a stable order.
func (s *Set) Definitions() []Definition {
	return []Definition{
		{
			Name: FindRDFClass,
			Description: "Find the best schema.org class/type for an entity based on a natural language description. " +
				`Use this when you need to determine the rdf:type of an entity. Example: find_rdf_class("a person who does scientific research")`,
			Parameters: object(map[string]any{
				"description": str("Natural language description of the entity type"),
			}, "description"),
		},
		{
			Name: FindRDFProperty,
			Description: "Find the best schema.org property/predicate for a relationship. " +
				`Example: find_rdf_property("the date when someone was born", subject_type="Person")`,
			Parameters: object(map[string]any{
				"description":  str("Natural language description of the relationship"),
				"subject_type": str(`Optional type of the subject, e.g. "Person"`),
				"object_type":  str(`Optional type of the object/value, e.g. "Date"`),
			}, "description"),
		},
		{
			Name: EmitTriple,
			Description: "Emit a single RDF triple derived from one statement. " +
				"Every triple must name the statement it came from.",
			Parameters: object(map[string]any{
				"statement_id": str(`Id of the source statement, e.g. "3" for [3]`),
				"subject":      str(`Subject URI, e.g. "<https://example.org#person_einstein>"`),
				"predicate":    str(`Predicate URI or prefixed term, e.g. "schema:birthDate"`),
				"object":       str(`Object URI, prefixed term or literal, e.g. '"1879-03-14"^^xsd:date'`),
			}, emission.Fields...),
		},
		{
			Name:        EmitTriples,
			Description: "Emit several RDF triples at once. Each record needs statement_id, subject, predicate and object. Rejected records are listed in the response; resend only those.",
			Parameters: object(map[string]any{
				"triples": map[string]any{
					"type":        "array",
					"description": "Triple records",
					"items": object(map[string]any{
						"statement_id": str("Id of the source statement"),
						"subject":      str("Subject URI or prefixed term"),
						"predicate":    str("Predicate URI or prefixed term"),
						"object":       str("Object URI, prefixed term or literal"),
					}, emission.Fields...),
				},
			}, "triples"),
		},
	}
}

func object(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// Call dispatches a tool call with JSON-encoded arguments and returns the
// text shown to the agent.
func (s *Set) Call(ctx context.Context, name, rawArgs string) string {
	start := time.Now()
	result, outcome := s.dispatch(ctx, name, rawArgs)
	rec := CallRecord{
		Tool:      name,
		Arguments: rawArgs,
		Outcome:   outcome,
		Result:    result,
		Duration:  time.Since(start),
	}

	s.mu.Lock()
	s.log = append(s.log, rec)
	s.mu.Unlock()

	if s.observer != nil {
		s.observer(rec)
	}
	s.logger.Debug("tool call",
		zap.String("tool", name),
		zap.String("outcome", outcome),
		zap.Duration("duration", rec.Duration),
	)
	return result
}

func (s *Set) dispatch(ctx context.Context, name, rawArgs string) (string, string) {
	switch name {
	case FindRDFClass:
		return s.findClass(ctx, rawArgs)
	case FindRDFProperty:
		return s.findProperty(ctx, rawArgs)
	case EmitTriple:
		return s.emitTriple(rawArgs)
	case EmitTriples:
		return s.emitTriples(rawArgs)
	default:
		return fmt.Sprintf("%s unknown tool %q. Available tools: %s, %s, %s, %s",
			ErrorPrefix, name, FindRDFClass, FindRDFProperty, EmitTriple, EmitTriples), OutcomeError
	}
}

// Log returns a copy of the call log.
func (s *Set) Log() []CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CallRecord(nil), s.log...)
}

// ResetLog clears the call log.
func (s *Set) ResetLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
}

func decodeArgs(rawArgs string) (map[string]any, error) {
	rawArgs = strings.TrimSpace(rawArgs)
	if rawArgs == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %v", err)
	}
	return args, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func (s *Set) findClass(ctx context.Context, rawArgs string) (string, string) {
	args, err := decodeArgs(rawArgs)
	if err != nil {
		return ErrorPrefix + " " + err.Error(), OutcomeError
	}
	desc := stringArg(args, "description")
	if desc == "" {
		return ErrorPrefix + ` "description" is required, e.g. {"description": "a person who does scientific research"}`, OutcomeError
	}
	if s.vocab == nil {
		return "No vocabulary loaded. Use a generic type like schema:Thing", OutcomeOK
	}

	matches, err := s.vocab.FindClass(ctx, desc, s.topK)
	if err != nil {
		return searchError(err), OutcomeError
	}
	if len(matches) == 0 {
		return "No matches found. Use a generic type like schema:Thing", OutcomeOK
	}

	var sb strings.Builder
	sb.WriteString("Top matching classes:")
	for _, m := range matches {
		fmt.Fprintf(&sb, "\n  %s (%.2f)\n    URI: %s", m.Term.Prefixed(), m.Score, m.Term.URI)
		if m.Term.Description != "" {
			fmt.Fprintf(&sb, "\n    Description: %s", truncate(m.Term.Description, 100))
		}
	}
	return sb.String(), OutcomeOK
}

func (s *Set) findProperty(ctx context.Context, rawArgs string) (string, string) {
	args, err := decodeArgs(rawArgs)
	if err != nil {
		return ErrorPrefix + " " + err.Error(), OutcomeError
	}
	desc := stringArg(args, "description")
	if desc == "" {
		return ErrorPrefix + ` "description" is required, e.g. {"description": "the date when someone was born", "subject_type": "Person"}`, OutcomeError
	}
	if s.vocab == nil {
		return "No vocabulary loaded. Consider using rdfs:label or a descriptive URI fragment.", OutcomeOK
	}

	matches, err := s.vocab.FindProperty(ctx, desc, stringArg(args, "subject_type"), stringArg(args, "object_type"), s.topK)
	if err != nil {
		return searchError(err), OutcomeError
	}
	if len(matches) == 0 {
		return "No matches found. Consider using rdfs:label or a descriptive URI fragment.", OutcomeOK
	}

	var sb strings.Builder
	sb.WriteString("Top matching properties:")
	for _, m := range matches {
		fmt.Fprintf(&sb, "\n  %s (%.2f)\n    URI: %s", m.Term.Prefixed(), m.Score, m.Term.URI)
		if m.Term.Domain != "" {
			fmt.Fprintf(&sb, "\n    Domain: %s", m.Term.Domain)
		}
		if m.Term.Range != "" {
			fmt.Fprintf(&sb, "\n    Range: %s", m.Term.Range)
		}
		if m.Term.Description != "" {
			fmt.Fprintf(&sb, "\n    Description: %s", truncate(m.Term.Description, 80))
		}
	}
	return sb.String(), OutcomeOK
}

func searchError(err error) string {
	if errors.Is(err, vocabulary.ErrEmptyQuery) {
		return ErrorPrefix + " the description is empty"
	}
	return fmt.Sprintf("%s vocabulary search failed: %v", ErrorPrefix, err)
}

func (s *Set) emitTriple(rawArgs string) (string, string) {
	args, err := decodeArgs(rawArgs)
	if err != nil {
		return ErrorPrefix + " " + err.Error(), OutcomeError
	}
	if err := s.collector.EmitRecord(args); err != nil {
		var rej *emission.Rejection
		if errors.As(err, &rej) {
			return fmt.Sprintf("%s triple rejected: %s. Call emit_triple again with all of %s.",
				ErrorPrefix, rej.Reason, strings.Join(emission.Fields, ", ")), OutcomeRejected
		}
		return ErrorPrefix + " " + err.Error(), OutcomeError
	}
	triples := s.collector.Triples()
	t := triples[len(triples)-1]
	return fmt.Sprintf("Triple recorded for [%s]: %s %s %s", t.StatementID, t.Subject, t.Predicate, t.Object), OutcomeOK
}

// emitTriples accepts {"triples": [...]} and also a bare JSON array, which
// some models send.
func (s *Set) emitTriples(rawArgs string) (string, string) {
	trimmed := strings.TrimSpace(rawArgs)
	var records []any
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &records); err != nil {
			return fmt.Sprintf("%s triples are not a JSON array: %v", ErrorPrefix, err), OutcomeError
		}
	} else {
		args, err := decodeArgs(trimmed)
		if err != nil {
			return ErrorPrefix + " " + err.Error(), OutcomeError
		}
		list, ok := args["triples"].([]any)
		if !ok {
			return ErrorPrefix + ` "triples" must be a list of {"statement_id", "subject", "predicate", "object"} records`, OutcomeError
		}
		records = list
	}
	if len(records) == 0 {
		return ErrorPrefix + " no triples given", OutcomeError
	}

	res := s.collector.EmitBatch(records)
	outcome := OutcomeOK
	if res.Rejected > 0 {
		outcome = OutcomeRejected
		return ErrorPrefix + " " + res.Summary(), outcome
	}
	return res.Summary(), outcome
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
