package mcp

import (
	"cmp"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// ToolCategory groups tools for discovery.
type ToolCategory string

const (
	CategoryLookup   ToolCategory = "lookup"   // vocabulary search
	CategoryEmission ToolCategory = "emission" // emitting and listing triples
	CategorySearch   ToolCategory = "search"   // tool_search
)

var (
	ErrToolExists   = errors.New("tool already registered")
	ErrToolNotFound = errors.New("tool not found")
)

// ToolMetadata describes a served tool.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
	Keywords    []string     `json:"keywords,omitempty"`
}

// ToolRegistry is the catalog behind tool_search. Tools are kept sorted by
// name.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools []*ToolMetadata
}

// NewToolRegistry returns an empty catalog.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

func byName(a *ToolMetadata, name string) int { return strings.Compare(a.Name, name) }

// Register adds tool. Names are unique and a description is required.
func (r *ToolRegistry) Register(tool *ToolMetadata) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Description == "" {
		return fmt.Errorf("tool description is required for %s", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i, found := slices.BinarySearchFunc(r.tools, tool.Name, byName)
	if found {
		return fmt.Errorf("%w: %s", ErrToolExists, tool.Name)
	}
	r.tools = slices.Insert(r.tools, i, tool)
	return nil
}

// Get returns the tool called name.
func (r *ToolRegistry) Get(name string) (*ToolMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, found := slices.BinarySearchFunc(r.tools, name, byName); found {
		return r.tools[i], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// List returns every tool, sorted by name.
func (r *ToolRegistry) List() []*ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.tools)
}

// ListByCategory returns the tools of category, sorted by name.
func (r *ToolRegistry) ListByCategory(category ToolCategory) []*ToolMetadata {
	return slices.DeleteFunc(r.List(), func(t *ToolMetadata) bool { return t.Category != category })
}

// Count returns the number of tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SearchResult is a tool matched by a query. Score is 3 for an exact name,
// 2 for a partial name and 1 for a description or keyword match.
type SearchResult struct {
	Tool        *ToolMetadata `json:"tool"`
	Score       int           `json:"score"`
	MatchReason string        `json:"match_reason"`
}

// Search matches query against names, descriptions and keywords, as a
// case-insensitive regular expression or, failing that, a substring.
// Results are ordered by score, then name.
func (r *ToolRegistry) Search(query string) []*SearchResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	lower := strings.ToLower(query)
	re, _ := regexp.Compile("(?i)" + query)
	match := func(s string) bool {
		return strings.Contains(strings.ToLower(s), lower) || (re != nil && re.MatchString(s))
	}

	var results []*SearchResult
	for _, t := range r.List() {
		var score int
		var reason string
		switch {
		case strings.EqualFold(t.Name, query):
			score, reason = 3, "exact name match"
		case match(t.Name):
			score, reason = 2, "name matches query"
		case match(t.Description):
			score, reason = 1, "description matches query"
		case slices.ContainsFunc(t.Keywords, match):
			score, reason = 1, "keyword matches query"
		default:
			continue
		}
		results = append(results, &SearchResult{Tool: t, Score: score, MatchReason: reason})
	}
	slices.SortStableFunc(results, func(a, b *SearchResult) int { return cmp.Compare(b.Score, a.Score) })
	return results
}

// SearchByCategory is Search restricted to category.
func (r *ToolRegistry) SearchByCategory(query string, category ToolCategory) []*SearchResult {
	return slices.DeleteFunc(r.Search(query), func(s *SearchResult) bool { return s.Tool.Category != category })
}
