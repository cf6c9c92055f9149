package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/ontoledger/internal/emission"
	"github.com/fyrsmithlabs/ontoledger/internal/tools"
)

const (
	listTriplesTool = "list_triples"
	toolSearchTool  = "tool_search"
)

// Record fields are optional in the schemas so that incomplete records reach
// the collector, which answers with what is missing.

type findClassInput struct {
	Description string `json:"description" jsonschema:"Natural language description of the entity type"`
}

type findPropertyInput struct {
	Description string `json:"description" jsonschema:"Natural language description of the relationship"`
	SubjectType string `json:"subject_type,omitempty" jsonschema:"Optional type of the subject, e.g. Person"`
	ObjectType  string `json:"object_type,omitempty" jsonschema:"Optional type of the object or value, e.g. Date"`
}

type tripleInput struct {
	StatementID string `json:"statement_id,omitempty" jsonschema:"Id of the source statement, e.g. 3 for [3]"`
	Subject     string `json:"subject,omitempty" jsonschema:"Subject URI or prefixed term"`
	Predicate   string `json:"predicate,omitempty" jsonschema:"Predicate URI or prefixed term"`
	Object      string `json:"object,omitempty" jsonschema:"Object URI, prefixed term or literal"`
}

type triplesInput struct {
	Triples []tripleInput `json:"triples" jsonschema:"Triple records, each with statement_id, subject, predicate and object"`
}

type listTriplesInput struct {
	StatementID string `json:"statement_id,omitempty" jsonschema:"Only list triples of this statement"`
}

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Regex pattern or substring matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Filter results to a category (lookup, emission, search)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

type toolOutput struct {
	Result string `json:"result" jsonschema:"Tool answer; corrective answers start with ERROR:"`
}

type listTriplesOutput struct {
	Count   int               `json:"count" jsonschema:"Number of triples returned"`
	Triples []emission.Triple `json:"triples" jsonschema:"Accepted triples in emission order"`
}

type toolSearchOutput struct {
	Query      string          `json:"query" jsonschema:"Search query used"`
	Results    []*SearchResult `json:"results" jsonschema:"Matching tools with score and match reason"`
	Count      int             `json:"count" jsonschema:"Number of tools found"`
	TotalTools int             `json:"total_tools" jsonschema:"Total number of tools in registry"`
}

// registerTools adds every tool to the MCP server and the registry.
func (s *Server) registerTools() error {
	defs := make(map[string]tools.Definition)
	for _, d := range s.set.Definitions() {
		defs[d.Name] = d
	}

	entries := []struct {
		meta ToolMetadata
		add  func(*mcp.Tool)
	}{
		{
			meta: ToolMetadata{Name: tools.FindRDFClass, Category: CategoryLookup, Keywords: []string{"type", "class", "rdf:type", "vocabulary"}},
			add:  func(t *mcp.Tool) { mcp.AddTool(s.mcp, t, s.handleFindClass) },
		},
		{
			meta: ToolMetadata{Name: tools.FindRDFProperty, Category: CategoryLookup, Keywords: []string{"predicate", "property", "relationship", "vocabulary"}},
			add:  func(t *mcp.Tool) { mcp.AddTool(s.mcp, t, s.handleFindProperty) },
		},
		{
			meta: ToolMetadata{Name: tools.EmitTriple, Category: CategoryEmission, Keywords: []string{"triple", "record", "statement"}},
			add:  func(t *mcp.Tool) { mcp.AddTool(s.mcp, t, s.handleEmitTriple) },
		},
		{
			meta: ToolMetadata{Name: tools.EmitTriples, Category: CategoryEmission, Keywords: []string{"triples", "batch", "record"}},
			add:  func(t *mcp.Tool) { mcp.AddTool(s.mcp, t, s.handleEmitTriples) },
		},
		{
			meta: ToolMetadata{
				Name:        listTriplesTool,
				Description: "List the triples accepted so far, optionally only those of one statement.",
				Category:    CategoryEmission,
				Keywords:    []string{"triples", "inspect", "turtle"},
			},
			add: func(t *mcp.Tool) { mcp.AddTool(s.mcp, t, s.handleListTriples) },
		},
		{
			meta: ToolMetadata{
				Name:        toolSearchTool,
				Description: "Search the available tools by name, description or keyword. The query may be a regular expression.",
				Category:    CategorySearch,
				Keywords:    []string{"discover", "find tool"},
			},
			add: func(t *mcp.Tool) { mcp.AddTool(s.mcp, t, s.handleToolSearch) },
		},
	}

	for _, e := range entries {
		meta := e.meta
		if d, ok := defs[meta.Name]; ok {
			meta.Description = d.Description
		}
		if err := s.toolRegistry.Register(&meta); err != nil {
			return err
		}
		e.add(&mcp.Tool{Name: meta.Name, Description: meta.Description})
	}
	return nil
}

func (s *Server) handleFindClass(ctx context.Context, req *mcp.CallToolRequest, args findClassInput) (*mcp.CallToolResult, toolOutput, error) {
	res, text := s.call(ctx, tools.FindRDFClass, args)
	return res, toolOutput{Result: text}, nil
}

func (s *Server) handleFindProperty(ctx context.Context, req *mcp.CallToolRequest, args findPropertyInput) (*mcp.CallToolResult, toolOutput, error) {
	res, text := s.call(ctx, tools.FindRDFProperty, args)
	return res, toolOutput{Result: text}, nil
}

func (s *Server) handleEmitTriple(ctx context.Context, req *mcp.CallToolRequest, args tripleInput) (*mcp.CallToolResult, toolOutput, error) {
	res, text := s.call(ctx, tools.EmitTriple, args)
	return res, toolOutput{Result: text}, nil
}

func (s *Server) handleEmitTriples(ctx context.Context, req *mcp.CallToolRequest, args triplesInput) (*mcp.CallToolResult, toolOutput, error) {
	res, text := s.call(ctx, tools.EmitTriples, args)
	return res, toolOutput{Result: text}, nil
}

func (s *Server) handleListTriples(ctx context.Context, req *mcp.CallToolRequest, args listTriplesInput) (*mcp.CallToolResult, listTriplesOutput, error) {
	var triples []emission.Triple
	if id := strings.TrimSpace(args.StatementID); id != "" {
		triples = s.set.Collector().ForStatement(id)
	} else {
		triples = s.set.Collector().Triples()
	}
	if triples == nil {
		triples = []emission.Triple{}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: emission.TriplesToTurtle(triples)}},
	}, listTriplesOutput{Count: len(triples), Triples: triples}, nil
}

func (s *Server) handleToolSearch(ctx context.Context, req *mcp.CallToolRequest, args toolSearchInput) (*mcp.CallToolResult, toolSearchOutput, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, toolSearchOutput{}, fmt.Errorf("query is required")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 5
	}

	var results []*SearchResult
	if args.Category != "" {
		results = s.toolRegistry.SearchByCategory(args.Query, ToolCategory(args.Category))
	} else {
		results = s.toolRegistry.Search(args.Query)
	}
	if len(results) > limit {
		results = results[:limit]
	}

	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.Tool.Name
	}
	text := fmt.Sprintf("No tools found matching: %s", args.Query)
	if len(names) > 0 {
		text = fmt.Sprintf("Found %d tool(s) for query '%s': %s", len(names), args.Query, strings.Join(names, ", "))
	}

	return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, toolSearchOutput{
			Query:      args.Query,
			Results:    results,
			Count:      len(results),
			TotalTools: s.toolRegistry.Count(),
		}, nil
}
