// Package mcp exposes the RDF extraction tools over the Model Context
// Protocol.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and delegates every call to a tools.Set, so an external agent sees the same
// vocabulary lookup and validated emission behavior as the built-in
// extraction agent. Accepted triples accumulate in the set's collector and
// can be read back with list_triples or written out when the server stops.
//
// Tools:
//
//	find_rdf_class     best matching vocabulary classes for a description
//	find_rdf_property  best matching properties, optionally typed
//	emit_triple        record one triple for a statement id
//	emit_triples       record a batch; rejected records are listed
//	list_triples       accepted triples, optionally for one statement
//	tool_search        find tools by name, description or keyword
package mcp
