// Package pipeline runs the extraction stages over one source document:
// source, chunks, facts, statements and triples.
//
// Every stage is a ledger document. Each unit records the CID of the unit it
// was derived from, so a re-run only regenerates what changed upstream and
// the provenance chain can be exported and verified afterwards.
package pipeline
