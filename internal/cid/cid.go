// Package cid computes content identifiers for ledger units.
//
// Identifiers are CIDv1 values using the raw codec and a sha2-256 multihash,
// rendered in the default base32 multibase ("bafkrei..."). The URI form is
// the identifier prefixed with "ipfs://".
package cid

import (
	"errors"
	"fmt"
	"strings"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Scheme is the URI prefix for content identifiers.
const Scheme = "ipfs://"

// ErrInvalidURI is returned when a string is not a decodable CID URI.
var ErrInvalidURI = errors.New("invalid cid uri")

// CID is a content identifier. The zero value identifies nothing.
type CID struct {
	c gocid.Cid
}

// Compute returns the identifier of content.
func Compute(content []byte) CID {
	mh, err := multihash.Sum(content, multihash.SHA2_256, -1)
	if err != nil {
		// sha2-256 is always registered; Sum only fails for unknown codes.
		panic(fmt.Sprintf("cid: multihash sum: %v", err))
	}
	return CID{c: gocid.NewCidV1(gocid.Raw, mh)}
}

// ComputeString returns the identifier of the UTF-8 bytes of s.
func ComputeString(s string) CID {
	return Compute([]byte(s))
}

// Combine returns the identifier of the "|"-joined string forms of ids.
// It is order sensitive.
func Combine(ids ...CID) CID {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return ComputeString(strings.Join(parts, "|"))
}

// Parse decodes a bare identifier string.
func Parse(s string) (CID, error) {
	c, err := gocid.Decode(s)
	if err != nil {
		return CID{}, fmt.Errorf("%w: %q: %v", ErrInvalidURI, s, err)
	}
	return CID{c: c}, nil
}

// FromURI decodes an "ipfs://<cid>" URI.
func FromURI(uri string) (CID, error) {
	rest, ok := strings.CutPrefix(uri, Scheme)
	if !ok {
		return CID{}, fmt.Errorf("%w: %q: missing %s prefix", ErrInvalidURI, uri, Scheme)
	}
	if rest == "" {
		return CID{}, fmt.Errorf("%w: %q: empty identifier", ErrInvalidURI, uri)
	}
	return Parse(rest)
}

// ToURI returns the URI form of id.
func ToURI(id CID) string {
	return id.URI()
}

// TrimScheme returns the identifier part of uri without decoding it.
// Strings without the scheme are returned unchanged.
func TrimScheme(uri string) string {
	return strings.TrimPrefix(uri, Scheme)
}

// URIFor returns the URI of a raw identifier string without validating it.
func URIFor(raw string) string {
	if raw == "" || strings.HasPrefix(raw, Scheme) {
		return raw
	}
	return Scheme + raw
}

// String returns the base32 encoding, or "" for the zero value.
func (id CID) String() string {
	if !id.c.Defined() {
		return ""
	}
	return id.c.String()
}

// URI returns the "ipfs://" form, or "" for the zero value.
func (id CID) URI() string {
	if !id.c.Defined() {
		return ""
	}
	return Scheme + id.c.String()
}

// IsZero reports whether id is the zero value.
func (id CID) IsZero() bool {
	return !id.c.Defined()
}

// Equals reports whether both identifiers are the same.
func (id CID) Equals(other CID) bool {
	return id.c.Equals(other.c)
}

// Digest returns the raw sha2-256 digest.
func (id CID) Digest() []byte {
	if !id.c.Defined() {
		return nil
	}
	dec, err := multihash.Decode(id.c.Hash())
	if err != nil {
		return nil
	}
	return dec.Digest
}

// MarshalText implements encoding.TextMarshaler.
func (id CID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Both bare identifiers
// and URIs are accepted.
func (id *CID) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		*id = CID{}
		return nil
	}
	parsed, err := Parse(TrimScheme(s))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
