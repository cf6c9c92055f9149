package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ontoledger/internal/chunker"
)

// Stage names, in derivation order.
const (
	StageSource          = "source"
	StageChunks          = "chunks"
	StageFacts           = "facts"
	StageStatements      = "statements"
	StageClassifications = "classifications"
	StageTriples         = "triples"
)

// Stages lists every stage in derivation order.
var Stages = []string{StageSource, StageChunks, StageFacts, StageStatements, StageClassifications, StageTriples}

// ErrInvalidOptions is returned by Options.Validate.
var ErrInvalidOptions = errors.New("invalid pipeline options")

// Granularity is the regeneration unit of a stage.
type Granularity string

const (
	// GranularityChunk decides and regenerates all units of a chunk together.
	GranularityChunk Granularity = "chunk"
	// GranularityUnit decides and regenerates every unit on its own.
	GranularityUnit Granularity = "unit"
)

// ParseGranularity parses a configured granularity. Empty means chunk.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(strings.ToLower(strings.TrimSpace(s))) {
	case "", GranularityChunk:
		return GranularityChunk, nil
	case GranularityUnit:
		return GranularityUnit, nil
	default:
		return "", fmt.Errorf("%w: granularity %q, want chunk or unit", ErrInvalidOptions, s)
	}
}

// Policy maps stage names to their granularity. Only the triples stage
// supports unit granularity: chunks and facts are produced one per chunk,
// and the statements stage follows the triples setting so that every triple
// unit derives from a statements unit.
type Policy map[string]Granularity

// For returns the granularity of stage, defaulting to chunk.
func (p Policy) For(stage string) Granularity {
	if g, ok := p[stage]; ok && g != "" {
		return g
	}
	return GranularityChunk
}

// Validate rejects unknown stages and unsupported settings.
func (p Policy) Validate() error {
	for stage, g := range p {
		if !slices.Contains(Stages, stage) {
			return fmt.Errorf("%w: unknown stage %q", ErrInvalidOptions, stage)
		}
		if _, err := ParseGranularity(string(g)); err != nil {
			return err
		}
		if g == GranularityUnit && stage != StageTriples {
			return fmt.Errorf("%w: stage %q only supports chunk granularity", ErrInvalidOptions, stage)
		}
	}
	return nil
}

// Options configures a run.
type Options struct {
	Title     string
	SourceURL string
	// LinkBase resolves relative markdown links, e.g. "https://en.wikipedia.org".
	LinkBase          string
	Chunking          chunker.Config
	MaxIterations     int
	GenerationTimeout time.Duration
	Policy            Policy
	// Classify adds the statement classification stage.
	Classify bool
}

// ApplyDefaults sets default values for unset fields.
func (o *Options) ApplyDefaults() {
	o.Chunking.ApplyDefaults()
	if o.MaxIterations <= 0 {
		o.MaxIterations = 150
	}
	if o.GenerationTimeout == 0 {
		o.GenerationTimeout = 5 * time.Minute
	}
	if o.Policy == nil {
		o.Policy = Policy{}
	}
	if o.LinkBase == "" {
		if u, err := url.Parse(o.SourceURL); err == nil && u.Scheme != "" && u.Host != "" {
			o.LinkBase = u.Scheme + "://" + u.Host
		}
	}
}

// Validate checks required fields.
func (o Options) Validate() error {
	var errs []error
	if strings.TrimSpace(o.Title) == "" {
		errs = append(errs, fmt.Errorf("%w: title is required", ErrInvalidOptions))
	}
	if strings.TrimSpace(o.SourceURL) == "" {
		errs = append(errs, fmt.Errorf("%w: source url is required", ErrInvalidOptions))
	}
	if err := o.Chunking.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := o.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
