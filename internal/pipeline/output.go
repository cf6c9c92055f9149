package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ontoledger/internal/cid"
	"github.com/fyrsmithlabs/ontoledger/internal/ledger"
	"github.com/fyrsmithlabs/ontoledger/internal/registry"
	"github.com/fyrsmithlabs/ontoledger/internal/signature"
)

// Verification is the provenance check recorded in the run summary.
type Verification struct {
	OK      bool     `json:"ok"`
	Checked int      `json:"checked"`
	Roots   int      `json:"roots"`
	Issues  []string `json:"issues,omitempty"`
}

// NewVerification converts a signature report.
func NewVerification(report signature.Report) *Verification {
	v := &Verification{OK: report.OK(), Checked: report.Checked, Roots: report.Roots}
	for _, issue := range report.Issues {
		v.Issues = append(v.Issues, issue.String())
	}
	return v
}

// LoadChain loads every stage ledger in store and returns all signatures in
// derivation order. Stages unknown to the pipeline follow in name order.
// Units edited by hand contribute a second record for their current content,
// derived from the generated one, so that downstream units regenerated from
// the edit still verify.
func LoadChain(ctx context.Context, store ledger.Store) ([]signature.Signature, error) {
	stages, err := store.Stages(ctx)
	if err != nil {
		return nil, err
	}
	ordered := slices.Clone(Stages)
	for _, s := range stages {
		if !slices.Contains(ordered, s) {
			ordered = append(ordered, s)
		}
	}

	var chain []signature.Signature
	for _, stage := range ordered {
		doc, err := store.Load(ctx, stage)
		if err != nil {
			return nil, fmt.Errorf("loading %s ledger: %w", stage, err)
		}
		chain = append(chain, doc.AllSignatures()...)
		for _, e := range doc.Drift() {
			chain = append(chain, signature.Edited(*e.Signature, e.Content))
		}
	}
	return chain, nil
}

// Graph renders the triples ledger as one Turtle document.
func Graph(doc *ledger.Document, base string) (turtle string, triples int) {
	var b strings.Builder
	b.WriteString(RDFPrefixes(base))
	for _, e := range doc.Entries {
		if e.Marker || e.Signature == nil {
			continue
		}
		b.WriteByte('\n')
		b.WriteString(strings.TrimRight(e.Content, "\n"))
		b.WriteByte('\n')
		for _, line := range strings.Split(e.Content, "\n") {
			if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
				triples++
			}
		}
	}
	return b.String(), triples
}

// Digest combines the identifiers of every output unit into one CID, so two
// runs produced the same graph exactly when their digests match.
func Digest(doc *ledger.Document) (string, error) {
	var ids []cid.CID
	for _, s := range doc.AllSignatures() {
		id, err := s.CID()
		if err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", nil
	}
	return cid.Combine(ids...).URI(), nil
}

// Export writes the run outputs into dir: the knowledge graph, the provenance
// chain, the entity registry, the metrics textfile and the run summary. It
// completes res with the verification report and output digest.
func (r *Runner) Export(ctx context.Context, dir string, res *Result) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	chain, err := LoadChain(ctx, r.deps.Store)
	if err != nil {
		return err
	}
	res.Verification = NewVerification(signature.Verify(chain))
	if !res.Verification.OK {
		r.logger.Warn(ctx, "provenance chain has dangling derivations",
			zap.Strings("issues", res.Verification.Issues))
	}

	triplesDoc, err := r.deps.Store.Load(ctx, StageTriples)
	if err != nil {
		return fmt.Errorf("loading %s ledger: %w", StageTriples, err)
	}
	graph, count := Graph(triplesDoc, r.opts.SourceURL)
	res.Triples = count
	if res.Digest, err = Digest(triplesDoc); err != nil {
		return fmt.Errorf("computing digest: %w", err)
	}

	files := map[string]string{
		Slug(r.opts.Title) + ".ttl": graph,
		ProvenanceFile:              signature.Turtle(chain),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	if err := r.deps.Registry.SaveTo(filepath.Join(dir, registry.FileName)); err != nil {
		return err
	}
	if err := r.metrics.WriteTextfile(filepath.Join(dir, MetricsFile)); err != nil {
		return err
	}
	if err := WriteSummary(filepath.Join(dir, SummaryFile), res); err != nil {
		return err
	}

	r.logger.Info(ctx, "outputs written",
		zap.String("dir", dir),
		zap.Int("triples", res.Triples),
		zap.String("digest", res.Digest),
	)
	return nil
}

// WriteSummary writes res as indented JSON.
func WriteSummary(path string, res *Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write run summary: %w", err)
	}
	return nil
}
