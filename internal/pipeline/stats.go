package pipeline

import (
	"math"

	"github.com/fyrsmithlabs/ontoledger/internal/incremental"
)

// StageStats counts unit outcomes of one stage.
type StageStats struct {
	Fresh       int `json:"fresh"`
	Stale       int `json:"stale"`
	Missing     int `json:"missing"`
	Generated   int `json:"generated"`
	Regenerated int `json:"regenerated"`
	Failed      int `json:"failed"`
	Outputs     int `json:"outputs"`
	Pruned      int `json:"pruned,omitempty"`
}

// Record adds the outcome of one unit.
func (s *StageStats) Record(o incremental.Outcome) {
	switch o.Decision {
	case incremental.Fresh:
		s.Fresh++
	case incremental.Stale:
		s.Stale++
	case incremental.Missing:
		s.Missing++
	}
	if o.Err != nil {
		s.Failed++
		return
	}
	if o.Skipped() {
		return
	}
	s.Generated++
	if o.Final == incremental.Regenerated {
		s.Regenerated++
	}
	s.Outputs += o.Outputs
}

// Bucket is one bar of the iteration distribution.
type Bucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// IterationStats summarises agent iterations over a run.
type IterationStats struct {
	Runs     int      `json:"runs"`
	Min      int      `json:"min"`
	Max      int      `json:"max"`
	Mean     float64  `json:"mean"`
	HitLimit int      `json:"hit_limit"`
	Buckets  []Bucket `json:"buckets"`

	total int
}

var bucketBounds = []struct {
	label string
	upper int
}{
	{"1-5", 5},
	{"6-10", 10},
	{"11-20", 20},
	{"21-50", 50},
	{"51-100", 100},
	{"100+", math.MaxInt},
}

// NewIterationStats returns empty statistics with all buckets present.
func NewIterationStats() *IterationStats {
	s := &IterationStats{Buckets: make([]Bucket, len(bucketBounds))}
	for i, b := range bucketBounds {
		s.Buckets[i].Label = b.label
	}
	return s
}

// Add records one agent run.
func (s *IterationStats) Add(iterations int, hitLimit bool) {
	if s.Runs == 0 || iterations < s.Min {
		s.Min = iterations
	}
	if iterations > s.Max {
		s.Max = iterations
	}
	s.Runs++
	s.total += iterations
	s.Mean = math.Round(float64(s.total)/float64(s.Runs)*10) / 10
	if hitLimit {
		s.HitLimit++
	}
	for i, b := range bucketBounds {
		if iterations <= b.upper {
			s.Buckets[i].Count++
			break
		}
	}
}
