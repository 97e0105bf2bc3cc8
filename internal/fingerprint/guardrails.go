package fingerprint

// Config are the extraction guardrail knobs.
type Config struct {
	Enabled                       bool    `json:"enabled"`
	SkipOverlapThreshold          float64 `json:"skipOverlapThreshold"`
	TruncateOverlapThreshold      float64 `json:"truncateOverlapThreshold"`
	CandidateSuppressionThreshold float64 `json:"candidateSuppressionThreshold"`
	RecentWindowSize              int     `json:"recentWindowSize"`
}

// Decision is the guardrail verdict for one message window.
type Decision string

const (
	Proceed  Decision = "proceed"
	Skip     Decision = "skip"
	Truncate Decision = "truncate"
)

// OverlapCheck is the result of comparing a window against recent history.
type OverlapCheck struct {
	Decision    Decision
	Overlap     float64
	Fingerprint Fingerprint
}

// CheckSourceOverlap fingerprints messages and scores them against recent
// fingerprints. Overlap at or above the skip threshold drops the turn; at or
// above the truncate threshold the caller removes the overlapping region.
func CheckSourceOverlap(messages []string, recent []Fingerprint, cfg Config) OverlapCheck {
	fp := New(messages)

	if !cfg.Enabled || len(recent) == 0 {
		return OverlapCheck{Decision: Proceed, Overlap: 0, Fingerprint: fp}
	}

	maxOverlap := 0.0
	for _, prev := range recent {
		if o := Overlap(fp.ShingleHashes, prev.ShingleHashes); o > maxOverlap {
			maxOverlap = o
		}
	}

	switch {
	case maxOverlap >= cfg.SkipOverlapThreshold:
		return OverlapCheck{Decision: Skip, Overlap: maxOverlap, Fingerprint: fp}
	case maxOverlap >= cfg.TruncateOverlapThreshold:
		return OverlapCheck{Decision: Truncate, Overlap: maxOverlap, Fingerprint: fp}
	}
	return OverlapCheck{Decision: Proceed, Overlap: maxOverlap, Fingerprint: fp}
}
