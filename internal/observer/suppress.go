package observer

import (
	"strings"

	"github.com/hculap/openclaw-omg/internal/fingerprint"
	"github.com/hculap/openclaw-omg/internal/graph"
)

// Suppression score weights: canonical-key affinity dominates, description
// similarity refines, host-provided search score (when present) nudges.
// They form a convex combination.
const (
	suppressKeyWeight    = 0.5
	suppressDescWeight   = 0.35
	suppressSearchWeight = 0.15
)

// SuppressResult partitions candidates into survivors and suppressed.
type SuppressResult struct {
	Survivors  []Candidate
	Suppressed []Candidate
}

// SuppressDuplicates scores each candidate against the nodes written in
// recent turns and suppresses those that look like re-extractions. A
// disabled config lets everything survive.
func SuppressDuplicates(cands []Candidate, recentIDs []string, reg *graph.Registry, cfg fingerprint.Config) (SuppressResult, error) {
	res := SuppressResult{}
	if !cfg.Enabled || cfg.CandidateSuppressionThreshold <= 0 || len(recentIDs) == 0 {
		res.Survivors = cands
		return res, nil
	}

	recent := make([]graph.Entry, 0, len(recentIDs))
	for _, id := range recentIDs {
		if e, ok, err := reg.Get(id); err != nil {
			return res, err
		} else if ok {
			recent = append(recent, e)
		}
	}
	if len(recent) == 0 {
		res.Survivors = cands
		return res, nil
	}

	for _, c := range cands {
		best := 0.0
		for _, e := range recent {
			if s := suppressionScore(c, e); s > best {
				best = s
			}
		}
		if best >= cfg.CandidateSuppressionThreshold {
			res.Suppressed = append(res.Suppressed, c)
		} else {
			res.Survivors = append(res.Survivors, c)
		}
	}
	return res, nil
}

func suppressionScore(c Candidate, e graph.Entry) float64 {
	key := suppressKeyWeight * keyAffinity(c.CanonicalKey, e.CanonicalKey)
	desc := suppressDescWeight * fingerprint.TokenJaccard(c.Description, e.Description)
	search := suppressSearchWeight * clamp01(e.SearchScore)
	return key + desc + search
}

// keyAffinity is 1 for identical keys, otherwise the fraction of leading
// dotted segments the two keys share.
func keyAffinity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	sa := strings.Split(a, ".")
	sb := strings.Split(b, ".")
	max := len(sa)
	if len(sb) > max {
		max = len(sb)
	}
	shared := 0
	for i := 0; i < len(sa) && i < len(sb); i++ {
		if sa[i] != sb[i] {
			break
		}
		shared++
	}
	return float64(shared) / float64(max)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
