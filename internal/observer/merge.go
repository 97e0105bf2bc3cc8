package observer

import (
	"sort"
	"strings"

	"github.com/hculap/openclaw-omg/internal/config"
	"github.com/hculap/openclaw-omg/internal/fingerprint"
	"github.com/hculap/openclaw-omg/internal/graph"
)

// MergeAction is the outcome of the merge decision for one candidate.
type MergeAction string

const (
	MergeWriteNew MergeAction = "write-new"
	MergeAppend   MergeAction = "append"
	MergeNoop     MergeAction = "noop"
	MergeAlias    MergeAction = "alias"
)

// MergeDecision says what to do with a candidate and against which
// neighbour.
type MergeDecision struct {
	Action     MergeAction
	NeighborID string
}

// DecideMerge looks up the candidate's content-addressed neighbourhood in
// the registry and picks the cheapest safe outcome:
//   - no neighbour → write as new;
//   - exact canonical-key neighbour whose body already subsumes the
//     candidate → no-op;
//   - exact neighbour with new content → append;
//   - similar-but-not-equal key above the merge threshold → alias onto the
//     neighbour.
func DecideMerge(c Candidate, reg *graph.Registry, store *graph.Store, mcfg config.MergeConfig) (MergeDecision, error) {
	if _, ok, err := reg.Get(c.ID); err != nil {
		return MergeDecision{}, err
	} else if ok {
		n, err := store.NodeByID(c.ID)
		if err != nil {
			return MergeDecision{}, err
		}
		if n != nil && subsumes(n.Body, c.Body) {
			return MergeDecision{Action: MergeNoop, NeighborID: c.ID}, nil
		}
		return MergeDecision{Action: MergeAppend, NeighborID: c.ID}, nil
	}

	// Alias resolution: the candidate key may already be an alias of a
	// survivor from an earlier merge.
	entries, err := reg.List()
	if err != nil {
		return MergeDecision{}, err
	}
	for _, re := range entries {
		for _, alias := range re.Entry.Aliases {
			if alias == c.CanonicalKey {
				return MergeDecision{Action: MergeNoop, NeighborID: re.ID}, nil
			}
		}
	}

	// Similarity scan over same-type, same-domain entries: shortlist the
	// localTopM nearest keys, score them, and decide over the finalTopK.
	type scored struct {
		id       string
		affinity float64
		score    float64
	}
	var shortlist []scored
	for _, re := range entries {
		e := re.Entry
		if e.Archived || e.Type != c.Type || e.CanonicalKey == "" {
			continue
		}
		aff := keyAffinity(c.CanonicalKey, e.CanonicalKey)
		if aff == 0 {
			continue
		}
		local := fingerprint.TokenJaccard(c.Description, e.Description)
		sem := clamp01(e.SearchScore)
		// Without a host search score the local signal carries full weight;
		// the key-affinity gate above keeps unrelated domains from aliasing.
		score := local
		if sem > 0 {
			score = mcfg.LocalWeight*local + mcfg.SemanticWeight*sem
		}
		shortlist = append(shortlist, scored{id: re.ID, affinity: aff, score: score})
	}

	sort.SliceStable(shortlist, func(i, j int) bool { return shortlist[i].affinity > shortlist[j].affinity })
	if m := mcfg.LocalTopM; m > 0 && len(shortlist) > m {
		shortlist = shortlist[:m]
	}
	sort.SliceStable(shortlist, func(i, j int) bool { return shortlist[i].score > shortlist[j].score })
	if k := mcfg.FinalTopK; k > 0 && len(shortlist) > k {
		shortlist = shortlist[:k]
	}

	if len(shortlist) > 0 && shortlist[0].score >= mcfg.MergeThreshold {
		return MergeDecision{Action: MergeAlias, NeighborID: shortlist[0].id}, nil
	}

	return MergeDecision{Action: MergeWriteNew}, nil
}

// subsumes reports whether existing already contains candidate's content,
// compared on normalised text.
func subsumes(existing, candidate string) bool {
	c := normalizeText(candidate)
	if c == "" {
		return true
	}
	return strings.Contains(normalizeText(existing), c)
}

func normalizeText(s string) string {
	return strings.Join(fingerprint.Tokenize(s), " ")
}
