package observer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hculap/openclaw-omg/internal/config"
	"github.com/hculap/openclaw-omg/internal/fingerprint"
	"github.com/hculap/openclaw-omg/internal/graph"
	"github.com/hculap/openclaw-omg/internal/metrics"
	"github.com/hculap/openclaw-omg/internal/providers"
	"github.com/hculap/openclaw-omg/internal/session"
)

// Pipeline wires the observation pass. All collaborators are injected.
type Pipeline struct {
	Store    *graph.Store
	Sessions *session.Manager
	Gen      providers.Generator
	Cfg      *config.Config
	Metrics  metrics.Sink
}

// Result summarises one observation pass.
type Result struct {
	Skipped       bool
	Overlap       float64
	WrittenIDs    []string
	Appended      int
	Aliased       int
	Suppressed    int
	Dropped       int
	NowUpdated    bool
	Usage         providers.Usage
	ReflectionDue bool
}

// Observe runs the full pipeline for one session turn: guardrails → LLM →
// tolerant parse → suppression → merge decisions → writes → state update.
// The session state is persisted on every exit path; an LLM or IO failure
// leaves the observation boundary untouched so the next turn retries the
// same messages.
func (p *Pipeline) Observe(ctx context.Context, sessionKey string, messages []string) (*Result, error) {
	res := &Result{}
	sink := p.sink()

	err := p.Sessions.WithState(sessionKey, func(st *session.State) error {
		boundary := st.ObservationBoundaryMessageIndex
		if boundary > len(messages) {
			boundary = len(messages)
		}
		fresh := messages[boundary:]
		if len(fresh) == 0 {
			res.Skipped = true
			return nil
		}

		check := fingerprint.CheckSourceOverlap(fresh, st.RecentFingerprints, p.Cfg.Guardrails)
		res.Overlap = check.Overlap

		switch check.Decision {
		case fingerprint.Skip:
			// The messages are intentionally dropped: advance the boundary
			// so they are never retried, and remember the fingerprint.
			slog.Info("observer: skipping near-duplicate turn", "session", sessionKey, "overlap", check.Overlap)
			st.ObservationBoundaryMessageIndex = len(messages)
			st.PendingMessageTokens = 0
			st.RecentFingerprints = fingerprint.UpdateRecent(st.RecentFingerprints, check.Fingerprint, p.Cfg.Guardrails.RecentWindowSize)
			res.Skipped = true
			sink.Emit("observation.skipped", map[string]any{"session": sessionKey, "overlap": check.Overlap})
			return nil
		case fingerprint.Truncate:
			fresh = truncateOverlapping(fresh, st.RecentFingerprints, p.Cfg.Guardrails)
			if len(fresh) == 0 {
				st.ObservationBoundaryMessageIndex = len(messages)
				st.PendingMessageTokens = 0
				res.Skipped = true
				return nil
			}
		}

		nowBody := ""
		if nowNode, err := p.Store.NodeByID(graph.NowNodeID); err == nil && nowNode != nil {
			nowBody = nowNode.Body
		}

		system, user := BuildPrompt(fresh, nowBody)
		gen, err := p.Gen.Generate(ctx, system, user, p.Cfg.Observation.MaxTokens)
		if err != nil {
			// Boundary and pending stay put; the turn retries next time.
			sink.Emit("observation.llm_error", map[string]any{"session": sessionKey, "error": err.Error()})
			return fmt.Errorf("observation llm call: %w", err)
		}
		res.Usage = gen.Usage

		parsed := ParseResponse(gen.Content)
		res.Dropped = len(parsed.Diagnostics)
		for _, d := range parsed.Diagnostics {
			slog.Warn("observer: dropped record", "session", sessionKey, "reason", d)
		}

		sup, err := SuppressDuplicates(parsed.Operations, st.LastObservationNodeIds, p.Store.Registry(), p.Cfg.Guardrails)
		if err != nil {
			return err
		}
		res.Suppressed = len(sup.Suppressed)

		written, appended, aliased := p.applyCandidates(sessionKey, sup.Survivors)
		res.WrittenIDs = written
		res.Appended = appended
		res.Aliased = aliased

		if parsed.HasNow {
			if _, err := p.Store.WriteNow(parsed.NowUpdate, written); err != nil {
				slog.Warn("observer: now write failed", "error", err)
			} else {
				res.NowUpdated = true
			}
		}

		p.touchMocs(sup.Survivors, parsed.MocUpdates)

		if _, err := p.Store.WriteIndex(); err != nil {
			slog.Warn("observer: index write failed", "error", err)
		}

		// State transition: the turn is consumed.
		st.ObservationBoundaryMessageIndex = len(messages)
		st.PendingMessageTokens = 0
		st.LastObservedAtMs = time.Now().UnixMilli()
		st.TotalObservationTokens += gen.Usage.Total()
		st.RecentFingerprints = fingerprint.UpdateRecent(st.RecentFingerprints, check.Fingerprint, p.Cfg.Guardrails.RecentWindowSize)
		if len(written) > 0 {
			st.LastObservationNodeIds = session.TrimRecentNodeIDs(written)
		}
		if count, err := p.Store.Registry().NodeCount(); err == nil {
			st.NodeCount = count
		}

		res.ReflectionDue = session.ShouldReflect(st, p.Cfg.Reflection.ObservationTokenThreshold)

		sink.Emit("observation.completed", map[string]any{
			"session":    sessionKey,
			"written":    len(written),
			"appended":   appended,
			"aliased":    aliased,
			"suppressed": res.Suppressed,
			"dropped":    res.Dropped,
			"tokens":     gen.Usage.Total(),
		})
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// applyCandidates runs the merge decision and write for each surviving
// candidate. Failures are logged per candidate; one bad write does not
// cancel the rest.
func (p *Pipeline) applyCandidates(sessionKey string, cands []Candidate) (written []string, appended, aliased int) {
	for _, c := range cands {
		switch c.Action {
		case ActionUpdate:
			if err := p.Store.AppendToExisting(c.TargetID, c.Body); err != nil {
				slog.Warn("observer: update failed", "target", c.TargetID, "error", err)
				continue
			}
			appended++
			written = append(written, c.TargetID)
			continue
		case ActionSupersede:
			n, err := p.writeCandidate(sessionKey, c, []string{c.TargetID})
			if err != nil {
				slog.Warn("observer: supersede write failed", "id", c.ID, "error", err)
				continue
			}
			written = append(written, n.ID)
			continue
		}

		decision, err := DecideMerge(c, p.Store.Registry(), p.Store, p.Cfg.Merge)
		if err != nil {
			slog.Warn("observer: merge decision failed", "id", c.ID, "error", err)
			continue
		}
		switch decision.Action {
		case MergeNoop:
			// Already subsumed.
		case MergeAppend:
			if err := p.Store.AppendToExisting(decision.NeighborID, c.Body); err != nil {
				slog.Warn("observer: append failed", "target", decision.NeighborID, "error", err)
				continue
			}
			appended++
			written = append(written, decision.NeighborID)
		case MergeAlias:
			if err := p.Store.AddAlias(decision.NeighborID, c.CanonicalKey); err != nil {
				slog.Warn("observer: alias failed", "target", decision.NeighborID, "error", err)
				continue
			}
			aliased++
			written = append(written, decision.NeighborID)
		default:
			n, err := p.writeCandidate(sessionKey, c, nil)
			if err != nil {
				slog.Warn("observer: write failed", "id", c.ID, "error", err)
				continue
			}
			written = append(written, n.ID)
		}
	}
	return written, appended, aliased
}

func (p *Pipeline) writeCandidate(sessionKey string, c Candidate, supersedes []string) (*graph.Node, error) {
	sources := []graph.Source{{
		SessionKey: sessionKey,
		Kind:       "observation",
		Timestamp:  time.Now().UnixMilli(),
	}}
	if c.Action == ActionCreate && !graph.ValidCanonicalKey(c.CanonicalKey) {
		// Legacy create without a usable canonical key: date-based path.
		return p.Store.WriteLegacy(graph.LegacyOp{
			Type:        c.Type,
			Title:       c.Title,
			Description: c.Description,
			Priority:    c.Priority,
			Body:        c.Body,
			Links:       c.Links,
			Tags:        c.Tags,
			Sources:     sources,
			Supersedes:  supersedes,
		})
	}
	return p.Store.WriteObservationUpsert(graph.UpsertOp{
		Type:         c.Type,
		CanonicalKey: c.CanonicalKey,
		Description:  c.Description,
		Priority:     c.Priority,
		Body:         c.Body,
		Links:        c.Links,
		Tags:         c.Tags,
		Sources:      sources,
		Supersedes:   supersedes,
	})
}

// touchMocs applies the model's explicit MOC updates, each candidate's
// moc-hints, and every [[omg/moc-<D>]] wikilink a written node carries.
// Links are authoritative for membership; tags never create it.
func (p *Pipeline) touchMocs(cands []Candidate, explicit []graph.MocUpdate) {
	apply := func(u graph.MocUpdate) {
		if err := p.Store.ApplyMocUpdate(u); err != nil {
			slog.Warn("observer: moc update failed", "domain", u.Domain, "node", u.NodeID, "error", err)
		}
	}

	for _, u := range explicit {
		apply(u)
	}

	for _, c := range cands {
		for _, hint := range c.MocHints {
			apply(graph.MocUpdate{Domain: hint, NodeID: c.ID, Action: graph.MocAdd})
		}
		for _, link := range c.Links {
			if domain := graph.MocDomainFromLink(link); domain != "" {
				apply(graph.MocUpdate{Domain: domain, NodeID: c.ID, Action: graph.MocAdd})
			}
		}
	}
}

// truncateOverlapping drops the messages whose individual fingerprints
// still overlap recent history at or above the truncate threshold, keeping the
// genuinely new remainder.
func truncateOverlapping(msgs []string, recent []fingerprint.Fingerprint, cfg fingerprint.Config) []string {
	var kept []string
	for _, m := range msgs {
		fp := fingerprint.New([]string{m})
		maxOverlap := 0.0
		for _, prev := range recent {
			if o := fingerprint.Overlap(fp.ShingleHashes, prev.ShingleHashes); o > maxOverlap {
				maxOverlap = o
			}
		}
		if maxOverlap < cfg.TruncateOverlapThreshold {
			kept = append(kept, m)
		}
	}
	return kept
}

func (p *Pipeline) sink() metrics.Sink {
	if p.Metrics != nil {
		return p.Metrics
	}
	return metrics.NopSink{}
}
