package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hculap/openclaw-omg/internal/config"
	"github.com/hculap/openclaw-omg/internal/metrics"
	"github.com/hculap/openclaw-omg/internal/providers"
)

// Retry policy for rate-limited batches. The backoff table is tabulated so
// tests can substitute a zero-delay version.
var DefaultBackoffTable = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

const (
	// MaxRetryAttempts is how often one batch retries after a rate limit.
	MaxRetryAttempts = 3
	// MaxConsecutiveRateLimits aborts the whole tick once this many batches
	// in a row exhausted their retries on rate limits.
	MaxConsecutiveRateLimits = 3
)

// ObserveOutcome is what the executor needs to know about one observation
// call over a batch of historical text.
type ObserveOutcome struct {
	NodesWritten int
	Dropped      int
	Skipped      bool
}

// ObserveFunc runs the observation pipeline over synthetic messages. The
// core wires observer.Pipeline.Observe here.
type ObserveFunc func(ctx context.Context, sessionKey string, messages []string) (ObserveOutcome, error)

// Executor runs the bootstrap job over one graph root.
type Executor struct {
	GraphRoot string
	Workspace string
	Cfg       *config.Config
	Observe   ObserveFunc
	Metrics   metrics.Sink

	// Backoff overrides DefaultBackoffTable when set. Sleep is swapped in
	// tests.
	Backoff []time.Duration
	Sleep   func(ctx context.Context, d time.Duration) error

	limiter *rate.Limiter
}

// TickResult is the outcome of one bounded bootstrap tick.
type TickResult struct {
	Ran              bool
	BatchesProcessed int
	ChunksSucceeded  int
	NodesWritten     int
	MoreWorkRemains  bool
	Completed        bool
}

// TickOptions tune one tick invocation.
type TickOptions struct {
	// Force re-runs a completed bootstrap from a fresh state, so every
	// batch runs again.
	Force bool
	// BatchBudget caps batches this tick; 0 uses the configured budget.
	BatchBudget int
}

// RunTick executes one budget-bounded slice of the bootstrap: acquire the
// lock, rebuild the deterministic batch list, run the not-yet-done batches
// up to the budget, and persist state after every attempt.
func (e *Executor) RunTick(ctx context.Context, opts TickOptions) (*TickResult, error) {
	res := &TickResult{}

	lock, err := AcquireLock(e.GraphRoot)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			slog.Info("bootstrap: another process is active, yielding")
			return res, nil
		}
		return res, err
	}
	defer lock.Release(e.GraphRoot)

	st, err := LoadState(e.GraphRoot)
	if err != nil {
		return res, err
	}
	if st != nil && st.Status == StatusCompleted && !opts.Force {
		return res, nil
	}

	chunks, err := EnumerateSources(e.Cfg.Bootstrap, e.Workspace)
	if err != nil {
		return res, err
	}
	batches := PackBatches(chunks, e.Cfg.Bootstrap.BatchCharBudget)

	if st == nil || st.Status == StatusCompleted {
		st = NewState(len(batches))
	} else {
		// Re-enumeration must agree with the persisted plan; a changed
		// corpus restarts the job rather than mislabelling batches.
		if st.Total != len(batches) {
			slog.Warn("bootstrap: source corpus changed, restarting plan",
				"was", st.Total, "now", len(batches))
			st = NewState(len(batches))
		}
		st.Status = StatusRunning
	}

	if len(batches) == 0 {
		st.Status = StatusCompleted
		if err := SaveState(e.GraphRoot, st); err != nil {
			return res, err
		}
		res.Ran = true
		res.Completed = true
		return res, nil
	}

	budget := opts.BatchBudget
	if budget <= 0 {
		budget = e.Cfg.Bootstrap.BatchBudgetPerRun
	}
	if budget <= 0 {
		budget = len(batches)
	}

	res.Ran = true
	consecutiveRateLimits := 0

	for _, batch := range batches {
		if st.IsDone(batch.Index) {
			continue
		}
		if res.BatchesProcessed >= budget {
			break
		}
		if err := ctx.Err(); err != nil {
			break
		}

		outcome, batchErr := e.runBatch(ctx, batch)
		res.BatchesProcessed++

		if batchErr != nil {
			if providers.IsRateLimit(batchErr) {
				consecutiveRateLimits++
				e.logFailure(batch, ErrTypeRateLimitAborted, batchErr, nil)
				if consecutiveRateLimits >= MaxConsecutiveRateLimits {
					st.Status = StatusFailed
					st.LastError = "Rate limit: " + batchErr.Error()
					e.refreshFailCount(st)
					if err := SaveState(e.GraphRoot, st); err != nil {
						slog.Warn("bootstrap: state save failed", "error", err)
					}
					slog.Error("bootstrap: aborting tick on consecutive rate limits",
						"consecutive", consecutiveRateLimits)
					e.finishTick(st, batches, res)
					return res, nil
				}
			} else {
				consecutiveRateLimits = 0
				e.logFailure(batch, ErrTypeLLM, batchErr, nil)
			}
			st.LastError = batchErr.Error()
		} else {
			consecutiveRateLimits = 0
			st.MarkDone(batch.Index)
			res.ChunksSucceeded += len(batch.Chunks)
			res.NodesWritten += outcome.NodesWritten

			// Zero-yield batches are still ok; the failure log records them
			// for diagnostics only.
			if outcome.NodesWritten == 0 && !outcome.Skipped {
				errType := ErrTypeZeroOperations
				if outcome.Dropped > 0 {
					errType = ErrTypeParseEmpty
				}
				e.logFailure(batch, errType, nil, nil)
			}
		}

		// Persist after every attempt, success or not.
		st.OK = st.DoneCount()
		e.refreshFailCount(st)
		if err := SaveState(e.GraphRoot, st); err != nil {
			slog.Warn("bootstrap: state save failed", "error", err)
		}
		if err := lock.Heartbeat(e.GraphRoot); err != nil {
			slog.Warn("bootstrap: heartbeat failed", "error", err)
		}
	}

	e.finishTick(st, batches, res)
	return res, nil
}

// finishTick settles the end-of-tick status and persists it.
func (e *Executor) finishTick(st *State, batches []Batch, res *TickResult) {
	st.OK = st.DoneCount()
	e.refreshFailCount(st)

	remaining := 0
	for _, b := range batches {
		if !st.IsDone(b.Index) {
			remaining++
		}
	}
	res.MoreWorkRemains = remaining > 0

	if st.Status != StatusFailed {
		switch {
		case st.OK+st.Fail >= st.Total && st.OK > 0:
			st.Status = StatusCompleted
			res.Completed = true
		default:
			st.Status = StatusPaused
		}
	}
	if err := SaveState(e.GraphRoot, st); err != nil {
		slog.Warn("bootstrap: state save failed", "error", err)
	}

	e.sink().Emit("bootstrap.tick", map[string]any{
		"processed": res.BatchesProcessed,
		"ok":        st.OK,
		"fail":      st.Fail,
		"total":     st.Total,
		"status":    string(st.Status),
	})
}

// runBatch runs one batch through observation, retrying rate limits against
// the backoff table.
func (e *Executor) runBatch(ctx context.Context, batch Batch) (ObserveOutcome, error) {
	messages := make([]string, 0, len(batch.Chunks))
	for _, c := range batch.Chunks {
		messages = append(messages, fmt.Sprintf("[%s]\n%s", c.Label, c.Text))
	}
	sessionKey := "bootstrap:batch:" + strconv.Itoa(batch.Index)

	backoff := e.Backoff
	if len(backoff) == 0 {
		backoff = DefaultBackoffTable
	}
	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt <= MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			d := backoff[min(attempt-1, len(backoff)-1)]
			slog.Info("bootstrap: backing off after rate limit",
				"batch", batch.Index, "attempt", attempt, "delay", d)
			if err := sleep(ctx, d); err != nil {
				return ObserveOutcome{}, err
			}
		}
		if err := e.waitLimiter(ctx); err != nil {
			return ObserveOutcome{}, err
		}

		outcome, err := e.Observe(ctx, sessionKey, messages)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if !providers.IsRateLimit(err) {
			return ObserveOutcome{}, err
		}
	}
	return ObserveOutcome{}, lastErr
}

// refreshFailCount recomputes the distinct failed batch indices that have
// not since succeeded.
func (e *Executor) refreshFailCount(st *State) {
	entries, err := ReadFailures(e.GraphRoot)
	if err != nil {
		slog.Warn("bootstrap: failure log unreadable", "error", err)
		return
	}
	failed := map[int]bool{}
	for _, fe := range entries {
		if fe.ErrorType != ErrTypeLLM && fe.ErrorType != ErrTypeRateLimitAborted {
			continue
		}
		if !st.IsDone(fe.BatchIndex) {
			failed[fe.BatchIndex] = true
		}
	}
	st.Fail = len(failed)
}

func (e *Executor) logFailure(batch Batch, errType string, cause error, diagnostics []string) {
	entry := FailureLogEntry{
		BatchIndex:  batch.Index,
		Labels:      batch.Labels(),
		ErrorType:   errType,
		Diagnostics: diagnostics,
		ChunkCount:  len(batch.Chunks),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := AppendFailure(e.GraphRoot, entry); err != nil {
		slog.Warn("bootstrap: failure log append failed", "error", err)
	}
}

func (e *Executor) waitLimiter(ctx context.Context) error {
	rpm := e.Cfg.Bootstrap.RequestsPerMinute
	if rpm <= 0 {
		return nil
	}
	if e.limiter == nil {
		e.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
	}
	return e.limiter.Wait(ctx)
}

func (e *Executor) sink() metrics.Sink {
	if e.Metrics != nil {
		return e.Metrics
	}
	return metrics.NopSink{}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunAll drives ticks until the bootstrap completes or fails.
func (e *Executor) RunAll(ctx context.Context) (*TickResult, error) {
	var last *TickResult
	for {
		res, err := e.RunTick(ctx, TickOptions{BatchBudget: 1 << 30})
		if err != nil {
			return res, err
		}
		last = res
		if !res.Ran || res.Completed || !res.MoreWorkRemains {
			return last, nil
		}
		st, err := LoadState(e.GraphRoot)
		if err != nil {
			return last, err
		}
		if st != nil && st.Status == StatusFailed {
			return last, nil
		}
	}
}

// RetryOptions select which failed batches to re-run.
type RetryOptions struct {
	// ErrorTypeFilter keeps only entries of one errorType; empty keeps all.
	ErrorTypeFilter string
	// BatchIndices restricts the retry to explicit indices; empty keeps all.
	BatchIndices []int

	// TimeoutMs with ClientFactory rebuilds the LLM client with a request
	// timeout. Supplying one without the other warns and uses the default
	// observe path.
	TimeoutMs     int
	ClientFactory func(timeout time.Duration) ObserveFunc
}

// RetryResult summarises one retry run.
type RetryResult struct {
	Matched   int
	Succeeded int
	Failed    int
}

// RunRetry re-runs exactly the failed batches selected by opts through the
// observation pipeline, preserving failure-log entries for batches not
// retried.
func (e *Executor) RunRetry(ctx context.Context, opts RetryOptions) (*RetryResult, error) {
	res := &RetryResult{}

	lock, err := AcquireLock(e.GraphRoot)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			return res, nil
		}
		return res, err
	}
	defer lock.Release(e.GraphRoot)

	entries, err := ReadFailures(e.GraphRoot)
	if err != nil {
		return res, err
	}
	if len(entries) == 0 {
		return res, nil
	}

	observe := e.Observe
	switch {
	case opts.TimeoutMs > 0 && opts.ClientFactory != nil:
		observe = opts.ClientFactory(time.Duration(opts.TimeoutMs) * time.Millisecond)
	case opts.TimeoutMs > 0 || opts.ClientFactory != nil:
		slog.Warn("bootstrap: timeoutMs and client factory must be supplied together, using default client")
	}

	wanted := map[int]bool{}
	for _, i := range opts.BatchIndices {
		wanted[i] = true
	}
	matches := func(fe FailureLogEntry) bool {
		if opts.ErrorTypeFilter != "" && fe.ErrorType != opts.ErrorTypeFilter {
			return false
		}
		if len(wanted) > 0 && !wanted[fe.BatchIndex] {
			return false
		}
		return true
	}

	chunks, err := EnumerateSources(e.Cfg.Bootstrap, e.Workspace)
	if err != nil {
		return res, err
	}
	batches := PackBatches(chunks, e.Cfg.Bootstrap.BatchCharBudget)
	byIndex := map[int]Batch{}
	for _, b := range batches {
		byIndex[b.Index] = b
	}

	st, err := LoadState(e.GraphRoot)
	if err != nil {
		return res, err
	}
	if st == nil {
		st = NewState(len(batches))
	}

	var kept []FailureLogEntry
	retried := map[int]bool{}
	for _, fe := range entries {
		if !matches(fe) || retried[fe.BatchIndex] {
			if !matches(fe) {
				kept = append(kept, fe)
			}
			continue
		}
		retried[fe.BatchIndex] = true
		res.Matched++

		batch, ok := byIndex[fe.BatchIndex]
		if !ok {
			slog.Warn("bootstrap: retry index no longer in plan", "batch", fe.BatchIndex)
			kept = append(kept, fe)
			continue
		}

		saved := e.Observe
		e.Observe = observe
		_, batchErr := e.runBatch(ctx, batch)
		e.Observe = saved

		if batchErr != nil {
			res.Failed++
			newEntry := FailureLogEntry{
				BatchIndex: batch.Index,
				Labels:     batch.Labels(),
				ErrorType:  ErrTypeLLM,
				Error:      batchErr.Error(),
				ChunkCount: len(batch.Chunks),
				Timestamp:  time.Now().UTC().Format(time.RFC3339),
			}
			if providers.IsRateLimit(batchErr) {
				newEntry.ErrorType = ErrTypeRateLimitAborted
			}
			kept = append(kept, newEntry)
			continue
		}

		res.Succeeded++
		st.MarkDone(batch.Index)
	}

	if err := RewriteFailures(e.GraphRoot, kept); err != nil {
		return res, err
	}

	st.OK = st.DoneCount()
	e.refreshFailCount(st)
	if st.Status != StatusFailed || st.Fail == 0 {
		if st.OK+st.Fail >= st.Total && st.OK > 0 {
			st.Status = StatusCompleted
		}
	}
	if err := SaveState(e.GraphRoot, st); err != nil {
		return res, err
	}
	return res, nil
}
