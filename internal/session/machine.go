package session

import (
	"github.com/hculap/openclaw-omg/internal/config"
)

// EstimateTokens is the shared rough token estimator: roughly four
// characters per token, at least one for non-empty text.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		return 1
	}
	return n
}

// CountUnobserved sums the estimated tokens of messages past the
// observation boundary.
func CountUnobserved(messages []string, boundary int) int {
	if boundary < 0 {
		boundary = 0
	}
	if boundary > len(messages) {
		boundary = len(messages)
	}
	total := 0
	for _, m := range messages[boundary:] {
		total += EstimateTokens(m)
	}
	return total
}

// ShouldObserve decides whether the observation pipeline fires this turn.
//   - manual: never (the host triggers explicitly);
//   - every-turn: whenever there are unobserved messages;
//   - threshold: when pending plus new tokens reach the message threshold.
func ShouldObserve(st *State, newTokens int, cfg config.ObservationConfig) bool {
	switch cfg.TriggerMode {
	case config.TriggerManual:
		return false
	case config.TriggerEveryTurn:
		return newTokens > 0
	default:
		return st.PendingMessageTokens+newTokens >= cfg.MessageTokenThreshold
	}
}

// ShouldReflect reports whether enough observation tokens accumulated since
// the last reflection pass.
func ShouldReflect(st *State, threshold int) bool {
	if threshold <= 0 {
		return false
	}
	return st.TotalObservationTokens-st.LastReflectionTotalTokens >= threshold
}

// AdvanceWatermark records a finished reflection pass: the watermark moves
// up to the current total, never down and never past it.
func AdvanceWatermark(st *State) {
	st.LastReflectionTotalTokens = st.TotalObservationTokens
}
