// Package reflector implements the reflection pipeline: cluster aged
// knowledge by domain and time, ask the LLM to reorganise and compress each
// cluster, and apply the resulting edits, archives, and MOC updates.
package reflector

import "fmt"

// InvariantError is a classified violation of the reflector's output
// contract. The orchestrator catches it and replaces the cluster result
// with an empty one.
type InvariantError struct {
	Kind    string // "overlap" | "id-mismatch" | "negative-tokens"
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("reflector invariant [%s]: %s", e.Kind, e.Message)
}
