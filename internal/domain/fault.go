package domain

import (
	"errors"
	"fmt"
)

// FaultKind classifies the recoverable failures a session can surface.
// Nothing in this package is process-fatal: every fault is scoped to one
// session and reported back through the notifier.
type FaultKind string

const (
	// FaultExtraction means the extraction capability returned nothing usable.
	FaultExtraction FaultKind = "extraction_failure"
	// FaultAmbiguousEdit means the instruction could not be resolved safely.
	FaultAmbiguousEdit FaultKind = "ambiguous_edit"
	// FaultUnknownCategory means a referenced category is not in the budget.
	FaultUnknownCategory FaultKind = "unknown_category"
	// FaultUnknownAccount means a referenced account is not known.
	FaultUnknownAccount FaultKind = "unknown_account"
	// FaultItemNotFound means an edit referenced a nonexistent item.
	FaultItemNotFound FaultKind = "item_not_found"
	// FaultTaxonomyChanged means the taxonomy moved between confirmation and
	// commit; the session reverts to the confirmation step.
	FaultTaxonomyChanged FaultKind = "taxonomy_changed"
	// FaultCommitRejected means the store rejected a row; nothing was written.
	FaultCommitRejected FaultKind = "commit_rejected"
	// FaultTransientUnavailable means the store or capability is temporarily
	// unreachable after bounded retries.
	FaultTransientUnavailable FaultKind = "transient_unavailable"
	// FaultSessionExpired means the session idled past its TTL.
	FaultSessionExpired FaultKind = "session_expired"
	// FaultPersistenceUnavailable means a durable session write failed; the
	// in-memory state was not advanced.
	FaultPersistenceUnavailable FaultKind = "persistence_unavailable"
)

// Fault is a typed, recoverable failure. Callers branch with errors.As.
type Fault struct {
	Kind   FaultKind
	Detail string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// NewFault builds a Fault with a formatted detail message.
func NewFault(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// AsFault extracts a *Fault from err, or wraps err as the given kind when it
// carries no fault of its own.
func AsFault(err error, fallback FaultKind) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Kind: fallback, Detail: err.Error()}
}

// ErrCapabilityUnavailable marks AI capability transport failures. The
// reconciler switches to the deterministic fallback when an interpretation
// error wraps this sentinel.
var ErrCapabilityUnavailable = errors.New("ai capability unavailable")
