package reconcile

import (
	"context"

	"github.com/orcabot-dev/orcabot/internal/domain"
)

// EventType tags the inbound events a session can receive.
type EventType string

const (
	// EventImage is a receipt photo.
	EventImage EventType = "image"
	// EventText is an initial free-text statement (expense or transfer).
	EventText EventType = "text"
	// EventEdit is a free-text instruction against the current draft.
	EventEdit EventType = "edit"
	// EventReply is a reply whose meaning (confirmation or edit) depends on
	// the affirmative vocabulary.
	EventReply EventType = "reply"
	// EventAccountAnswer is the user's answer to the account question.
	EventAccountAnswer EventType = "account_answer"
)

// Event is one inbound message for a session.
type Event struct {
	Type  EventType
	Text  string
	Image []byte
	MIME  string
}

// Outcome discriminates reconciliation results.
type Outcome string

const (
	// OutcomeDraftUpdated means the live draft was replaced with a new one.
	OutcomeDraftUpdated Outcome = "draft_updated"
	// OutcomeAwaitingInput means more input is needed before a draft exists.
	OutcomeAwaitingInput Outcome = "awaiting_input"
	// OutcomeValidationFailed means the event was rejected; draft unchanged.
	OutcomeValidationFailed Outcome = "validation_failed"
	// OutcomeReady means the draft is fully valid and confirmed.
	OutcomeReady Outcome = "ready"
)

// Result is the reconciler's answer for one event.
type Result struct {
	Outcome Outcome
	Draft   *domain.Draft
	Fault   *domain.Fault
	Reason  string
}

// Extractor turns raw input into an initial draft. Implemented by the AI
// capability; a failure to produce a structurally sound draft surfaces as an
// extraction fault and leaves the session in CREATED.
type Extractor interface {
	// ExtractImage reads a receipt photo into a classification draft.
	ExtractImage(ctx context.Context, image []byte, mime string, tax *domain.Taxonomy) (*domain.Draft, error)
	// ExtractText reads a free-text statement into an expense or transfer
	// draft, depending on detected intent.
	ExtractText(ctx context.Context, text string, tax *domain.Taxonomy) (*domain.Draft, error)
}

// EditInterpreter maps a free-text instruction onto patch operations against
// the current draft. Errors wrapping domain.ErrCapabilityUnavailable switch
// the reconciler to its deterministic fallback.
type EditInterpreter interface {
	InterpretEdit(ctx context.Context, draft *domain.Draft, instruction string, tax *domain.Taxonomy) ([]Patch, error)
	// IdentifyAccount resolves free text onto one of the known accounts,
	// returning the input unchanged when no account matches.
	IdentifyAccount(ctx context.Context, text string, accounts []string) (string, error)
}
