package conversation

import (
	"context"
	"time"

	"github.com/orcabot-dev/orcabot/internal/domain"
	"github.com/orcabot-dev/orcabot/internal/reconcile"
	"github.com/orcabot-dev/orcabot/internal/storage"
)

// SessionStore is the durable session persistence the manager depends on.
type SessionStore interface {
	GetOrCreate(ctx context.Context, sessionID, userID string, kind domain.Kind, tax domain.Taxonomy) (*domain.Session, bool, error)
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	Save(ctx context.Context, sess *domain.Session) error
	Evict(ctx context.Context, sessionID string) error
	ListExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error)
	PurgeTerminal(ctx context.Context, now time.Time, ttl time.Duration) error
}

// Gateway commits a confirmed draft to the ledger, all rows or none.
type Gateway interface {
	Commit(ctx context.Context, draft *domain.Draft) (*storage.CommitResult, error)
}

// TaxonomySource reads a fresh taxonomy snapshot.
type TaxonomySource interface {
	Snapshot(ctx context.Context, now time.Time) (domain.Taxonomy, error)
}

// Interpreter maps one event onto a reconciliation result.
type Interpreter interface {
	Interpret(ctx context.Context, sess *domain.Session, ev reconcile.Event) reconcile.Result
}

// Archiver keeps a copy of receipt images. Optional; failures never block
// the conversation.
type Archiver interface {
	ArchiveReceipt(ctx context.Context, sessionID string, image []byte, mime string) (string, error)
}

// Notifier delivers the conversation's answers back to the user. Implemented
// by the chat transport adapter.
type Notifier interface {
	// DraftPresented shows the current draft and asks for confirmation.
	DraftPresented(ctx context.Context, sess *domain.Session)
	// Prompt asks for more input with a free-form message.
	Prompt(ctx context.Context, sess *domain.Session, message string)
	// ValidationError reports a rejected event; the draft is unchanged.
	ValidationError(ctx context.Context, sess *domain.Session, fault *domain.Fault)
	// AccountRequested asks which account the entries should go to.
	AccountRequested(ctx context.Context, sess *domain.Session)
	// CommitSucceeded reports the committed entries.
	CommitSucceeded(ctx context.Context, sess *domain.Session, entryIDs []string)
	// CommitFailed reports a failed commit; the draft survives for retry.
	CommitFailed(ctx context.Context, sess *domain.Session, fault *domain.Fault)
	// SessionClosed reports a terminal session (committed, cancelled, expired).
	SessionClosed(ctx context.Context, sess *domain.Session, reason string)
}
