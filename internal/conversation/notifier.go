package conversation

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/orcabot-dev/orcabot/internal/domain"
)

// LogNotifier emits conversation events as structured log lines. It stands
// in for a chat transport adapter and is what the daemon wires by default.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a notifier that logs every event.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) event(sess *domain.Session, name string) *zerolog.Event {
	return n.log.Info().
		Str("event", name).
		Str("session_id", sess.SessionID).
		Str("state", string(sess.State)).
		Str("kind", string(sess.Kind))
}

func (n *LogNotifier) DraftPresented(_ context.Context, sess *domain.Session) {
	n.event(sess, "draft_presented").Str("total", sess.Draft.Total().StringFixed(2)).Send()
}

func (n *LogNotifier) Prompt(_ context.Context, sess *domain.Session, message string) {
	n.event(sess, "prompt").Str("message", message).Send()
}

func (n *LogNotifier) ValidationError(_ context.Context, sess *domain.Session, fault *domain.Fault) {
	n.event(sess, "validation_error").Str("fault", string(fault.Kind)).Str("detail", fault.Detail).Send()
}

func (n *LogNotifier) AccountRequested(_ context.Context, sess *domain.Session) {
	n.event(sess, "account_requested").Send()
}

func (n *LogNotifier) CommitSucceeded(_ context.Context, sess *domain.Session, entryIDs []string) {
	n.event(sess, "commit_succeeded").Int("rows", len(entryIDs)).Send()
}

func (n *LogNotifier) CommitFailed(_ context.Context, sess *domain.Session, fault *domain.Fault) {
	n.event(sess, "commit_failed").Str("fault", string(fault.Kind)).Str("detail", fault.Detail).Send()
}

func (n *LogNotifier) SessionClosed(_ context.Context, sess *domain.Session, reason string) {
	n.event(sess, "session_closed").Str("reason", reason).Send()
}

var _ Notifier = (*LogNotifier)(nil)
