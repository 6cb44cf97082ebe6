package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/orcabot-dev/orcabot/internal/domain"
)

// Reconciler interprets inbound events against a session's draft. All draft
// mutation happens on copies; the caller replaces the live draft only when a
// result says so, and persists before acting on it.
type Reconciler struct {
	extractor        Extractor
	editor           EditInterpreter
	allowNewAccounts bool
	log              zerolog.Logger
}

// New creates a reconciler.
func New(extractor Extractor, editor EditInterpreter, allowNewAccounts bool, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		extractor:        extractor,
		editor:           editor,
		allowNewAccounts: allowNewAccounts,
		log:              log.With().Str("component", "reconciler").Logger(),
	}
}

// Interpret maps one event onto a reconciliation result. The session is
// read-only here apart from its taxonomy snapshot, which the caller has
// already refreshed.
func (r *Reconciler) Interpret(ctx context.Context, sess *domain.Session, ev Event) Result {
	switch ev.Type {
	case EventImage:
		return r.extractImage(ctx, sess, ev)
	case EventText:
		return r.extractText(ctx, sess, ev)
	case EventEdit:
		return r.edit(ctx, sess, ev.Text)
	case EventReply:
		if IsAffirmative(ev.Text) {
			return r.confirm(sess)
		}
		return r.edit(ctx, sess, ev.Text)
	case EventAccountAnswer:
		return r.accountAnswer(ctx, sess, ev.Text)
	}
	return Result{
		Outcome: OutcomeValidationFailed,
		Fault:   domain.NewFault(domain.FaultAmbiguousEdit, "unsupported event type %q", ev.Type),
	}
}

func (r *Reconciler) extractImage(ctx context.Context, sess *domain.Session, ev Event) Result {
	draft, err := r.extractor.ExtractImage(ctx, ev.Image, ev.MIME, &sess.Taxonomy)
	return r.extracted(sess, draft, err)
}

func (r *Reconciler) extractText(ctx context.Context, sess *domain.Session, ev Event) Result {
	draft, err := r.extractor.ExtractText(ctx, ev.Text, &sess.Taxonomy)
	return r.extracted(sess, draft, err)
}

// extracted checks structural soundness of a fresh draft. Category
// membership is deliberately not enforced here: the extractor may surface an
// unmapped category, which stays visible to the user and blocks confirmation
// until corrected.
func (r *Reconciler) extracted(sess *domain.Session, draft *domain.Draft, err error) Result {
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("extraction failed")
		return Result{
			Outcome: OutcomeValidationFailed,
			Fault:   domain.AsFault(err, domain.FaultExtraction),
		}
	}
	if fault := structuralFault(draft); fault != nil {
		return Result{Outcome: OutcomeValidationFailed, Fault: fault}
	}
	return Result{Outcome: OutcomeDraftUpdated, Draft: draft}
}

func structuralFault(draft *domain.Draft) *domain.Fault {
	if draft == nil {
		return domain.NewFault(domain.FaultExtraction, "extraction produced no draft")
	}
	switch draft.Kind {
	case domain.KindClassification:
		c := draft.Classification
		if c == nil || len(c.Itens) == 0 {
			return domain.NewFault(domain.FaultExtraction, "extraction produced no items")
		}
		for _, it := range c.Itens {
			if it.Descricao == "" || it.Valor.IsNegative() {
				return domain.NewFault(domain.FaultExtraction, "extraction produced a malformed item")
			}
		}
	case domain.KindExpense:
		if draft.Expense == nil || !draft.Expense.Valor.IsPositive() {
			return domain.NewFault(domain.FaultExtraction, "extraction produced no usable expense value")
		}
	case domain.KindTransfer:
		t := draft.Transfer
		if t == nil || !t.Valor.IsPositive() || t.ContaOrigem == "" || t.ContaDestino == "" {
			return domain.NewFault(domain.FaultExtraction, "extraction produced an incomplete transfer")
		}
	default:
		return domain.NewFault(domain.FaultExtraction, "extraction produced unknown draft kind %q", draft.Kind)
	}
	return nil
}

// edit obtains a patch set from the interpretation capability, falling back
// to the deterministic heuristic when the capability is unavailable, and
// applies it atomically to a copy of the draft.
func (r *Reconciler) edit(ctx context.Context, sess *domain.Session, instruction string) Result {
	if sess.Draft == nil {
		return Result{Outcome: OutcomeAwaitingInput, Reason: "no draft yet; send a receipt or describe the expense"}
	}

	patches, err := r.editor.InterpretEdit(ctx, sess.Draft, instruction, &sess.Taxonomy)
	if err != nil {
		if !errors.Is(err, domain.ErrCapabilityUnavailable) {
			return Result{
				Outcome: OutcomeValidationFailed,
				Fault:   domain.AsFault(err, domain.FaultAmbiguousEdit),
			}
		}
		r.log.Warn().Str("session_id", sess.SessionID).Msg("edit capability unavailable, using fallback heuristic")
		var fault *domain.Fault
		patches, fault = fallbackPatches(sess.Draft, instruction, &sess.Taxonomy)
		if fault != nil {
			return Result{Outcome: OutcomeValidationFailed, Fault: fault}
		}
	}

	next, fault := applyPatches(sess.Draft, patches, &sess.Taxonomy)
	if fault != nil {
		return Result{Outcome: OutcomeValidationFailed, Fault: fault}
	}
	return Result{Outcome: OutcomeDraftUpdated, Draft: next}
}

// confirm validates the draft in full, taxonomy membership included, before
// letting the state machine move toward commit.
func (r *Reconciler) confirm(sess *domain.Session) Result {
	if sess.Draft == nil {
		return Result{Outcome: OutcomeAwaitingInput, Reason: "nothing to confirm yet"}
	}
	if err := sess.Draft.Validate(&sess.Taxonomy); err != nil {
		return Result{
			Outcome: OutcomeValidationFailed,
			Fault:   domain.AsFault(err, domain.FaultUnknownCategory),
		}
	}
	return Result{Outcome: OutcomeReady, Draft: sess.Draft.Clone()}
}

// accountAnswer resolves the account-collection reply. The capability helps
// match sloppy input onto known accounts; unknown names are either rejected
// or registered as given, depending on configuration.
func (r *Reconciler) accountAnswer(ctx context.Context, sess *domain.Session, text string) Result {
	answer := strings.TrimSpace(text)
	if answer == "" {
		return Result{Outcome: OutcomeAwaitingInput, Reason: "which account should the entries go to?"}
	}

	identified, err := r.editor.IdentifyAccount(ctx, answer, sess.Taxonomy.Accounts)
	if err != nil {
		if !errors.Is(err, domain.ErrCapabilityUnavailable) {
			return Result{Outcome: OutcomeValidationFailed, Fault: domain.AsFault(err, domain.FaultUnknownAccount)}
		}
		identified = answer
	}

	conta := sess.Taxonomy.MatchAccount(identified)
	if conta == "" {
		if !r.allowNewAccounts {
			return Result{
				Outcome: OutcomeValidationFailed,
				Fault:   domain.NewFault(domain.FaultUnknownAccount, "account %q is not known; known accounts: %s", answer, strings.Join(sess.Taxonomy.Accounts, ", ")),
			}
		}
		conta = answer
	}

	next := sess.Draft.Clone()
	next.SetAccount(conta)
	return Result{Outcome: OutcomeReady, Draft: next}
}
