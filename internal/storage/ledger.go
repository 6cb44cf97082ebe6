package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/orcabot-dev/orcabot/internal/domain"
	"github.com/orcabot-dev/orcabot/internal/logger"
)

// TransferCategory is stamped on both legs of a committed transfer.
const TransferCategory = "Transferência"

// EntryRow is one ledger row derived from a confirmed draft.
type EntryRow struct {
	EntryID     string
	Data        time.Time
	Descricao   string
	Conta       string
	Categoria   string
	CentroCusto string
	Valor       decimal.Decimal
}

// CommitResult carries the identifiers of the rows a commit created.
type CommitResult struct {
	EntryIDs []string
}

// Ledger is the persistence gateway. Commit writes every row derived from a
// confirmed draft in a single transaction: all rows or none. The taxonomy is
// re-read inside that transaction so a commit can never ride on a snapshot
// that went stale mid-conversation.
type Ledger struct {
	db               *DB
	costCenter       string
	allowNewAccounts bool
	retries          int
	backoff          time.Duration
	log              zerolog.Logger
}

// NewLedger creates the persistence gateway.
func NewLedger(db *DB, costCenter string, allowNewAccounts bool, retries int, backoff time.Duration, log zerolog.Logger) *Ledger {
	return &Ledger{
		db:               db,
		costCenter:       costCenter,
		allowNewAccounts: allowNewAccounts,
		retries:          retries,
		backoff:          backoff,
		log:              log.With().Str("component", "ledger").Logger(),
	}
}

// Commit writes the confirmed draft to the ledger. Transient store failures
// are retried a bounded number of times with backoff; a constraint rejection
// aborts immediately. Either way the draft and session state are untouched
// on failure so the user can edit or retry.
func (l *Ledger) Commit(ctx context.Context, draft *domain.Draft) (*CommitResult, error) {
	var lastErr error
	for attempt := 0; attempt <= l.retries; attempt++ {
		if attempt > 0 {
			backoff := l.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// The dispatcher puts a session-scoped logger on the context.
			ctxLog := logger.FromContext(ctx)
			ctxLog.Warn().Int("attempt", attempt).Msg("retrying ledger commit")
		}

		res, err := l.commitOnce(ctx, draft)
		if err == nil {
			return res, nil
		}

		var fault *domain.Fault
		if errors.As(err, &fault) && fault.Kind == domain.FaultTransientUnavailable {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (l *Ledger) commitOnce(ctx context.Context, draft *domain.Draft) (*CommitResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyStoreError("begin commit transaction", err)
	}
	defer tx.Rollback()

	// Freshest taxonomy read, inside the same transaction as the writes.
	tax, err := snapshotTaxonomy(ctx, tx, time.Now())
	if err != nil {
		return nil, classifyStoreError("re-reading taxonomy", err)
	}
	if err := l.revalidate(draft, &tax); err != nil {
		return nil, err
	}

	rows, err := l.deriveRows(draft, &tax)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transacoes (entry_id, data, descricao, conta, categoria, centro_custo, valor)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.EntryID, row.Data.Format("2006-01-02"), row.Descricao,
			row.Conta, row.Categoria, row.CentroCusto, row.Valor.StringFixed(2))
		if err != nil {
			return nil, classifyStoreError(fmt.Sprintf("inserting entry %s", row.EntryID), err)
		}
		ids = append(ids, row.EntryID)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyStoreError("committing transaction", err)
	}

	l.log.Info().Int("rows", len(ids)).Str("kind", string(draft.Kind)).Msg("draft committed")
	return &CommitResult{EntryIDs: ids}, nil
}

// revalidate closes the window where the taxonomy changed between the user's
// confirmation and the commit. The draft was valid against the session
// snapshot, so any failure here means the taxonomy moved underneath it.
func (l *Ledger) revalidate(draft *domain.Draft, tax *domain.Taxonomy) error {
	if err := draft.Validate(tax); err != nil {
		return domain.NewFault(domain.FaultTaxonomyChanged, "draft no longer valid against current taxonomy: %v", err)
	}
	if conta := draft.Account(); conta != "" && !l.allowNewAccounts && !tax.HasAccount(conta) {
		return domain.NewFault(domain.FaultTaxonomyChanged, "account %q no longer known", conta)
	}
	return nil
}

func (l *Ledger) deriveRows(draft *domain.Draft, tax *domain.Taxonomy) ([]EntryRow, error) {
	switch draft.Kind {
	case domain.KindClassification:
		return l.classificationRows(draft.Classification, tax), nil
	case domain.KindExpense:
		return l.expenseRows(draft.Expense, tax), nil
	case domain.KindTransfer:
		return l.transferRows(draft.Transfer), nil
	}
	return nil, fmt.Errorf("deriveRows: unknown draft kind %q", draft.Kind)
}

// classificationRows produces one row per receipt item, negative values.
func (l *Ledger) classificationRows(c *domain.ClassificationDraft, tax *domain.Taxonomy) []EntryRow {
	rows := make([]EntryRow, 0, len(c.Itens))
	for _, it := range c.Itens {
		descricao := fmt.Sprintf("[BOT] %s", it.Descricao)
		if c.Estabelecimento != "" {
			descricao = fmt.Sprintf("[BOT] %s - %s", c.Estabelecimento, it.Descricao)
		}
		categoria := tax.MatchCategory(it.Categoria)
		if categoria == "" {
			categoria = it.Categoria
		}
		rows = append(rows, EntryRow{
			EntryID:     uuid.NewString(),
			Data:        c.DataCompra,
			Descricao:   descricao,
			Conta:       c.Conta,
			Categoria:   categoria,
			CentroCusto: l.costCenter,
			Valor:       it.Valor.Round(2).Neg(),
		})
	}
	return rows
}

func (l *Ledger) expenseRows(e *domain.ExpenseDraft, tax *domain.Taxonomy) []EntryRow {
	descricao := "[BOT] gasto"
	if e.Descricao != "" {
		descricao = fmt.Sprintf("[BOT] %s", e.Descricao)
	}
	categoria := tax.MatchCategory(e.Categoria)
	if categoria == "" {
		categoria = e.Categoria
	}
	return []EntryRow{{
		EntryID:     uuid.NewString(),
		Data:        e.Data,
		Descricao:   descricao,
		Conta:       e.Conta,
		Categoria:   categoria,
		CentroCusto: l.costCenter,
		Valor:       e.Valor.Round(2).Neg(),
	}}
}

// transferRows produces exactly two rows, a debit on the source account and
// a credit on the destination, linked by a shared synthetic reference and
// summing to zero.
func (l *Ledger) transferRows(t *domain.TransferDraft) []EntryRow {
	ref := uuid.NewString()[:8]
	descricao := fmt.Sprintf("[TRANSF:%s] %s para %s", ref, t.ContaOrigem, t.ContaDestino)
	if t.Descricao != "" {
		descricao = fmt.Sprintf("[TRANSF:%s] %s", ref, t.Descricao)
	}
	valor := t.Valor.Round(2)
	return []EntryRow{
		{
			EntryID:     uuid.NewString(),
			Data:        t.DataTransferencia,
			Descricao:   descricao,
			Conta:       t.ContaOrigem,
			Categoria:   TransferCategory,
			CentroCusto: l.costCenter,
			Valor:       valor.Neg(),
		},
		{
			EntryID:     uuid.NewString(),
			Data:        t.DataTransferencia,
			Descricao:   descricao,
			Conta:       t.ContaDestino,
			Categoria:   TransferCategory,
			CentroCusto: l.costCenter,
			Valor:       valor,
		},
	}
}

// classifyStoreError maps driver errors onto the fault taxonomy: busy/locked
// is transient and retryable, a constraint violation is a rejection.
func classifyStoreError(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return domain.NewFault(domain.FaultTransientUnavailable, "%s: %v", op, err)
		case sqlite3.ErrConstraint:
			return domain.NewFault(domain.FaultCommitRejected, "%s: %v", op, err)
		}
	}
	return domain.NewFault(domain.FaultTransientUnavailable, "%s: %v", op, err)
}
