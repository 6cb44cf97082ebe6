package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcabot-dev/orcabot/internal/domain"
	"github.com/orcabot-dev/orcabot/internal/logger"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedBudget(t *testing.T, db *DB, categories ...string) {
	t.Helper()
	year := time.Now().Year()
	for _, c := range categories {
		_, err := db.Exec(`INSERT INTO orcamento (ano, categoria, valor) VALUES (?, ?, 1000)`, year, c)
		require.NoError(t, err)
	}
}

func seedAccount(t *testing.T, db *DB, conta string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO transacoes (entry_id, data, descricao, conta, categoria, centro_custo, valor)
		VALUES (?, '2026-01-05', 'saldo inicial', ?, 'Outros', 'custeio', '0.00')`,
		uuid.NewString(), conta)
	require.NoError(t, err)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTaxonomySnapshot(t *testing.T) {
	db := newTestDB(t)
	seedBudget(t, db, "Alimentação", "Transporte")
	seedAccount(t, db, "Nubank")

	// Budget lines from another year must not leak into the snapshot.
	_, err := db.Exec(`INSERT INTO orcamento (ano, categoria, valor) VALUES (?, 'Antiga', 500)`,
		time.Now().Year()-1)
	require.NoError(t, err)

	tax, err := NewTaxonomyStore(db).Snapshot(context.Background(), time.Now())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"Alimentação", "Transporte"}, tax.Categories)
	assert.Equal(t, []string{"Nubank"}, tax.Accounts)
	assert.False(t, tax.FetchedAt.IsZero())
}

func TestSessionStoreLifecycle(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db, logger.New())
	ctx := context.Background()
	tax := domain.Taxonomy{Categories: []string{"Lazer"}, FetchedAt: time.Now()}

	sess, created, err := store.GetOrCreate(ctx, "sess-1", "user-1", domain.KindExpense, tax)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.StateCreated, sess.State)

	again, created, err := store.GetOrCreate(ctx, "sess-1", "user-1", domain.KindExpense, tax)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sess.SessionID, again.SessionID)

	sess.State = domain.StateAwaitingConfirmation
	sess.Draft = &domain.Draft{
		Kind: domain.KindExpense,
		Expense: &domain.ExpenseDraft{
			Valor:     dec("50.00"),
			Categoria: "Lazer",
			Data:      time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
		},
	}
	require.NoError(t, store.Save(ctx, sess))

	loaded, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingConfirmation, loaded.State)
	require.NotNil(t, loaded.Draft)
	assert.True(t, loaded.Draft.Expense.Valor.Equal(dec("50.00")), "decimal survives the JSON round trip")

	require.NoError(t, store.Evict(ctx, "sess-1"))
	_, err = store.Get(ctx, "sess-1")
	assert.True(t, errors.Is(err, sql.ErrNoRows))

	// Evicting again is not an error.
	require.NoError(t, store.Evict(ctx, "sess-1"))
}

func TestSessionStoreExpiryQueries(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db, logger.New())
	ctx := context.Background()
	now := time.Now().UTC()

	save := func(id string, state domain.State, lastActivity time.Time) {
		require.NoError(t, store.Save(ctx, &domain.Session{
			SessionID:      id,
			UserID:         "u",
			Kind:           domain.KindExpense,
			State:          state,
			CreatedAt:      lastActivity,
			LastActivityAt: lastActivity,
		}))
	}

	save("stale-open", domain.StateAwaitingConfirmation, now.Add(-48*time.Hour))
	save("fresh-open", domain.StateAwaitingConfirmation, now)
	save("stale-committed", domain.StateCommitted, now.Add(-48*time.Hour))

	ids, err := store.ListExpired(ctx, now, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-open"}, ids)

	require.NoError(t, store.PurgeTerminal(ctx, now, 24*time.Hour))
	_, err = store.Get(ctx, "stale-committed")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	_, err = store.Get(ctx, "fresh-open")
	require.NoError(t, err)
}

func newTestLedger(t *testing.T, db *DB, allowNewAccounts bool) *Ledger {
	t.Helper()
	return NewLedger(db, "custeio", allowNewAccounts, 1, time.Millisecond, logger.New())
}

func TestCommitClassification(t *testing.T) {
	db := newTestDB(t)
	seedBudget(t, db, "Alimentação", "Transporte")
	seedAccount(t, db, "Nubank")
	ledger := newTestLedger(t, db, false)

	draft := &domain.Draft{
		Kind: domain.KindClassification,
		Classification: &domain.ClassificationDraft{
			Estabelecimento: "Mercado Central",
			DataCompra:      time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
			Conta:           "Nubank",
			Itens: []domain.Item{
				{Descricao: "arroz 5kg", Valor: dec("25.90"), Categoria: "Alimentação"},
				{Descricao: "uber centro", Valor: dec("18.50"), Categoria: "Transporte"},
			},
		},
	}

	res, err := ledger.Commit(context.Background(), draft)
	require.NoError(t, err)
	assert.Len(t, res.EntryIDs, 2)

	rows, err := db.Query(`
		SELECT descricao, categoria, centro_custo, valor FROM transacoes
		WHERE descricao LIKE '[BOT]%' ORDER BY descricao`)
	require.NoError(t, err)
	defer rows.Close()

	var count int
	for rows.Next() {
		var descricao, categoria, centroCusto, valor string
		require.NoError(t, rows.Scan(&descricao, &categoria, &centroCusto, &valor))
		assert.Contains(t, descricao, "Mercado Central")
		assert.Equal(t, "custeio", centroCusto)
		v := dec(valor)
		assert.True(t, v.IsNegative(), "expenses commit as negative, got %s", v)
		count++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 2, count)
}

func TestCommitTransferTwoLegsSumZero(t *testing.T) {
	db := newTestDB(t)
	seedBudget(t, db, "Alimentação")
	seedAccount(t, db, "Nubank")
	seedAccount(t, db, "Itaú")
	ledger := newTestLedger(t, db, false)

	draft := &domain.Draft{
		Kind: domain.KindTransfer,
		Transfer: &domain.TransferDraft{
			Valor:             dec("300.00"),
			ContaOrigem:       "Nubank",
			ContaDestino:      "Itaú",
			DataTransferencia: time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC),
		},
	}

	res, err := ledger.Commit(context.Background(), draft)
	require.NoError(t, err)
	require.Len(t, res.EntryIDs, 2)

	rows, err := db.Query(`
		SELECT descricao, conta, categoria, valor FROM transacoes
		WHERE descricao LIKE '[TRANSF:%' ORDER BY valor`)
	require.NoError(t, err)
	defer rows.Close()

	var descricoes []string
	var contas []string
	sum := decimal.Zero
	for rows.Next() {
		var descricao, conta, categoria, valor string
		require.NoError(t, rows.Scan(&descricao, &conta, &categoria, &valor))
		assert.Equal(t, TransferCategory, categoria)
		descricoes = append(descricoes, descricao)
		contas = append(contas, conta)
		sum = sum.Add(dec(valor))
	}
	require.NoError(t, rows.Err())
	require.Len(t, descricoes, 2)

	assert.Equal(t, descricoes[0], descricoes[1], "both legs share the reference description")
	assert.Equal(t, []string{"Nubank", "Itaú"}, contas, "debit leg first when ordered by value")
	assert.True(t, sum.IsZero(), "legs must sum to zero, got %s", sum)
}

func TestCommitRejectsStaleTaxonomy(t *testing.T) {
	db := newTestDB(t)
	seedBudget(t, db, "Alimentação")
	seedAccount(t, db, "Nubank")
	ledger := newTestLedger(t, db, false)

	draft := &domain.Draft{
		Kind: domain.KindExpense,
		Expense: &domain.ExpenseDraft{
			Valor:     dec("40.00"),
			Categoria: "Viagem",
			Conta:     "Nubank",
			Data:      time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC),
		},
	}

	_, err := ledger.Commit(context.Background(), draft)
	var fault *domain.Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, domain.FaultTaxonomyChanged, fault.Kind)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM transacoes WHERE descricao LIKE '[BOT]%'`).Scan(&n))
	assert.Zero(t, n, "nothing may be written on a rejected commit")
}

func TestCommitUnknownAccount(t *testing.T) {
	db := newTestDB(t)
	seedBudget(t, db, "Alimentação")
	seedAccount(t, db, "Nubank")

	draft := func() *domain.Draft {
		return &domain.Draft{
			Kind: domain.KindExpense,
			Expense: &domain.ExpenseDraft{
				Valor:     dec("40.00"),
				Categoria: "Alimentação",
				Conta:     "Banco Novo",
				Data:      time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC),
			},
		}
	}

	t.Run("rejected by default", func(t *testing.T) {
		_, err := newTestLedger(t, db, false).Commit(context.Background(), draft())
		var fault *domain.Fault
		require.True(t, errors.As(err, &fault))
		assert.Equal(t, domain.FaultTaxonomyChanged, fault.Kind)
	})

	t.Run("accepted when new accounts are allowed", func(t *testing.T) {
		res, err := newTestLedger(t, db, true).Commit(context.Background(), draft())
		require.NoError(t, err)
		assert.Len(t, res.EntryIDs, 1)
	})
}

func TestCommitRetriesTransientFailures(t *testing.T) {
	db := newTestDB(t)
	ledger := NewLedger(db, "custeio", false, 2, time.Millisecond, logger.New())
	require.NoError(t, db.Close())

	var buf bytes.Buffer
	ctx := logger.WithContext(context.Background(), logger.NewWithWriter(&buf))

	draft := &domain.Draft{
		Kind: domain.KindExpense,
		Expense: &domain.ExpenseDraft{
			Valor:     dec("40.00"),
			Categoria: "Alimentação",
			Conta:     "Nubank",
			Data:      time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC),
		},
	}

	_, err := ledger.Commit(ctx, draft)
	var fault *domain.Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, domain.FaultTransientUnavailable, fault.Kind)
	assert.Equal(t, 2, strings.Count(buf.String(), "retrying ledger commit"),
		"every retry is announced on the context logger")
}

func TestCommitFixedPointRounding(t *testing.T) {
	db := newTestDB(t)
	seedBudget(t, db, "Alimentação")
	seedAccount(t, db, "Nubank")
	ledger := newTestLedger(t, db, false)

	draft := &domain.Draft{
		Kind: domain.KindClassification,
		Classification: &domain.ClassificationDraft{
			DataCompra: time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
			Conta:      "Nubank",
			Itens: []domain.Item{
				{Descricao: "a", Valor: dec("0.10"), Categoria: "Alimentação"},
				{Descricao: "b", Valor: dec("0.20"), Categoria: "Alimentação"},
			},
		},
	}

	_, err := ledger.Commit(context.Background(), draft)
	require.NoError(t, err)

	rows, err := db.Query(`SELECT valor FROM transacoes WHERE descricao LIKE '[BOT]%'`)
	require.NoError(t, err)
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var valor string
		require.NoError(t, rows.Scan(&valor))
		sum = sum.Add(dec(valor))
	}
	require.NoError(t, rows.Err())
	assert.True(t, sum.Equal(dec("-0.30")), "exact fixed-point sum, got %s", sum)
}
