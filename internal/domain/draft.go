package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates the three draft shapes a conversation can produce.
type Kind string

const (
	// KindClassification is a receipt broken into per-item ledger entries.
	KindClassification Kind = "classification"
	// KindExpense is a single free-text expense.
	KindExpense Kind = "expense"
	// KindTransfer moves money between two known accounts.
	KindTransfer Kind = "transfer"
)

// Item is one line of a classified receipt.
type Item struct {
	Descricao string          `json:"descricao"`
	Valor     decimal.Decimal `json:"valor"`
	Categoria string          `json:"categoria"`
}

// ClassificationDraft is the structured form of a receipt before commit.
// Conta stays empty until the account-collection step fills it.
type ClassificationDraft struct {
	Estabelecimento string    `json:"estabelecimento"`
	DataCompra      time.Time `json:"data_compra"`
	Itens           []Item    `json:"itens"`
	Conta           string    `json:"conta,omitempty"`
}

// ExpenseDraft is a single expense extracted from free text.
type ExpenseDraft struct {
	Valor     decimal.Decimal `json:"valor"`
	Categoria string          `json:"categoria"`
	Conta     string          `json:"conta,omitempty"`
	Data      time.Time       `json:"data"`
	Descricao string          `json:"descricao,omitempty"`
}

// TransferDraft moves Valor from ContaOrigem to ContaDestino.
type TransferDraft struct {
	Valor             decimal.Decimal `json:"valor"`
	ContaOrigem       string          `json:"conta_origem"`
	ContaDestino      string          `json:"conta_destino"`
	DataTransferencia time.Time       `json:"data_transferencia"`
	Descricao         string          `json:"descricao,omitempty"`
}

// Draft is the mutable in-progress entry owned by a session. Exactly one of
// the kind-specific fields is set, matching Kind. Drafts are replaced
// wholesale on every successful reconciliation, never patched in place.
type Draft struct {
	Kind           Kind                 `json:"kind"`
	Classification *ClassificationDraft `json:"classification,omitempty"`
	Expense        *ExpenseDraft        `json:"expense,omitempty"`
	Transfer       *TransferDraft       `json:"transfer,omitempty"`
}

// Clone returns a deep copy. Reconciliation always patches a clone and only
// swaps it in after the whole patch set validates.
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	out := &Draft{Kind: d.Kind}
	if d.Classification != nil {
		c := *d.Classification
		c.Itens = make([]Item, len(d.Classification.Itens))
		copy(c.Itens, d.Classification.Itens)
		out.Classification = &c
	}
	if d.Expense != nil {
		e := *d.Expense
		out.Expense = &e
	}
	if d.Transfer != nil {
		t := *d.Transfer
		out.Transfer = &t
	}
	return out
}

// Total returns the draft's monetary magnitude: the item sum for a
// classification, otherwise the single value.
func (d *Draft) Total() decimal.Decimal {
	switch d.Kind {
	case KindClassification:
		total := decimal.Zero
		for _, it := range d.Classification.Itens {
			total = total.Add(it.Valor)
		}
		return total
	case KindExpense:
		return d.Expense.Valor
	case KindTransfer:
		return d.Transfer.Valor
	}
	return decimal.Zero
}

// Account reports the account carried by the draft, empty if not yet set.
// Transfers carry two accounts and always report "" here.
func (d *Draft) Account() string {
	switch d.Kind {
	case KindClassification:
		return d.Classification.Conta
	case KindExpense:
		return d.Expense.Conta
	}
	return ""
}

// SetAccount fills the account collected from the user. It is a no-op for
// transfers, whose accounts are part of the draft itself.
func (d *Draft) SetAccount(conta string) {
	switch d.Kind {
	case KindClassification:
		d.Classification.Conta = conta
	case KindExpense:
		d.Expense.Conta = conta
	}
}

// NeedsAccount reports whether the confirmation flow must still collect an
// account before this draft can commit.
func (d *Draft) NeedsAccount() bool {
	switch d.Kind {
	case KindClassification:
		return d.Classification.Conta == ""
	case KindExpense:
		return d.Expense.Conta == ""
	}
	return false
}

// Validate checks internal consistency and taxonomy membership. Accounts are
// only checked when set; the account-collection step validates its own input.
func (d *Draft) Validate(tax *Taxonomy) error {
	if d == nil {
		return fmt.Errorf("draft is nil")
	}
	switch d.Kind {
	case KindClassification:
		return d.validateClassification(tax)
	case KindExpense:
		return d.validateExpense(tax)
	case KindTransfer:
		return d.validateTransfer(tax)
	default:
		return fmt.Errorf("unknown draft kind %q", d.Kind)
	}
}

func (d *Draft) validateClassification(tax *Taxonomy) error {
	c := d.Classification
	if c == nil {
		return fmt.Errorf("classification draft missing payload")
	}
	if len(c.Itens) == 0 {
		return fmt.Errorf("classification draft has no items")
	}
	if c.DataCompra.IsZero() {
		return fmt.Errorf("classification draft has no purchase date")
	}
	for i, it := range c.Itens {
		if it.Descricao == "" {
			return fmt.Errorf("item %d has empty description", i)
		}
		if it.Valor.IsNegative() {
			return NewFault(FaultAmbiguousEdit, "item %q has negative value %s", it.Descricao, it.Valor)
		}
		if !tax.HasCategory(it.Categoria) {
			return NewFault(FaultUnknownCategory, "category %q is not in the current budget", it.Categoria)
		}
	}
	return nil
}

func (d *Draft) validateExpense(tax *Taxonomy) error {
	e := d.Expense
	if e == nil {
		return fmt.Errorf("expense draft missing payload")
	}
	if !e.Valor.IsPositive() {
		return NewFault(FaultAmbiguousEdit, "expense value must be positive, got %s", e.Valor)
	}
	if e.Data.IsZero() {
		return fmt.Errorf("expense draft has no date")
	}
	if !tax.HasCategory(e.Categoria) {
		return NewFault(FaultUnknownCategory, "category %q is not in the current budget", e.Categoria)
	}
	return nil
}

func (d *Draft) validateTransfer(tax *Taxonomy) error {
	t := d.Transfer
	if t == nil {
		return fmt.Errorf("transfer draft missing payload")
	}
	if !t.Valor.IsPositive() {
		return NewFault(FaultAmbiguousEdit, "transfer value must be positive, got %s", t.Valor)
	}
	if t.ContaOrigem == "" || t.ContaDestino == "" {
		return NewFault(FaultUnknownAccount, "transfer needs both a source and a destination account")
	}
	if NormalizeName(t.ContaOrigem) == NormalizeName(t.ContaDestino) {
		return NewFault(FaultAmbiguousEdit, "source and destination accounts must differ")
	}
	if t.DataTransferencia.IsZero() {
		return fmt.Errorf("transfer draft has no date")
	}
	if !tax.HasAccount(t.ContaOrigem) {
		return NewFault(FaultUnknownAccount, "account %q is not known", t.ContaOrigem)
	}
	if !tax.HasAccount(t.ContaDestino) {
		return NewFault(FaultUnknownAccount, "account %q is not known", t.ContaDestino)
	}
	return nil
}
