package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/orcabot-dev/orcabot/internal/domain"
)

// Op enumerates the patch operations the edit interpreter may emit.
type Op string

const (
	// OpRenameCategory reassigns one item (or the whole expense) to a
	// different budget category.
	OpRenameCategory Op = "rename_category"
	// OpAdjustValue sets the value of one item or of the draft.
	OpAdjustValue Op = "adjust_value"
	// OpAddItem appends a new receipt item.
	OpAddItem Op = "add_item"
	// OpRemoveItem removes a receipt item.
	OpRemoveItem Op = "remove_item"
	// OpChangeAccount changes an account (transfer legs included).
	OpChangeAccount Op = "change_account"
	// OpChangeDate changes the draft date.
	OpChangeDate Op = "change_date"
	// OpSetDescription replaces the free-form description.
	OpSetDescription Op = "set_description"
	// OpSetTotal rescales all item values proportionally to a target total.
	OpSetTotal Op = "set_total"
)

// Patch is one operation against a draft. Field usage depends on Op; Item
// references a receipt item by its description.
type Patch struct {
	Op          Op               `json:"op"`
	Item        string           `json:"item,omitempty"`
	Category    string           `json:"categoria,omitempty"`
	Value       *decimal.Decimal `json:"valor,omitempty"`
	Account     string           `json:"conta,omitempty"`
	AccountRole string           `json:"conta_papel,omitempty"` // "origem" or "destino"
	Date        string           `json:"data,omitempty"`        // YYYY-MM-DD
	Description string           `json:"descricao,omitempty"`
}

// applyPatches applies the whole patch set to a copy of the draft and
// returns the copy, or a fault describing the first constraint that failed.
// The live draft is never touched: the set applies in full or not at all.
func applyPatches(draft *domain.Draft, patches []Patch, tax *domain.Taxonomy) (*domain.Draft, *domain.Fault) {
	if len(patches) == 0 {
		return nil, domain.NewFault(domain.FaultAmbiguousEdit, "instruction produced no changes; try exact item and category names")
	}

	next := draft.Clone()
	touched := map[string]bool{}

	for _, p := range patches {
		key, fault := patchKey(next, p)
		if fault != nil {
			return nil, fault
		}
		if touched[key] {
			return nil, domain.NewFault(domain.FaultAmbiguousEdit, "instruction changes %s more than once", key)
		}
		touched[key] = true

		if fault := applyPatch(next, p, tax); fault != nil {
			return nil, fault
		}
	}

	if err := structurallySound(next); err != nil {
		return nil, domain.AsFault(err, domain.FaultAmbiguousEdit)
	}
	return next, nil
}

// patchKey names the field a patch touches, for contradiction detection.
func patchKey(draft *domain.Draft, p Patch) (string, *domain.Fault) {
	switch p.Op {
	case OpRenameCategory:
		if draft.Kind == domain.KindClassification {
			return "item:" + domain.NormalizeName(p.Item) + ":categoria", nil
		}
		return "categoria", nil
	case OpAdjustValue:
		if draft.Kind == domain.KindClassification {
			return "item:" + domain.NormalizeName(p.Item) + ":valor", nil
		}
		return "valor", nil
	case OpAddItem:
		return "add:" + domain.NormalizeName(p.Item), nil
	case OpRemoveItem:
		return "remove:" + domain.NormalizeName(p.Item), nil
	case OpChangeAccount:
		if p.AccountRole != "" {
			return "conta:" + p.AccountRole, nil
		}
		return "conta", nil
	case OpChangeDate:
		return "data", nil
	case OpSetDescription:
		return "descricao", nil
	case OpSetTotal:
		return "valor", nil
	}
	return "", domain.NewFault(domain.FaultAmbiguousEdit, "unsupported operation %q", p.Op)
}

func applyPatch(draft *domain.Draft, p Patch, tax *domain.Taxonomy) *domain.Fault {
	switch p.Op {
	case OpRenameCategory:
		return applyRenameCategory(draft, p, tax)
	case OpAdjustValue:
		return applyAdjustValue(draft, p)
	case OpAddItem:
		return applyAddItem(draft, p, tax)
	case OpRemoveItem:
		return applyRemoveItem(draft, p)
	case OpChangeAccount:
		return applyChangeAccount(draft, p, tax)
	case OpChangeDate:
		return applyChangeDate(draft, p)
	case OpSetDescription:
		return applySetDescription(draft, p)
	case OpSetTotal:
		return applySetTotal(draft, p)
	}
	return domain.NewFault(domain.FaultAmbiguousEdit, "unsupported operation %q", p.Op)
}

func applyRenameCategory(draft *domain.Draft, p Patch, tax *domain.Taxonomy) *domain.Fault {
	categoria := tax.MatchCategory(p.Category)
	if categoria == "" {
		return domain.NewFault(domain.FaultUnknownCategory, "category %q is not in the current budget", p.Category)
	}
	switch draft.Kind {
	case domain.KindClassification:
		idx := findItem(draft.Classification.Itens, p.Item)
		if idx < 0 {
			return domain.NewFault(domain.FaultItemNotFound, "no item named %q in the draft", p.Item)
		}
		draft.Classification.Itens[idx].Categoria = categoria
	case domain.KindExpense:
		draft.Expense.Categoria = categoria
	default:
		return domain.NewFault(domain.FaultAmbiguousEdit, "transfers have no category to change")
	}
	return nil
}

func applyAdjustValue(draft *domain.Draft, p Patch) *domain.Fault {
	if p.Value == nil {
		return domain.NewFault(domain.FaultAmbiguousEdit, "value change without a value")
	}
	if p.Value.IsNegative() {
		return domain.NewFault(domain.FaultAmbiguousEdit, "values must not be negative, got %s", p.Value)
	}
	switch draft.Kind {
	case domain.KindClassification:
		idx := findItem(draft.Classification.Itens, p.Item)
		if idx < 0 {
			return domain.NewFault(domain.FaultItemNotFound, "no item named %q in the draft", p.Item)
		}
		draft.Classification.Itens[idx].Valor = *p.Value
	case domain.KindExpense:
		draft.Expense.Valor = *p.Value
	case domain.KindTransfer:
		draft.Transfer.Valor = *p.Value
	}
	return nil
}

func applyAddItem(draft *domain.Draft, p Patch, tax *domain.Taxonomy) *domain.Fault {
	if draft.Kind != domain.KindClassification {
		return domain.NewFault(domain.FaultAmbiguousEdit, "only receipt drafts have items")
	}
	if p.Item == "" || p.Value == nil {
		return domain.NewFault(domain.FaultAmbiguousEdit, "adding an item needs a description and a value")
	}
	if p.Value.IsNegative() {
		return domain.NewFault(domain.FaultAmbiguousEdit, "values must not be negative, got %s", p.Value)
	}
	categoria := tax.MatchCategory(p.Category)
	if categoria == "" {
		return domain.NewFault(domain.FaultUnknownCategory, "category %q is not in the current budget", p.Category)
	}
	draft.Classification.Itens = append(draft.Classification.Itens, domain.Item{
		Descricao: p.Item,
		Valor:     *p.Value,
		Categoria: categoria,
	})
	return nil
}

func applyRemoveItem(draft *domain.Draft, p Patch) *domain.Fault {
	if draft.Kind != domain.KindClassification {
		return domain.NewFault(domain.FaultAmbiguousEdit, "only receipt drafts have items")
	}
	idx := findItem(draft.Classification.Itens, p.Item)
	if idx < 0 {
		return domain.NewFault(domain.FaultItemNotFound, "no item named %q in the draft", p.Item)
	}
	itens := draft.Classification.Itens
	draft.Classification.Itens = append(itens[:idx], itens[idx+1:]...)
	return nil
}

func applyChangeAccount(draft *domain.Draft, p Patch, tax *domain.Taxonomy) *domain.Fault {
	conta := tax.MatchAccount(p.Account)
	if conta == "" {
		return domain.NewFault(domain.FaultUnknownAccount, "account %q is not known", p.Account)
	}
	switch draft.Kind {
	case domain.KindTransfer:
		switch p.AccountRole {
		case "origem":
			draft.Transfer.ContaOrigem = conta
		case "destino":
			draft.Transfer.ContaDestino = conta
		default:
			return domain.NewFault(domain.FaultAmbiguousEdit, "transfer account change must say origem or destino")
		}
	default:
		draft.SetAccount(conta)
	}
	return nil
}

func applyChangeDate(draft *domain.Draft, p Patch) *domain.Fault {
	d, err := time.Parse("2006-01-02", p.Date)
	if err != nil {
		return domain.NewFault(domain.FaultAmbiguousEdit, "unparseable date %q", p.Date)
	}
	switch draft.Kind {
	case domain.KindClassification:
		draft.Classification.DataCompra = d
	case domain.KindExpense:
		draft.Expense.Data = d
	case domain.KindTransfer:
		draft.Transfer.DataTransferencia = d
	}
	return nil
}

func applySetDescription(draft *domain.Draft, p Patch) *domain.Fault {
	switch draft.Kind {
	case domain.KindClassification:
		draft.Classification.Estabelecimento = p.Description
	case domain.KindExpense:
		draft.Expense.Descricao = p.Description
	case domain.KindTransfer:
		draft.Transfer.Descricao = p.Description
	}
	return nil
}

// applySetTotal rescales all item values proportionally so they sum to the
// target; the rounding remainder goes to the last item so the fixed-point
// sum is exact.
func applySetTotal(draft *domain.Draft, p Patch) *domain.Fault {
	if p.Value == nil || !p.Value.IsPositive() {
		return domain.NewFault(domain.FaultAmbiguousEdit, "total change needs a positive value")
	}
	switch draft.Kind {
	case domain.KindExpense:
		draft.Expense.Valor = *p.Value
		return nil
	case domain.KindTransfer:
		draft.Transfer.Valor = *p.Value
		return nil
	}

	itens := draft.Classification.Itens
	current := decimal.Zero
	for _, it := range itens {
		current = current.Add(it.Valor)
	}
	if current.IsZero() {
		return domain.NewFault(domain.FaultAmbiguousEdit, "cannot redistribute a zero total")
	}

	factor := p.Value.Div(current)
	assigned := decimal.Zero
	for i := range itens {
		if i == len(itens)-1 {
			itens[i].Valor = p.Value.Sub(assigned)
			break
		}
		v := itens[i].Valor.Mul(factor).Round(2)
		itens[i].Valor = v
		assigned = assigned.Add(v)
	}
	return nil
}

// structurallySound re-checks the patched copy before it replaces the live
// draft. Taxonomy membership was already enforced per patch.
func structurallySound(draft *domain.Draft) error {
	switch draft.Kind {
	case domain.KindClassification:
		if len(draft.Classification.Itens) == 0 {
			return domain.NewFault(domain.FaultAmbiguousEdit, "the edit would remove every item")
		}
		for _, it := range draft.Classification.Itens {
			if it.Valor.IsNegative() {
				return domain.NewFault(domain.FaultAmbiguousEdit, "item %q would have a negative value", it.Descricao)
			}
		}
	case domain.KindExpense:
		if !draft.Expense.Valor.IsPositive() {
			return domain.NewFault(domain.FaultAmbiguousEdit, "the expense value must stay positive")
		}
	case domain.KindTransfer:
		t := draft.Transfer
		if !t.Valor.IsPositive() {
			return domain.NewFault(domain.FaultAmbiguousEdit, "the transfer value must stay positive")
		}
		if domain.NormalizeName(t.ContaOrigem) == domain.NormalizeName(t.ContaDestino) {
			return domain.NewFault(domain.FaultAmbiguousEdit, "source and destination accounts must differ")
		}
	}
	return nil
}

func findItem(itens []domain.Item, name string) int {
	want := domain.NormalizeName(name)
	if want == "" {
		return -1
	}
	for i, it := range itens {
		if domain.NormalizeName(it.Descricao) == want {
			return i
		}
	}
	return -1
}
