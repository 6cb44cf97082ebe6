package reconcile

import (
	"strings"
	"unicode"

	"github.com/orcabot-dev/orcabot/internal/domain"
)

// fallbackPatches interprets an edit instruction without the AI capability.
// It only handles the one unambiguous shape: moving an item to a different
// category by name overlap. Anything touching values, dates or accounts is
// refused as ambiguous rather than guessed at.
func fallbackPatches(draft *domain.Draft, instruction string, tax *domain.Taxonomy) ([]Patch, *domain.Fault) {
	tokens := tokenize(instruction)
	if len(tokens) == 0 {
		return nil, domain.NewFault(domain.FaultAmbiguousEdit, "empty instruction")
	}
	for _, tok := range tokens {
		if hasDigit(tok) || tok == "valor" || tok == "total" || tok == "data" || tok == "conta" {
			return nil, domain.NewFault(domain.FaultAmbiguousEdit,
				"cannot interpret value, date or account changes right now; try again shortly or rephrase as \"<item> e <categoria>\"")
		}
	}

	categoria, catTokens := bestCategory(tokens, tax)
	if categoria == "" {
		return nil, domain.NewFault(domain.FaultAmbiguousEdit, "no known category mentioned in the instruction")
	}

	switch draft.Kind {
	case domain.KindExpense:
		return []Patch{{Op: OpRenameCategory, Category: categoria}}, nil
	case domain.KindTransfer:
		return nil, domain.NewFault(domain.FaultAmbiguousEdit, "transfers have no category to change")
	}

	item := bestItem(draft.Classification.Itens, tokens, catTokens)
	if item == "" {
		return nil, domain.NewFault(domain.FaultAmbiguousEdit, "could not tell which item the instruction refers to")
	}
	return []Patch{{Op: OpRenameCategory, Item: item, Category: categoria}}, nil
}

// bestCategory picks the taxonomy category with the most token overlap, and
// returns the tokens that matched so item matching can ignore them.
func bestCategory(tokens []string, tax *domain.Taxonomy) (string, map[string]bool) {
	best := ""
	bestScore := 0
	var bestTokens map[string]bool
	for _, cat := range tax.Categories {
		catTokens := tokenize(cat)
		matched := map[string]bool{}
		for _, ct := range catTokens {
			for _, t := range tokens {
				if t == ct {
					matched[t] = true
				}
			}
		}
		if len(matched) > bestScore {
			best, bestScore, bestTokens = cat, len(matched), matched
		}
	}
	return best, bestTokens
}

// bestItem picks the draft item whose description overlaps the instruction
// most, excluding the tokens already claimed by the category.
func bestItem(itens []domain.Item, tokens []string, claimed map[string]bool) string {
	best := ""
	bestScore := 0
	for _, it := range itens {
		score := 0
		for _, dt := range tokenize(it.Descricao) {
			if claimed[dt] {
				continue
			}
			for _, t := range tokens {
				if t == dt {
					score++
					break
				}
			}
		}
		if score > bestScore {
			best, bestScore = it.Descricao, score
		}
	}
	return best
}

func tokenize(s string) []string {
	norm := domain.NormalizeName(s)
	return strings.FieldsFunc(norm, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
