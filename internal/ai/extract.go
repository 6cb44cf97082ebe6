package ai

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/orcabot-dev/orcabot/internal/domain"
)

// receiptPayload is the JSON shape the receipt prompt asks for.
type receiptPayload struct {
	Estabelecimento string        `json:"estabelecimento"`
	Data            string        `json:"data"`
	Itens           []itemPayload `json:"itens"`
}

type itemPayload struct {
	Descricao string `json:"descricao"`
	Valor     any    `json:"valor"`
	Categoria string `json:"categoria"`
}

// intakePayload is the JSON shape of the free-text intake answer.
type intakePayload struct {
	Tipo         string `json:"tipo"`
	Valor        any    `json:"valor"`
	Descricao    string `json:"descricao"`
	Categoria    string `json:"categoria"`
	Conta        string `json:"conta"`
	ContaOrigem  string `json:"conta_origem"`
	ContaDestino string `json:"conta_destino"`
	Data         string `json:"data"`
}

// ExtractImage reads a receipt photo into a classification draft. Category
// names the model invents are passed through; they stay visible in the draft
// and block confirmation until corrected.
func (c *Client) ExtractImage(ctx context.Context, image []byte, mime string, tax *domain.Taxonomy) (*domain.Draft, error) {
	raw, err := c.generate(ctx, []*genai.Part{
		{Text: receiptPrompt(tax)},
		{InlineData: &genai.Blob{MIMEType: mime, Data: image}},
	})
	if err != nil {
		return nil, err
	}

	var payload receiptPayload
	if err := decodeJSON(raw, &payload); err != nil {
		return nil, fmt.Errorf("ai: receipt extraction: %w", err)
	}

	itens := make([]domain.Item, 0, len(payload.Itens))
	for i, it := range payload.Itens {
		valor, err := toDecimal(it.Valor)
		if err != nil {
			return nil, fmt.Errorf("ai: receipt item %d (%q): %w", i, it.Descricao, err)
		}
		itens = append(itens, domain.Item{
			Descricao: it.Descricao,
			Valor:     valor,
			Categoria: tax.MatchCategory(it.Categoria),
		})
		if itens[i].Categoria == "" {
			itens[i].Categoria = it.Categoria
		}
	}

	c.log.Info().Int("items", len(itens)).Str("estabelecimento", payload.Estabelecimento).Msg("receipt extracted")
	return &domain.Draft{
		Kind: domain.KindClassification,
		Classification: &domain.ClassificationDraft{
			Estabelecimento: payload.Estabelecimento,
			DataCompra:      clampDate(parseDate(payload.Data), time.Now()),
			Itens:           itens,
		},
	}, nil
}

// ExtractText reads a free-text statement into an expense or transfer draft,
// depending on the intent the model detects.
func (c *Client) ExtractText(ctx context.Context, text string, tax *domain.Taxonomy) (*domain.Draft, error) {
	raw, err := c.generate(ctx, []*genai.Part{{Text: intakePrompt(text, tax)}})
	if err != nil {
		return nil, err
	}

	var payload intakePayload
	if err := decodeJSON(raw, &payload); err != nil {
		return nil, fmt.Errorf("ai: text intake: %w", err)
	}

	valor, err := toDecimal(payload.Valor)
	if err != nil {
		return nil, fmt.Errorf("ai: text intake value: %w", err)
	}
	data := clampDate(parseDate(payload.Data), time.Now())

	switch payload.Tipo {
	case "transferencia":
		return &domain.Draft{
			Kind: domain.KindTransfer,
			Transfer: &domain.TransferDraft{
				Valor:             valor,
				ContaOrigem:       matchOr(tax.MatchAccount(payload.ContaOrigem), payload.ContaOrigem),
				ContaDestino:      matchOr(tax.MatchAccount(payload.ContaDestino), payload.ContaDestino),
				DataTransferencia: data,
				Descricao:         payload.Descricao,
			},
		}, nil
	case "gasto":
		return &domain.Draft{
			Kind: domain.KindExpense,
			Expense: &domain.ExpenseDraft{
				Valor:     valor,
				Categoria: matchOr(tax.MatchCategory(payload.Categoria), payload.Categoria),
				Conta:     tax.MatchAccount(payload.Conta),
				Data:      data,
				Descricao: payload.Descricao,
			},
		}, nil
	}
	return nil, fmt.Errorf("ai: text intake: unexpected tipo %q", payload.Tipo)
}

func matchOr(matched, fallback string) string {
	if matched != "" {
		return matched
	}
	return fallback
}

func parseDate(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return d
}

// clampDate keeps extracted dates within the last 30 days. Receipts are
// often misread (wrong century, printed reissue dates), so anything outside
// the window collapses to today.
func clampDate(d, now time.Time) time.Time {
	today := now.Truncate(24 * time.Hour)
	if d.IsZero() || d.After(now) || d.Before(today.AddDate(0, 0, -30)) {
		return today
	}
	return d
}
