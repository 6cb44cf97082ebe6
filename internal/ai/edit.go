package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/orcabot-dev/orcabot/internal/domain"
	"github.com/orcabot-dev/orcabot/internal/reconcile"
)

type patchPayload struct {
	Op         string `json:"op"`
	Item       string `json:"item"`
	Categoria  string `json:"categoria"`
	Valor      any    `json:"valor"`
	Conta      string `json:"conta"`
	ContaPapel string `json:"conta_papel"`
	Data       string `json:"data"`
	Descricao  string `json:"descricao"`
}

// InterpretEdit maps a free-text instruction onto patch operations. Output
// the reconciler cannot apply is its problem to reject; here only the shape
// of the response is enforced. Malformed output counts as capability
// unavailable so the deterministic fallback gets a chance.
func (c *Client) InterpretEdit(ctx context.Context, draft *domain.Draft, instruction string, tax *domain.Taxonomy) ([]reconcile.Patch, error) {
	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("ai: marshaling draft: %w", err)
	}

	raw, err := c.generate(ctx, []*genai.Part{{Text: editPrompt(string(draftJSON), instruction, tax)}})
	if err != nil {
		return nil, err
	}

	var payloads []patchPayload
	if err := decodeJSON(raw, &payloads); err != nil {
		return nil, fmt.Errorf("%w: edit interpretation: %v", domain.ErrCapabilityUnavailable, err)
	}

	patches := make([]reconcile.Patch, 0, len(payloads))
	for i, p := range payloads {
		patch := reconcile.Patch{
			Op:          reconcile.Op(p.Op),
			Item:        p.Item,
			Category:    p.Categoria,
			Account:     p.Conta,
			AccountRole: p.ContaPapel,
			Date:        p.Data,
			Description: p.Descricao,
		}
		if p.Valor != nil {
			valor, err := toDecimal(p.Valor)
			if err != nil {
				return nil, fmt.Errorf("ai: edit operation %d value: %w", i, err)
			}
			patch.Value = &valor
		}
		patches = append(patches, patch)
	}

	c.log.Debug().Int("patches", len(patches)).Msg("edit interpreted")
	return patches, nil
}

// IdentifyAccount resolves free text onto one of the known accounts.
func (c *Client) IdentifyAccount(ctx context.Context, text string, accounts []string) (string, error) {
	raw, err := c.generate(ctx, []*genai.Part{{Text: accountPrompt(text, accounts)}})
	if err != nil {
		return "", err
	}

	var payload struct {
		Conta string `json:"conta"`
	}
	if err := decodeJSON(raw, &payload); err != nil {
		return "", fmt.Errorf("%w: account identification: %v", domain.ErrCapabilityUnavailable, err)
	}
	if payload.Conta == "" {
		return text, nil
	}
	return payload.Conta, nil
}
