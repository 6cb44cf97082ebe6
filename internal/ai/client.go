package ai

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/orcabot-dev/orcabot/internal/domain"
)

// Client wraps the Gemini API for receipt extraction, free-text intake and
// edit interpretation. It implements both reconcile.Extractor and
// reconcile.EditInterpreter.
type Client struct {
	gen   *genai.Client
	model string
	log   zerolog.Logger
}

// NewClient creates the Gemini client. Credentials come from the environment,
// the same way the rest of the Google stack picks them up.
func NewClient(ctx context.Context, model string, log zerolog.Logger) (*Client, error) {
	gen, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("ai: create genai client: %w", err)
	}
	return &Client{
		gen:   gen,
		model: model,
		log:   log.With().Str("component", "ai").Logger(),
	}, nil
}

// generate runs one model call and returns the raw text. Transport failures
// are wrapped with the capability sentinel so callers can degrade instead of
// failing the whole event.
func (c *Client) generate(ctx context.Context, parts []*genai.Part) (string, error) {
	contents := []*genai.Content{{Role: "user", Parts: parts}}
	resp, err := c.gen.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("%w: generate content: %v", domain.ErrCapabilityUnavailable, err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty response from model", domain.ErrCapabilityUnavailable)
	}
	return text, nil
}
