package oracle

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiOptions configures the Gemini provider.
type GeminiOptions struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// DefaultGeminiOptions returns sensible defaults.
func DefaultGeminiOptions(apiKey string) GeminiOptions {
	return GeminiOptions{
		APIKey:    apiKey,
		Model:     "gemini-2.5-pro",
		MaxTokens: 4096,
	}
}

// GeminiProvider implements Oracle over the Gemini API.
type GeminiProvider struct {
	client    *genai.Client
	model     string
	maxTokens int
}

// NewGeminiProvider creates a provider from options.
func NewGeminiProvider(ctx context.Context, opts GeminiOptions) (*GeminiProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("oracle: gemini API key not configured")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: opts.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: create gemini client: %w", err)
	}

	return &GeminiProvider{
		client:    client,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
	}, nil
}

// Complete implements Oracle.
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(maxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, turn := range req.History {
		var role genai.Role = genai.RoleUser
		if turn.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))

	result, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		// The SDK folds transport and API failures together; treating
		// them all as retryable only costs a few spare calls.
		return nil, &TransportError{Err: fmt.Errorf("gemini: %w", err)}
	}

	text := result.Text()
	if text == "" {
		return nil, fmt.Errorf("oracle: no completion returned")
	}

	resp := &Response{Text: text, Model: model}
	if result.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	return resp, nil
}
