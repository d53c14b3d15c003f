package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/membot/membot-backend/internal/config"
	"github.com/membot/membot-backend/internal/providers"
)

const summarizeSystemPrompt = "You are an assistant that maintains concise summaries of conversations.\n" +
	"Your task is to keep an existing summary up to date with new messages.\n" +
	"Reply with the updated summary only, no explanations."

// Provider implements providers.CompletionProvider on top of the OpenAI
// chat-completions API. Chat and summarization go through an
// OpenRouter-compatible endpoint; embeddings use a separate OpenAI client
// because OpenRouter does not serve embedding models.
type Provider struct {
	chat       *openai.Client
	embeddings *openai.Client
	cfg        config.LLMConfig
}

// NewProvider creates a new OpenAI-backed completion provider
func NewProvider(cfg config.LLMConfig) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("LLM API key is required")
	}

	chatConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		chatConfig.BaseURL = cfg.BaseURL
	}

	p := &Provider{
		chat: openai.NewClientWithConfig(chatConfig),
		cfg:  cfg,
	}

	if cfg.EmbeddingAPIKey != "" {
		p.embeddings = openai.NewClient(cfg.EmbeddingAPIKey)
	}

	return p, nil
}

// Complete generates the assistant reply for the assembled prompt blocks
func (p *Provider) Complete(ctx context.Context, blocks []providers.PromptBlock) (string, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, len(blocks))
	for i, b := range blocks {
		messages[i] = openai.ChatCompletionMessage{
			Role:    b.Role,
			Content: b.Content,
		}
	}

	resp, err := p.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: p.cfg.Temperature,
	})
	if err != nil {
		return "", p.wrapError("completion", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: completion returned no choices", providers.ErrProviderFailure)
	}

	return resp.Choices[0].Message.Content, nil
}

// Summarize produces a progressive summary: the previous summary (if any)
// folded together with the transcript of new messages.
func (p *Provider) Summarize(ctx context.Context, previousSummary, transcript string) (string, error) {
	var userContent string
	if previousSummary != "" {
		userContent = fmt.Sprintf(
			"Current summary of the conversation:\n%s\n\n"+
				"New messages:\n%s\n\n"+
				"Update the summary so it briefly covers the WHOLE history.",
			previousSummary, transcript)
	} else {
		userContent = fmt.Sprintf(
			"Write a brief summary of the following conversation:\n\n%s\n\n"+
				"Focus on the user's intent and the key facts.",
			transcript)
	}

	return p.Complete(ctx, []providers.PromptBlock{
		{Role: openai.ChatMessageRoleSystem, Content: summarizeSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userContent},
	})
}

// Embed returns one vector per input text
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if p.embeddings == nil {
		return nil, fmt.Errorf("%w: embeddings API key not configured", providers.ErrProviderFailure)
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	resp, err := p.embeddings.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.cfg.EmbeddingModel),
	})
	if err != nil {
		return nil, p.wrapError("embeddings", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs",
			providers.ErrProviderFailure, len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, item := range resp.Data {
		vectors[i] = item.Embedding
	}

	return vectors, nil
}

func (p *Provider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := p.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (p *Provider) wrapError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", providers.ErrProviderTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", providers.ErrProviderFailure, op, err)
}
