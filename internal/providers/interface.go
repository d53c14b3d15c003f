package providers

import "context"

// PromptBlock is one ordered block of the assembled context. Role follows
// the chat-completion convention (system/user/assistant/tool).
type PromptBlock struct {
	Role    string
	Content string
}

// CompletionProvider is the narrow surface to the language model: chat
// completion over assembled prompt blocks, progressive summarization, and
// text embeddings. Implementations bound every call with a timeout and map
// failures onto ErrProviderTimeout / ErrProviderFailure.
type CompletionProvider interface {
	// Complete generates the assistant reply for the assembled prompt.
	Complete(ctx context.Context, blocks []PromptBlock) (string, error)
	// Summarize condenses a transcript of new messages, folding in the
	// previous summary when there is one (empty string for the first run).
	Summarize(ctx context.Context, previousSummary, transcript string) (string, error)
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
