// Package genai provides GenAI-backed message generation using the OpenAI API.
//
// It is the boundary to the external content generator: given a user and a
// generation context (recent history plus topic, profile, and tone hints), it
// drafts the text of one proactive message. Failures are returned to the
// caller, which substitutes fallback text rather than aborting the send.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/NudgePipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultSystemPrompt frames the generator as a proactive conversation opener.
const DefaultSystemPrompt = "You are a friendly conversational companion reaching out to a user you " +
	"have not heard from in a while. Write one short, warm, natural check-in message. " +
	"Do not mention that you are an AI or that this message was scheduled."

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for generation.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = openai.ChatModel(model) }
}

// Client wraps the OpenAI chat completion API for drafting proactive messages.
type Client struct {
	client openai.Client
	model  openai.ChatModel
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not provided via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}

	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client initialized", "model", cfg.Model)
	return &Client{client: client, model: cfg.Model}, nil
}

// Generate drafts one proactive message for the given user.
func (c *Client) Generate(ctx context.Context, userID string, gen models.GenerationContext) (string, error) {
	systemPrompt := buildSystemPrompt(gen)
	userPrompt := buildUserPrompt(userID, gen)
	slog.Debug("GenAI Generate invoked", "userID", userID, "history_len", len(gen.History))

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Model: c.model,
	})
	if err != nil {
		slog.Error("GenAI Generate request failed", "error", err, "userID", userID)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}

	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty completion returned")
	}
	slog.Debug("GenAI Generate succeeded", "userID", userID, "text_length", len(text))
	return text, nil
}

// buildSystemPrompt folds profile and tone hints into the system prompt.
func buildSystemPrompt(gen models.GenerationContext) string {
	var b strings.Builder
	b.WriteString(DefaultSystemPrompt)
	if len(gen.ProfileHints) > 0 {
		b.WriteString("\n\nWhat you know about the user: ")
		b.WriteString(strings.Join(gen.ProfileHints, "; "))
	}
	if len(gen.ToneHints) > 0 {
		b.WriteString("\n\nTone guidance: ")
		b.WriteString(strings.Join(gen.ToneHints, ", "))
	}
	return b.String()
}

// buildUserPrompt summarizes recent history and topic hints for the model.
func buildUserPrompt(userID string, gen models.GenerationContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a check-in message for user %s.\n", userID)
	if len(gen.TopicHints) > 0 {
		b.WriteString("Possible topics: ")
		b.WriteString(strings.Join(gen.TopicHints, "; "))
		b.WriteString("\n")
	}
	if len(gen.History) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, rec := range gen.History {
			if rec.UserText != "" {
				fmt.Fprintf(&b, "user: %s\n", rec.UserText)
			}
			if rec.BotText != "" {
				fmt.Fprintf(&b, "you: %s\n", rec.BotText)
			}
		}
	}
	return b.String()
}
