// Package genai provides optional LLM-backed locale refinement using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var (
	ErrMissingAPIKey     = errors.New("OPENAI_API_KEY not set")
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = string(openai.ChatModelGPT4oMini)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type completions struct {
	svc openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts configures a Client.
type Opts struct {
	APIKey string
	Model  string
}

// Option configures a Client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key; OPENAI_API_KEY is used otherwise.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides DefaultModel.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat  chatService
	model string
}

// NewClient creates a Client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: completions{svc: cli.Chat.Completions}, model: cfg.Model}, nil
}

// Complete runs a single system+user exchange at temperature 0.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(0),
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

const localeSystemPrompt = "You identify the language of short chat messages. " +
	"Reply with exactly one code from this list and nothing else: %s. " +
	"Reply \"unknown\" if the language is none of them or cannot be determined."

// LocaleClassifier asks the model which supported locale a message is written in.
type LocaleClassifier struct {
	client     *Client
	candidates []string
}

// NewLocaleClassifier restricts answers to candidates.
func NewLocaleClassifier(client *Client, candidates []string) *LocaleClassifier {
	return &LocaleClassifier{client: client, candidates: candidates}
}

// Classify returns one of the candidates, or "" when the model is unsure or
// answers outside the list.
func (l *LocaleClassifier) Classify(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	out, err := l.client.Complete(ctx, fmt.Sprintf(localeSystemPrompt, strings.Join(l.candidates, ", ")), text)
	if err != nil {
		return "", err
	}
	answer := strings.ToLower(strings.Trim(strings.TrimSpace(out), ".\"'`"))
	for _, c := range l.candidates {
		if answer == c {
			slog.Debug("LocaleClassifier.Classify", "locale", answer)
			return answer, nil
		}
	}
	slog.Debug("LocaleClassifier.Classify no usable answer", "answer", answer)
	return "", nil
}
