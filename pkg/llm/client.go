// Package llm wraps OpenAI-compatible chat completion endpoints behind a
// small client interface with blocking and streaming generation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultTimeout bounds a single LLM call.
const DefaultTimeout = 900 * time.Second

// Request is one chat completion invocation.
type Request struct {
	System      string
	User        string
	Temperature float32
}

// Client generates text from a chat completion backend.
type Client interface {
	// Label identifies the credential set backing this client, e.g. "report".
	Label() string
	// Generate performs a blocking completion and returns the full text.
	Generate(ctx context.Context, req Request) (string, error)
	// GenerateStream streams the completion, invoking onChunk for every
	// delta, and returns the accumulated text.
	GenerateStream(ctx context.Context, req Request, onChunk func(string)) (string, error)
}

// OpenAIClient is the production Client over an OpenAI-compatible API.
type OpenAIClient struct {
	label   string
	model   string
	timeout time.Duration
	api     *openai.Client
}

// Options configures an OpenAIClient.
type Options struct {
	Label   string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewClient creates an OpenAIClient. BaseURL may point at any
// OpenAI-compatible provider; empty keeps the default endpoint.
func NewClient(opts Options) *OpenAIClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenAIClient{
		label:   opts.Label,
		model:   opts.Model,
		timeout: timeout,
		api:     openai.NewClientWithConfig(cfg),
	}
}

func (c *OpenAIClient) Label() string { return c.label }

func (c *OpenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, c.completionRequest(req, false))
	if err != nil {
		return "", fmt.Errorf("llm %s generation failed: %w", c.label, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm %s returned no choices", c.label)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) GenerateStream(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.api.CreateChatCompletionStream(ctx, c.completionRequest(req, true))
	if err != nil {
		return "", fmt.Errorf("llm %s stream open failed: %w", c.label, err)
	}
	defer stream.Close()

	var b strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Return partial output alongside the error so callers can
			// keep a sparse candidate.
			return b.String(), fmt.Errorf("llm %s stream failed: %w", c.label, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		b.WriteString(delta)
		if onChunk != nil {
			onChunk(delta)
		}
	}
	slog.Debug("LLM stream completed", "label", c.label, "model", c.model, "chars", b.Len())
	return b.String(), nil
}

func (c *OpenAIClient) completionRequest(req Request, stream bool) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.User,
	})
	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

// moderationKeywords flag provider-side content-safety rejections. Errors
// carrying these are retryable like any structural failure.
var moderationKeywords = []string{
	"inappropriate content",
	"content violation",
	"content moderation",
	"model-studio/error-code",
}

// IsContentModerationError reports whether the error message matches the
// content-safety keyword list.
func IsContentModerationError(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	for _, keyword := range moderationKeywords {
		if strings.Contains(message, keyword) {
			return true
		}
	}
	return false
}
